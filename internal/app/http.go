package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MedDash99/Sagole/internal/env"
	"github.com/MedDash99/Sagole/internal/record"
	"github.com/MedDash99/Sagole/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *logrus.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, log *logrus.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

type envKey struct{}
type sessionKey struct{}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.logMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Head("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Head("/api/ready", s.handleReady)

	r.Route("/api/v1/{env}", func(r chi.Router) {
		r.Use(s.envMiddleware)

		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.sessionMiddleware)

			r.Get("/tables", s.handleTables)
			r.Get("/tables/{table}", s.handleRows)
			r.Get("/tables/{table}/schema", s.handleSchema)
			r.Delete("/tables/{table}/{recordID}", s.handleDeleteRecord)
			r.Get("/tables/{table}/snapshots", s.handleSnapshots)
			r.Get("/snapshots/{id}", s.handleSnapshot)

			r.Get("/changes", s.handleListChanges)
			r.Post("/changes", s.handleSubmitChange)
			r.Get("/changes/{id}", s.handleGetChange)
			r.Post("/changes/{id}/approve", s.handleApproveChange)
			r.Post("/changes/{id}/reject", s.handleRejectChange)
		})
	})

	return r
}

// --- Middleware ---

func (s *HTTPServer) envMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := env.Parse(chi.URLParam(r, "env"))
		if err != nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown environment", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), envKey{}, e)))
	})
}

func (s *HTTPServer) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
			return
		}
		sess, err := s.service.SessionFromToken(r.Context(), requestEnv(r), token)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Access-Control-Allow-Origin", s.corsOrigin)
		header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		header.Set("Cache-Control", "no-store")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  middleware.GetReqID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestEnv(r *http.Request) env.Environment {
	e, _ := r.Context().Value(envKey{}).(env.Environment)
	return e
}

func requestSession(r *http.Request) Session {
	sess, _ := r.Context().Value(sessionKey{}).(Session)
	return sess
}

// --- Handlers ---

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Login(r.Context(), requestEnv(r), body.Username, body.Password)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	sess, err := s.service.Refresh(r.Context(), requestEnv(r), body.RefreshToken)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(sess))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func sessionPayload(sess Session) map[string]any {
	return map[string]any{
		"token":         sess.Token,
		"refresh_token": sess.RefreshToken,
		"user_id":       sess.UserID,
		"username":      sess.UserName,
		"full_name":     sess.FullName,
		"role":          sess.Role,
		"environment":   sess.Environment,
		"expires_at":    sess.ExpiresAt.Format(time.RFC3339),
	}
}

func (s *HTTPServer) handleTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.service.Tables(r.Context(), requestSession(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *HTTPServer) handleSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := s.service.Schema(r.Context(), requestSession(r), chi.URLParam(r, "table"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": schema})
}

func (s *HTTPServer) handleRows(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	pageSize, err := queryInt(r, "pageSize", 50)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	result, err := s.service.Rows(r.Context(), requestSession(r), chi.URLParam(r, "table"), page, pageSize, filters)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rows":     recordPayload(result.Rows),
		"total":    result.Total,
		"page":     result.Page,
		"pageSize": result.PageSize,
	})
}

// parseFilters reads the filters query parameter, a JSON array of
// {column, operator, value} objects.
func parseFilters(r *http.Request) ([]store.Filter, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("filters"))
	if raw == "" {
		return nil, nil
	}
	var filters []store.Filter
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		return nil, fmt.Errorf("filters must be a JSON array of {column, operator, value}")
	}
	return filters, nil
}

func recordPayload(rows []record.Record) []map[string]record.Value {
	out := make([]map[string]record.Value, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Values)
	}
	return out
}

func (s *HTTPServer) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	recordID, err := strconv.ParseInt(chi.URLParam(r, "recordID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "record id must be an integer", nil)
		return
	}
	if err := s.service.DeleteRecord(r.Context(), requestSession(r), chi.URLParam(r, "table"), recordID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.service.Snapshots(r.Context(), requestSession(r), chi.URLParam(r, "table"))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "snapshot id must be an integer", nil)
		return
	}
	snapshot, err := s.service.Snapshot(r.Context(), requestSession(r), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleListChanges(w http.ResponseWriter, r *http.Request) {
	changes, err := s.service.ListChanges(r.Context(), requestSession(r))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *HTTPServer) handleSubmitChange(w http.ResponseWriter, r *http.Request) {
	var input SubmitChangeInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	cr, err := s.service.SubmitChange(r.Context(), requestSession(r), input)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusCreated, cr)
}

func (s *HTTPServer) handleGetChange(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "change id must be a UUID", nil)
		return
	}
	view, err := s.service.GetChange(r.Context(), requestSession(r), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleApproveChange(w http.ResponseWriter, r *http.Request) {
	s.handleResolveChange(w, r, s.service.ApproveChange)
}

func (s *HTTPServer) handleRejectChange(w http.ResponseWriter, r *http.Request) {
	s.handleResolveChange(w, r, s.service.RejectChange)
}

func (s *HTTPServer) handleResolveChange(w http.ResponseWriter, r *http.Request, resolve func(context.Context, Session, uuid.UUID) (store.ChangeRequest, error)) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "change id must be a UUID", nil)
		return
	}
	cr, err := resolve(r.Context(), requestSession(r), id)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return parsed, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var fieldErr *record.ValidationError
	if errors.As(err, &fieldErr) {
		if fieldErr.Field != "" {
			details = map[string]any{"field": fieldErr.Field}
		}
		domainErr = validationError(fieldErr.Message, details)
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	switch {
	case errors.Is(err, store.ErrChangeNotFound):
		domainErr = notFoundError("change request not found")
	case errors.Is(err, store.ErrChangeResolved):
		domainErr = conflictError("change request is already resolved", nil)
	case errors.Is(err, store.ErrTableNotFound):
		domainErr = notFoundError("table not found")
	case errors.Is(err, store.ErrRecordNotFound):
		domainErr = notFoundError("record not found")
	case errors.Is(err, store.ErrUserNotFound):
		domainErr = notFoundError("user not found")
	case errors.Is(err, context.DeadlineExceeded):
		domainErr = transientError("operation timed out")
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "server error", nil
	}
	return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
}
