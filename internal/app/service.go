package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/MedDash99/Sagole/internal/auth"
	"github.com/MedDash99/Sagole/internal/config"
	"github.com/MedDash99/Sagole/internal/env"
	"github.com/MedDash99/Sagole/internal/rbac"
	"github.com/MedDash99/Sagole/internal/record"
	"github.com/MedDash99/Sagole/internal/session"
	"github.com/MedDash99/Sagole/internal/store"
	"github.com/MedDash99/Sagole/internal/util"
)

// Session is an authenticated caller, pinned to one environment. Tokens issued
// for one environment never grant access to another.
type Session struct {
	Token        string
	RefreshToken string
	UserID       uuid.UUID
	UserName     string
	FullName     string
	Role         string
	Environment  env.Environment
	ExpiresAt    time.Time
}

// SubmitChangeInput is a proposed mutation. A nil RecordID proposes a new row;
// OldValues must then be empty. For updates both maps carry the same keys.
type SubmitChangeInput struct {
	TableName string                  `json:"table_name"`
	RecordID  *int64                  `json:"record_id"`
	OldValues map[string]record.Value `json:"old_values"`
	NewValues map[string]record.Value `json:"new_values"`
}

// ChangeView pairs a pending request with its diff against the live row, so
// reviewers see drift that happened after submission.
type ChangeView struct {
	store.ChangeRequest
	Diff record.DiffResult `json:"diff"`
}

// RowPage is one page of a table listing.
type RowPage struct {
	Rows     []record.Record `json:"rows"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"pageSize"`
}

type dataStore interface {
	GetUserByUsername(ctx context.Context, e env.Environment, username string) (store.User, error)
	GetUserByID(ctx context.Context, e env.Environment, id uuid.UUID) (store.User, error)
	InsertUser(ctx context.Context, e env.Environment, user store.User) error
	CountUsers(ctx context.Context, e env.Environment) (int, error)

	ListTables(ctx context.Context, e env.Environment) ([]string, error)
	TableSchema(ctx context.Context, e env.Environment, table string) ([]record.FieldSchema, error)
	TableRows(ctx context.Context, e env.Environment, table string, page, pageSize int, filters []store.Filter) ([]record.Record, int, error)
	GetRow(ctx context.Context, e env.Environment, table string, id int64) (*record.Record, error)
	DeleteRow(ctx context.Context, e env.Environment, table string, id int64) error

	InsertChangeRequest(ctx context.Context, e env.Environment, cr store.ChangeRequest) (uuid.UUID, error)
	ListPendingChangeRequests(ctx context.Context, e env.Environment) ([]store.ChangeRequest, error)
	GetChangeRequest(ctx context.Context, e env.Environment, id uuid.UUID) (store.ChangeRequest, error)
	ApproveChange(ctx context.Context, e env.Environment, id uuid.UUID, resolvedBy string) (store.ChangeRequest, error)
	RejectChange(ctx context.Context, e env.Environment, id uuid.UUID, resolvedBy string) (store.ChangeRequest, error)

	ListSnapshots(ctx context.Context, e env.Environment, table string) ([]store.Snapshot, error)
	GetSnapshot(ctx context.Context, e env.Environment, id int64) (store.Snapshot, error)

	Ping(ctx context.Context) error
}

// sessionStore keeps refresh tokens. Redis when configured, Postgres
// otherwise; both satisfy this.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, data session.Data, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (session.Data, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	log      *logrus.Logger
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, log *logrus.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		log:      log,
	}
}

// Bootstrap seeds each environment with a default admin and editor the first
// time the service starts against an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	for _, e := range env.All() {
		count, err := s.store.CountUsers(ctx, e)
		if err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		seeds := []struct {
			Username string
			FullName string
			Password string
			Role     string
		}{
			{Username: "admin", FullName: "Administrator", Password: "admin", Role: string(rbac.RoleAdmin)},
			{Username: "editor", FullName: "Data Editor", Password: "editor", Role: string(rbac.RoleUser)},
		}
		for _, seed := range seeds {
			hash, err := bcrypt.GenerateFromPassword([]byte(seed.Password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			if err := s.store.InsertUser(ctx, e, store.User{
				ID:           uuid.New(),
				Username:     seed.Username,
				FullName:     seed.FullName,
				PasswordHash: string(hash),
				Role:         seed.Role,
				IsActive:     true,
			}); err != nil {
				return err
			}
		}
		s.log.WithField("environment", e).Info("seeded default users")
	}
	return nil
}

func (s *Service) Login(ctx context.Context, e env.Environment, username, password string) (Session, error) {
	user, err := s.store.GetUserByUsername(ctx, e, strings.TrimSpace(username))
	if errors.Is(err, store.ErrUserNotFound) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "incorrect username or password", nil)
	}
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "incorrect username or password", nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "incorrect username or password", nil)
	}
	return s.issueSession(ctx, e, user)
}

func (s *Service) Refresh(ctx context.Context, e env.Environment, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	data, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, session.ErrNotFound) {
		return Session{}, sessionExpiredError("refresh token is expired or revoked")
	}
	if err != nil {
		return Session{}, err
	}
	if data.Environment != e.String() {
		return Session{}, permissionError("refresh token was not issued for this environment")
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}

	userID, err := uuid.Parse(data.UserID)
	if err != nil {
		return Session{}, sessionExpiredError("refresh token is expired or revoked")
	}
	user, err := s.store.GetUserByID(ctx, e, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return Session{}, sessionExpiredError("refresh token is expired or revoked")
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, e, user)
}

func (s *Service) issueSession(ctx context.Context, e env.Environment, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Name:        user.Username,
		Role:        user.Role,
		Environment: e.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  auth.NewExpiry(now),
			ExpiresAt: auth.NewExpiry(expiresAt),
		},
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), session.Data{
		UserID:      user.ID.String(),
		Environment: e.String(),
	}, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		FullName:     user.FullName,
		Role:         user.Role,
		Environment:  e,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// SessionFromToken validates an access token against the environment the
// request targets. A token issued for another environment is rejected, not
// downgraded.
func (s *Service) SessionFromToken(ctx context.Context, e env.Environment, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if errors.Is(err, auth.ErrExpiredToken) {
		return Session{}, sessionExpiredError("access token is expired")
	}
	if err != nil {
		return Session{}, sessionExpiredError("access token is invalid")
	}
	if claims.Environment != e.String() {
		return Session{}, permissionError("token was not issued for this environment")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return Session{}, sessionExpiredError("access token is invalid")
	}
	user, err := s.store.GetUserByID(ctx, e, userID)
	if errors.Is(err, store.ErrUserNotFound) {
		return Session{}, sessionExpiredError("access token is invalid")
	}
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, permissionError("account is disabled")
	}

	return Session{
		Token:       token,
		UserID:      user.ID,
		UserName:    user.Username,
		FullName:    user.FullName,
		Role:        user.Role,
		Environment: e,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Tables(ctx context.Context, sess Session) ([]string, error) {
	if !s.Can(sess.Role, rbac.ActionRead) {
		return nil, permissionError("read access required")
	}
	return s.store.ListTables(ctx, sess.Environment)
}

func (s *Service) Schema(ctx context.Context, sess Session, table string) ([]record.FieldSchema, error) {
	if !s.Can(sess.Role, rbac.ActionRead) {
		return nil, permissionError("read access required")
	}
	return s.store.TableSchema(ctx, sess.Environment, table)
}

func (s *Service) Rows(ctx context.Context, sess Session, table string, page, pageSize int, filters []store.Filter) (RowPage, error) {
	if !s.Can(sess.Role, rbac.ActionRead) {
		return RowPage{}, permissionError("read access required")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}
	rows, total, err := s.store.TableRows(ctx, sess.Environment, table, page, pageSize, filters)
	if err != nil {
		return RowPage{}, err
	}
	return RowPage{Rows: rows, Total: total, Page: page, PageSize: pageSize}, nil
}

// SubmitChange validates a proposed mutation and records it as pending. The
// stored delta is minimal: unchanged fields are dropped, the identifier is
// never stored, and an edit that changes nothing is rejected rather than
// queued.
func (s *Service) SubmitChange(ctx context.Context, sess Session, input SubmitChangeInput) (store.ChangeRequest, error) {
	if !s.Can(sess.Role, rbac.ActionEdit) {
		return store.ChangeRequest{}, permissionError("edit access required")
	}

	table := strings.TrimSpace(input.TableName)
	if table == "" {
		return store.ChangeRequest{}, validationError("table_name is required", nil)
	}
	schemas, err := s.store.TableSchema(ctx, sess.Environment, table)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	if len(input.NewValues) == 0 {
		return store.ChangeRequest{}, validationError("new_values must not be empty", nil)
	}

	idField := identifierField(schemas)
	oldValues := cloneWithout(input.OldValues, idField)
	newValues := cloneWithout(input.NewValues, idField)
	if len(newValues) == 0 {
		return store.ChangeRequest{}, validationError("new_values must contain a non-identifier field", nil)
	}

	if input.RecordID == nil {
		if len(oldValues) != 0 {
			return store.ChangeRequest{}, validationError("old_values must be empty when proposing a new record", nil)
		}
		if newValues, err = coerceEdits(schemas, nil, newValues); err != nil {
			return store.ChangeRequest{}, err
		}
	} else {
		for field := range newValues {
			if _, ok := oldValues[field]; !ok {
				return store.ChangeRequest{}, validationError("old_values and new_values must carry the same fields", map[string]any{"field": field})
			}
		}
		for field := range oldValues {
			if _, ok := newValues[field]; !ok {
				return store.ChangeRequest{}, validationError("old_values and new_values must carry the same fields", map[string]any{"field": field})
			}
		}
		if oldValues, err = coerceEdits(schemas, nil, oldValues); err != nil {
			return store.ChangeRequest{}, err
		}
		if newValues, err = coerceEdits(schemas, oldValues, newValues); err != nil {
			return store.ChangeRequest{}, err
		}
		oldValues, newValues = record.ComputeDelta(record.FromMap(oldValues), record.FromMap(newValues), idField)
		if len(newValues) == 0 {
			return store.ChangeRequest{}, validationError("no changes detected", nil)
		}
	}

	cr := store.ChangeRequest{
		TableName:   table,
		RecordID:    input.RecordID,
		OldValues:   oldValues,
		NewValues:   newValues,
		Status:      store.StatusPending,
		SubmittedBy: sess.UserName,
		Environment: sess.Environment,
	}
	id, err := s.store.InsertChangeRequest(ctx, sess.Environment, cr)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	cr.ID = id
	cr.SubmittedAt = time.Now()

	s.log.WithFields(logrus.Fields{
		"environment": sess.Environment,
		"table":       table,
		"change_id":   id,
		"user":        sess.UserName,
	}).Info("change request submitted")
	return cr, nil
}

// ListChanges returns pending requests with a diff computed against the row
// as it exists now, so reviewers see the effective change at decision time.
func (s *Service) ListChanges(ctx context.Context, sess Session) ([]ChangeView, error) {
	if !s.Can(sess.Role, rbac.ActionReview) {
		return nil, permissionError("only admins can review change requests")
	}
	pending, err := s.store.ListPendingChangeRequests(ctx, sess.Environment)
	if err != nil {
		return nil, err
	}

	views := make([]ChangeView, 0, len(pending))
	for _, cr := range pending {
		view := ChangeView{ChangeRequest: cr}
		view.Diff = s.changeDiff(ctx, sess.Environment, cr)
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) changeDiff(ctx context.Context, e env.Environment, cr store.ChangeRequest) record.DiffResult {
	if cr.RecordID == nil {
		proposed := record.FromMap(cr.NewValues)
		return record.Diff(nil, &proposed)
	}
	current, err := s.store.GetRow(ctx, e, cr.TableName, *cr.RecordID)
	if err != nil || current == nil {
		// Row is gone or unreadable; show the stored delta on its own.
		proposed := record.FromMap(cr.NewValues)
		return record.Diff(nil, &proposed)
	}
	proposed := current.Apply(cr.NewValues)
	return record.Diff(current, &proposed)
}

func (s *Service) GetChange(ctx context.Context, sess Session, id uuid.UUID) (ChangeView, error) {
	if !s.Can(sess.Role, rbac.ActionReview) {
		return ChangeView{}, permissionError("only admins can review change requests")
	}
	cr, err := s.store.GetChangeRequest(ctx, sess.Environment, id)
	if err != nil {
		return ChangeView{}, err
	}
	return ChangeView{ChangeRequest: cr, Diff: s.changeDiff(ctx, sess.Environment, cr)}, nil
}

func (s *Service) ApproveChange(ctx context.Context, sess Session, id uuid.UUID) (store.ChangeRequest, error) {
	if !s.Can(sess.Role, rbac.ActionReview) {
		return store.ChangeRequest{}, permissionError("only admins can approve changes")
	}
	cr, err := s.store.ApproveChange(ctx, sess.Environment, id, sess.UserName)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	s.log.WithFields(logrus.Fields{
		"environment": sess.Environment,
		"change_id":   id,
		"user":        sess.UserName,
	}).Info("change request approved")
	return cr, nil
}

func (s *Service) RejectChange(ctx context.Context, sess Session, id uuid.UUID) (store.ChangeRequest, error) {
	if !s.Can(sess.Role, rbac.ActionReview) {
		return store.ChangeRequest{}, permissionError("only admins can reject changes")
	}
	cr, err := s.store.RejectChange(ctx, sess.Environment, id, sess.UserName)
	if err != nil {
		return store.ChangeRequest{}, err
	}
	s.log.WithFields(logrus.Fields{
		"environment": sess.Environment,
		"change_id":   id,
		"user":        sess.UserName,
	}).Info("change request rejected")
	return cr, nil
}

// DeleteRecord removes a row immediately, bypassing review. Admin only.
func (s *Service) DeleteRecord(ctx context.Context, sess Session, table string, id int64) error {
	if !s.Can(sess.Role, rbac.ActionDelete) {
		return permissionError("only admins can delete records")
	}
	if err := s.store.DeleteRow(ctx, sess.Environment, table, id); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return notFoundError("record not found")
		}
		return err
	}
	s.log.WithFields(logrus.Fields{
		"environment": sess.Environment,
		"table":       table,
		"record_id":   id,
		"user":        sess.UserName,
	}).Info("record deleted")
	return nil
}

func (s *Service) Snapshots(ctx context.Context, sess Session, table string) ([]store.Snapshot, error) {
	if !s.Can(sess.Role, rbac.ActionReview) {
		return nil, permissionError("only admins can view snapshots")
	}
	return s.store.ListSnapshots(ctx, sess.Environment, table)
}

func (s *Service) Snapshot(ctx context.Context, sess Session, id int64) (store.Snapshot, error) {
	if !s.Can(sess.Role, rbac.ActionReview) {
		return store.Snapshot{}, permissionError("only admins can view snapshots")
	}
	return s.store.GetSnapshot(ctx, sess.Environment, id)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func identifierField(schemas []record.FieldSchema) string {
	for _, fs := range schemas {
		if fs.IsIdentifier {
			return fs.Name
		}
	}
	return "id"
}

// coerceEdits converts text-form field edits into each column's declared
// type, so clients that send every edited cell as a string still produce
// typed deltas. Non-text values pass through untouched; an uncoercible value
// aborts the submission.
func coerceEdits(schemas []record.FieldSchema, prior, edited map[string]record.Value) (map[string]record.Value, error) {
	raw := make(map[string]string)
	for field, v := range edited {
		if v.Kind == record.KindText {
			raw[field] = v.Text
		}
	}
	if len(raw) == 0 {
		return edited, nil
	}

	coerced, err := record.CoerceRecord(schemas, record.FromMap(prior), raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]record.Value, len(edited))
	for field, v := range edited {
		out[field] = v
	}
	for field := range raw {
		if v, ok := coerced.Get(field); ok {
			out[field] = v
		}
	}
	return out, nil
}

func cloneWithout(values map[string]record.Value, skip string) map[string]record.Value {
	out := make(map[string]record.Value, len(values))
	for field, v := range values {
		if field == skip {
			continue
		}
		out[field] = v
	}
	return out
}
