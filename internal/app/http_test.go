package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MedDash99/Sagole/internal/env"
	"github.com/MedDash99/Sagole/internal/record"
	"github.com/MedDash99/Sagole/internal/store"
)

func newTestHandler(t *testing.T, fs *fakeStore) http.Handler {
	t.Helper()
	svc := newTestService(t, fs, newFakeSessions())
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewHTTPServer(svc, "*", log).Handler()
}

func loginAs(t *testing.T, handler http.Handler, e env.Environment, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/%s/auth/login", e), bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return payload.Token
}

func authedStore(t *testing.T, role string) *fakeStore {
	user := seededUser(t, role)
	return &fakeStore{
		getUserByUsernameFn: func(_ context.Context, _ env.Environment, _ string) (store.User, error) {
			return user, nil
		},
		getUserByIDFn: func(_ context.Context, _ env.Environment, _ uuid.UUID) (store.User, error) {
			return user, nil
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t, &fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTablesRequiresToken(t *testing.T) {
	handler := newTestHandler(t, &fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dev/tables", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUnknownEnvironmentIs404(t *testing.T) {
	handler := newTestHandler(t, &fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sandbox/tables", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestTokenIsPinnedToEnvironment(t *testing.T) {
	fs := authedStore(t, "user")
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/prod/tables", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-environment token, got %d", rec.Code)
	}
}

func TestListTables(t *testing.T) {
	fs := authedStore(t, "user")
	fs.listTablesFn = func(_ context.Context, e env.Environment) ([]string, error) {
		if e != env.Dev {
			t.Fatalf("expected dev, got %s", e)
		}
		return []string{"customers", "products"}, nil
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dev/tables", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Tables []string `json:"tables"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Tables) != 2 {
		t.Fatalf("expected two tables, got %v", payload.Tables)
	}
}

func TestSubmitChangeEndpoint(t *testing.T) {
	fs := authedStore(t, "user")
	fs.tableSchemaFn = func(_ context.Context, _ env.Environment, _ string) ([]record.FieldSchema, error) {
		return productSchema(), nil
	}
	changeID := uuid.New()
	fs.insertChangeRequestFn = func(_ context.Context, _ env.Environment, cr store.ChangeRequest) (uuid.UUID, error) {
		return changeID, nil
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	body := []byte(`{
		"table_name": "products",
		"record_id": 7,
		"old_values": {"price": 10},
		"new_values": {"price": 12}
	}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/changes", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	var cr store.ChangeRequest
	if err := json.Unmarshal(rec.Body.Bytes(), &cr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cr.ID != changeID || cr.Status != store.StatusPending {
		t.Fatalf("unexpected change request: %+v", cr)
	}
}

func TestApproveForbiddenForNonAdmin(t *testing.T) {
	fs := authedStore(t, "user")
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/changes/"+uuid.NewString()+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestApproveResolvedChangeIsConflict(t *testing.T) {
	fs := authedStore(t, "admin")
	fs.approveChangeFn = func(_ context.Context, _ env.Environment, _ uuid.UUID, _ string) (store.ChangeRequest, error) {
		return store.ChangeRequest{}, store.ErrChangeResolved
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/changes/"+uuid.NewString()+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestApproveMissingChangeIs404(t *testing.T) {
	fs := authedStore(t, "admin")
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/changes/"+uuid.NewString()+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestApproveVanishedRowIs404(t *testing.T) {
	fs := authedStore(t, "admin")
	fs.approveChangeFn = func(_ context.Context, _ env.Environment, _ uuid.UUID, _ string) (store.ChangeRequest, error) {
		return store.ChangeRequest{}, store.ErrRecordNotFound
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dev/changes/"+uuid.NewString()+"/approve", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when the target row is gone, got %d %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", payload.Code)
	}
}

func TestMissingSnapshotIs404(t *testing.T) {
	fs := authedStore(t, "admin")
	fs.getSnapshotFn = func(_ context.Context, _ env.Environment, _ int64) (store.Snapshot, error) {
		return store.Snapshot{}, store.ErrRecordNotFound
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dev/snapshots/42", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing snapshot, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	fs := authedStore(t, "user")
	fs.listTablesFn = func(_ context.Context, _ env.Environment) ([]string, error) {
		return nil, context.DeadlineExceeded
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dev/tables", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a timed-out store call, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRowsBadFilterIs422(t *testing.T) {
	fs := authedStore(t, "user")
	fs.tableRowsFn = func(_ context.Context, _ env.Environment, _ string, _, _ int, _ []store.Filter) ([]record.Record, int, error) {
		return nil, 0, &record.ValidationError{Field: "color", Message: `unknown filter column "color"`}
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	query := url.Values{"filters": {`[{"column":"color","operator":"=","value":"red"}]`}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dev/tables/products?"+query.Encode(), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for a bad filter, got %d %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %s", payload.Code)
	}
}

func TestRowsFilterParsing(t *testing.T) {
	fs := authedStore(t, "user")
	var captured []store.Filter
	fs.tableRowsFn = func(_ context.Context, _ env.Environment, _ string, page, pageSize int, filters []store.Filter) ([]record.Record, int, error) {
		captured = filters
		return nil, 0, nil
	}
	handler := newTestHandler(t, fs)
	token := loginAs(t, handler, env.Dev, "alice", "secret")

	query := url.Values{"filters": {`[{"column":"price","operator":">","value":"10"}]`}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dev/tables/products?"+query.Encode(), nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if len(captured) != 1 || captured[0].Column != "price" || captured[0].Operator != ">" || captured[0].Value != "10" {
		t.Fatalf("unexpected filters: %+v", captured)
	}
}
