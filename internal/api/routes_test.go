package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eljapi/code-talk-reviwer/domain"
	"github.com/eljapi/code-talk-reviwer/domain/entities"
	"github.com/eljapi/code-talk-reviwer/internal/auth"
	"github.com/eljapi/code-talk-reviwer/internal/orchestrator"
	"github.com/eljapi/code-talk-reviwer/internal/websocket"
)

type fakeSessions struct {
	snapshots   map[string]orchestrator.SessionSnapshot
	ended       []string
	interrupted []string
}

func (f *fakeSessions) ListSessions() []orchestrator.SessionSnapshot {
	out := make([]orchestrator.SessionSnapshot, 0, len(f.snapshots))
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessions) SessionState(sessionID string) (orchestrator.SessionSnapshot, error) {
	s, ok := f.snapshots[sessionID]
	if !ok {
		return orchestrator.SessionSnapshot{}, domain.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeSessions) EndConversation(ctx context.Context, sessionID string) error {
	if _, ok := f.snapshots[sessionID]; !ok {
		return domain.ErrSessionNotFound
	}
	f.ended = append(f.ended, sessionID)
	return nil
}

func (f *fakeSessions) InterruptConversation(ctx context.Context, sessionID string) error {
	if _, ok := f.snapshots[sessionID]; !ok {
		return domain.ErrSessionNotFound
	}
	f.interrupted = append(f.interrupted, sessionID)
	return nil
}

func (f *fakeSessions) ActiveSessions() int { return len(f.snapshots) }

func setupTestRoutes(t *testing.T) (*echo.Echo, *fakeSessions, *auth.Issuer) {
	t.Helper()
	issuer, err := auth.NewIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	sessions := &fakeSessions{snapshots: map[string]orchestrator.SessionSnapshot{
		"abc": {
			Session: entities.Session{ID: "abc", UserID: "alice"},
			State:   entities.StateListening,
		},
	}}

	e := echo.New()
	InitRoutes(e, websocket.NewHub(nil, zap.NewNop()), sessions, issuer, zap.NewNop())
	return e, sessions, issuer
}

func token(t *testing.T, issuer *auth.Issuer, role string) string {
	t.Helper()
	tok, _, err := issuer.GenerateToken("alice", role)
	require.NoError(t, err)
	return tok
}

func do(e *echo.Echo, method, path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e, _, _ := setupTestRoutes(t)

	rec := do(e, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.ActiveSessions)
}

func TestMetricsEndpoint(t *testing.T) {
	e, _, _ := setupTestRoutes(t)

	rec := do(e, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestIssueToken(t *testing.T) {
	e, _, issuer := setupTestRoutes(t)

	rec := do(e, http.MethodPost, "/api/v1/auth/token", `{"user_id":"alice"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, auth.RoleUser, resp.Role)

	claims, err := issuer.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)

	rec = do(e, http.MethodPost, "/api/v1/auth/token", `{}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/v1/auth/token", `{"user_id":"alice","role":"root"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSupervisionRequiresAdmin(t *testing.T) {
	e, _, issuer := setupTestRoutes(t)

	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/v1/sessions", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodGet, "/api/v1/sessions", "", "garbage").Code)
	assert.Equal(t, http.StatusForbidden, do(e, http.MethodGet, "/api/v1/sessions", "", token(t, issuer, auth.RoleUser)).Code)
	assert.Equal(t, http.StatusOK, do(e, http.MethodGet, "/api/v1/sessions", "", token(t, issuer, auth.RoleAdmin)).Code)
}

func TestSessionSupervision(t *testing.T) {
	e, sessions, issuer := setupTestRoutes(t)
	admin := token(t, issuer, auth.RoleAdmin)

	rec := do(e, http.MethodGet, "/api/v1/sessions/abc", "", admin)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap orchestrator.SessionSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "abc", snap.Session.ID)
	assert.Equal(t, entities.StateListening, snap.State)

	rec = do(e, http.MethodGet, "/api/v1/sessions/nope", "", admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "session_not_found")

	assert.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/api/v1/sessions/abc/interrupt", "", admin).Code)
	assert.Equal(t, http.StatusNoContent, do(e, http.MethodDelete, "/api/v1/sessions/abc", "", admin).Code)
	assert.Equal(t, http.StatusNotFound, do(e, http.MethodDelete, "/api/v1/sessions/nope", "", admin).Code)

	assert.Equal(t, []string{"abc"}, sessions.interrupted)
	assert.Equal(t, []string{"abc"}, sessions.ended)
}

func TestWebSocketRequiresToken(t *testing.T) {
	e, _, _ := setupTestRoutes(t)

	rec := do(e, http.MethodGet, "/ws", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_token")
}
