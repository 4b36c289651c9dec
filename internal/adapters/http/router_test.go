package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/warmode/internal/adapters/signal"
	"github.com/dkeye/warmode/internal/adapters/store"
	"github.com/dkeye/warmode/internal/app/orch"
	"github.com/dkeye/warmode/internal/app/relay"
	"github.com/dkeye/warmode/internal/config"
	"github.com/dkeye/warmode/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiRig struct {
	engine *gin.Engine
	store  *store.SQLiteStore
}

func newAPIRig(t *testing.T) *apiRig {
	return newAPIRigMode(t, "test")
}

func newAPIRigMode(t *testing.T, mode string) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Cleanup(func() { gin.SetMode(gin.TestMode) })
	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	o := orch.New(st, relay.NewHub(nil), nil)
	cfg := &config.Config{Mode: mode, Secret: "test-secret"}
	ws := signal.NewSignalWSController(o, nil, 1<<15, time.Second)
	return &apiRig{engine: SetupRouter(context.Background(), cfg, o, ws), store: st}
}

func (r *apiRig) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error, body.Code
}

var prefs = domain.Preferences{Duration: 50, Mode: domain.ModeVideo, MatchType: domain.MatchAnyone}

func (r *apiRig) match(t *testing.T, user string) domain.SessionID {
	t.Helper()
	w := r.do(t, http.MethodPost, "/api/sessions/match", user, prefs)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		SessionID domain.SessionID `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.SessionID)
	return body.SessionID
}

func TestMatchJoinAndGet(t *testing.T) {
	r := newAPIRig(t)
	sid := r.match(t, "alice")

	assert.Equal(t, http.StatusNoContent, r.do(t, http.MethodPost, "/api/sessions/"+string(sid)+"/join", "bob", nil).Code)

	w := r.do(t, http.MethodPost, "/api/sessions/"+string(sid)+"/join", "carol", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	_, code := errorBody(t, w)
	assert.Equal(t, "session_unavailable", code)

	w = r.do(t, http.MethodGet, "/api/sessions/"+string(sid), "carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var s domain.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, domain.StatusMatched, s.Status)
	assert.Equal(t, domain.UserID("alice"), s.HostID)
	assert.Equal(t, domain.UserID("bob"), s.PartnerID)
}

func TestMatchValidatesPreferences(t *testing.T) {
	r := newAPIRig(t)
	w := r.do(t, http.MethodPost, "/api/sessions/match", "alice", domain.Preferences{Duration: 10, Mode: domain.ModeVideo, MatchType: domain.MatchAnyone})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	msg, _ := errorBody(t, w)
	assert.Equal(t, domain.ErrInvalidDuration.Error(), msg)
}

func TestGetUnknownSession(t *testing.T) {
	r := newAPIRig(t)
	w := r.do(t, http.MethodGet, "/api/sessions/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, code := errorBody(t, w)
	assert.Equal(t, "session_not_found", code)
}

func TestUpdateStatus(t *testing.T) {
	r := newAPIRig(t)
	sid := r.match(t, "alice")
	path := "/api/sessions/" + string(sid) + "/status"

	w := r.do(t, http.MethodPatch, path, "mallory", gin.H{"status": "cancelled"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = r.do(t, http.MethodPatch, path, "alice", gin.H{"status": "weird"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = r.do(t, http.MethodPatch, path, "alice", gin.H{"status": "active"})
	assert.Equal(t, http.StatusConflict, w.Code, "open sessions cannot go active")
	_, code := errorBody(t, w)
	assert.Equal(t, "invalid_transition", code)

	assert.Equal(t, http.StatusNoContent, r.do(t, http.MethodPatch, path, "alice", gin.H{"status": "cancelled"}).Code)
	s, err := r.store.GetSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, s.Status)
}

func TestSetGoal(t *testing.T) {
	r := newAPIRig(t)
	sid := r.match(t, "alice")
	path := "/api/sessions/" + string(sid) + "/goal"

	assert.Equal(t, http.StatusNoContent, r.do(t, http.MethodPut, path, "alice", gin.H{"goal": "ship the draft"}).Code)
	assert.Equal(t, http.StatusForbidden, r.do(t, http.MethodPut, path, "bob", gin.H{"goal": "x"}).Code)

	s, err := r.store.GetSession(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, "ship the draft", s.HostGoal)
}

func TestCookieIdentityFallback(t *testing.T) {
	r := newAPIRig(t)
	w := r.do(t, http.MethodPost, "/api/sessions/match", "", prefs)
	require.Equal(t, http.StatusOK, w.Code)

	var names []string
	for _, c := range w.Result().Cookies() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "ct")
	assert.Contains(t, names, "WarmodeSessions")
}

func TestIdentityHeaderTrustedOutsideRelease(t *testing.T) {
	r := newAPIRig(t)
	w := r.do(t, http.MethodGet, "/api/me", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"user":"alice"}`, w.Body.String())
}

func TestIdentityHeaderIgnoredInRelease(t *testing.T) {
	r := newAPIRigMode(t, "release")
	w := r.do(t, http.MethodGet, "/api/me", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		User string `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body.User)
	assert.NotEqual(t, "alice", body.User, "header must not pick the identity")

	// a session created by the cookie identity is not reachable as alice
	w = r.do(t, http.MethodPost, "/api/sessions/match", "alice", prefs)
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		ID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	s, err := r.store.GetSession(context.Background(), domain.SessionID(created.ID))
	require.NoError(t, err)
	assert.NotEqual(t, domain.UserID("alice"), s.HostID)
}

func TestHealthz(t *testing.T) {
	r := newAPIRig(t)
	w := r.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","connections":0,"topics":0}`, w.Body.String())
}
