package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegator/internal/session"
	"delegator/internal/session/sessiontest"
	"delegator/internal/storage"
	"delegator/internal/task"
	"delegator/internal/task/limiter"
	"delegator/internal/task/manager"
	"delegator/internal/task/poller"
	"delegator/pkg/logx"
)

type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
}

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	fake := sessiontest.New()
	fake.Respond = func(id string, _ int) ([]session.Message, error) {
		return []session.Message{sessiontest.Text(session.RoleAssistant, "found it", time.Unix(10, 0))}, nil
	}
	lim, err := limiter.New(limiter.Config{}, logx.Nop())
	require.NoError(t, err)
	m, err := manager.New(manager.Options{
		Config: manager.Config{
			Agents:  map[string]manager.Agent{"explore": {Kind: "explore", Model: "p/m", ConcurrencyKey: "p/m"}},
			Retry:   task.RetryPolicy{Max: 1, Base: time.Millisecond, MaxDelay: time.Millisecond},
			TaskTTL: time.Minute,
		},
		Poller:  poller.Config{StabilityThreshold: 1, Interval: time.Hour},
		Limiter: lim,
		Client:  fake,
		Log:     logx.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func do(t *testing.T, srv http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "body: %s", w.Body.String())
	return w, env
}

func launch(t *testing.T, srv http.Handler) string {
	t.Helper()
	w, env := do(t, srv, http.MethodPost, "/api/v1/tasks", `{"parent_session_id":"ses_p","agent_kind":"explore","prompt":"find the bug"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var snap task.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	require.True(t, strings.HasPrefix(snap.ID, "bg_"))
	assert.Equal(t, "/api/v1/tasks/"+snap.ID, w.Header().Get("Location"))
	return snap.ID
}

func TestEnvelopeCarriesRequestID(t *testing.T) {
	srv := New(newTestManager(t), logx.Nop())
	w, env := do(t, srv, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", env.Status)
	assert.True(t, strings.HasPrefix(env.RequestID, "req_"))
	assert.Equal(t, env.RequestID, w.Header().Get("X-Request-ID"))
	assert.Nil(t, env.Error)
}

func TestLaunchThenOutput(t *testing.T) {
	m := newTestManager(t)
	srv := New(m, logx.Nop())
	id := launch(t, srv)

	require.Eventually(t, func() bool {
		s, _ := m.Get(id)
		return s.Status == task.StatusRunning
	}, 2*time.Second, time.Millisecond)
	m.Poller().Cycle(context.Background())
	m.Poller().Cycle(context.Background())

	w, env := do(t, srv, http.MethodGet, "/api/v1/tasks/"+id+"/output", "")
	require.Equal(t, http.StatusOK, w.Code)
	var out manager.Output
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.True(t, out.Final)
	assert.Equal(t, task.StatusCompleted, out.Status)
	assert.Equal(t, "found it", out.Text)

	_, env = do(t, srv, http.MethodGet, "/api/v1/tasks?parent=ses_p", "")
	var list []task.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	_, env = do(t, srv, http.MethodGet, "/api/v1/tasks?parent=ses_other", "")
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Empty(t, list)
}

func TestLaunchValidation(t *testing.T) {
	srv := New(newTestManager(t), logx.Nop())

	w, env := do(t, srv, http.MethodPost, "/api/v1/tasks", `{"parent_session_id":"ses_p","agent_kind":"nope","prompt":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeValidation, env.Error.Code)
	assert.Equal(t, "agent_kind", env.Error.Field)

	w, env = do(t, srv, http.MethodPost, "/api/v1/tasks", `{"parent_session_id":"ses_p","agent_kind":"explore","prompt":"x","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "error", env.Status)

	w, _ = do(t, srv, http.MethodPost, "/api/v1/tasks", `{"agent_kind":"explore","prompt":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownTaskIs404(t *testing.T) {
	srv := New(newTestManager(t), logx.Nop())
	for _, path := range []string{"/api/v1/tasks/bg_missing", "/api/v1/tasks/bg_missing/output"} {
		w, env := do(t, srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, CodeNotFound, env.Error.Code)
	}
	w, _ := do(t, srv, http.MethodDelete, "/api/v1/tasks/bg_missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTwiceConflicts(t *testing.T) {
	srv := New(newTestManager(t), logx.Nop())
	id := launch(t, srv)

	w, env := do(t, srv, http.MethodDelete, "/api/v1/tasks/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap task.Snapshot
	require.NoError(t, json.Unmarshal(env.Data, &snap))
	assert.Equal(t, task.StatusCancelled, snap.Status)

	w, env = do(t, srv, http.MethodDelete, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeConflict, env.Error.Code)
}

func TestLaunchAfterShutdownIs503(t *testing.T) {
	m := newTestManager(t)
	srv := New(m, logx.Nop())
	require.NoError(t, m.Shutdown(context.Background()))

	w, env := do(t, srv, http.MethodPost, "/api/v1/tasks", `{"parent_session_id":"ses_p","agent_kind":"explore","prompt":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeShutdown, env.Error.Code)

	w, _ = do(t, srv, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestLimitsAndAgents(t *testing.T) {
	srv := New(newTestManager(t), logx.Nop())
	launch(t, srv)

	var stats []limiter.Stats
	require.Eventually(t, func() bool {
		_, env := do(t, srv, http.MethodGet, "/api/v1/limits", "")
		return json.Unmarshal(env.Data, &stats) == nil && len(stats) == 1 && stats[0].Acquired == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "p/m", stats[0].Key)
	assert.Equal(t, 1, stats[0].Max)

	_, env := do(t, srv, http.MethodGet, "/api/v1/agents", "")
	var agents []map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "explore", agents[0]["kind"])
}

func TestAudit(t *testing.T) {
	m := newTestManager(t)

	w, _ := do(t, New(m, logx.Nop()), http.MethodGet, "/api/v1/audit", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "audit")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	for _, id := range []string{"bg_1", "bg_2", "bg_3"} {
		require.NoError(t, st.AppendAudit(ctx, storage.AuditEntry{TaskID: id, Status: "completed"}))
	}
	srv := New(m, logx.Nop(), WithAudit(st))

	w, env := do(t, srv, http.MethodGet, "/api/v1/audit?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []storage.AuditEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "bg_3", entries[0].TaskID)

	w, _ = do(t, srv, http.MethodGet, "/api/v1/audit?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeStopsWithContext(t *testing.T) {
	srv := New(newTestManager(t), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0", time.Second) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestTokenGuardsEverythingButHealth(t *testing.T) {
	srv := New(newTestManager(t), logx.Nop(), WithToken("s3cret"), WithProfiler())

	w, _ := do(t, srv, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := do(t, srv, http.MethodGet, "/api/v1/limits", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeUnauthorized, env.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/limits", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w, _ = do(t, srv, http.MethodGet, "/api/v1/limits?token=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=s3cret", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
