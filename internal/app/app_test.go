package app

import (
	"context"
	"os"
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
	"delegator/pkg/logx"
)

const baseConfig = `
logging:
  level: error
scheduler:
  poll_interval: 1h
  stability_threshold: 1
agents:
  explore:
    model: p/m
storage:
  driver: file
  path: %STORE%
collaborator:
  base_url: http://127.0.0.1:1
`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestApp(t *testing.T, extra string) (*App, *sessiontest.Fake, string, string) {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "delegator.yaml")
	writeConfig(t, cfgPath, expand(baseConfig, storePath)+extra)

	fake := sessiontest.New()
	fake.Respond = func(id string, _ int) ([]session.Message, error) {
		return []session.Message{sessiontest.Text(session.RoleAssistant, "done: "+id, time.Unix(5, 0))}, nil
	}
	a, err := New(cfgPath, WithSessionClient(fake))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a, fake, cfgPath, storePath
}

func expand(tmpl, storePath string) string {
	return strings.ReplaceAll(tmpl, "%STORE%", storePath)
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
}

func waitRunning(t *testing.T, a *App, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := a.Manager().Get(id)
		return err == nil && s.Status == task.StatusRunning
	}, 2*time.Second, time.Millisecond)
}

func TestCompletedTaskIsAuditedAndAnnounced(t *testing.T) {
	a, fake, _, _ := newTestApp(t, "")
	defer stop(t, a)

	id, err := a.Manager().Launch(context.Background(), "ses_parent", "explore", "scan the repo")
	require.NoError(t, err)
	waitRunning(t, a, id)
	a.Manager().Poller().Cycle(context.Background())
	a.Manager().Poller().Cycle(context.Background())

	require.Eventually(t, func() bool {
		entries, err := a.store.RecentAudit(context.Background(), 10)
		return err == nil && len(entries) == 1
	}, 2*time.Second, 5*time.Millisecond)
	entries, err := a.store.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	e := entries[0]
	assert.Equal(t, id, e.TaskID)
	assert.Equal(t, "completed", e.Status)
	assert.Equal(t, "ses_parent", e.ParentSessionID)
	assert.Equal(t, "p/m", e.ConcurrencyKey)
	assert.NotEmpty(t, e.ChildSessionID)
	assert.Equal(t, len("done: "+e.ChildSessionID), e.ResultChars)
	assert.Contains(t, e.MetaJSON, `"model":"p/m"`)

	require.Eventually(t, func() bool { return len(fake.Calls("inject")) == 1 }, 2*time.Second, 5*time.Millisecond)
	inj := fake.Calls("inject")[0]
	assert.Equal(t, "ses_parent", inj.SessionID)
	assert.Contains(t, inj.Text, id)
}

func TestShutdownCancellationsAreAudited(t *testing.T) {
	a, _, _, storePath := newTestApp(t, "")

	id, err := a.Manager().Launch(context.Background(), "ses_parent", "explore", "scan the repo")
	require.NoError(t, err)
	waitRunning(t, a, id)
	stop(t, a)

	s, err := a.Manager().Get(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, s.Status)

	st, err := storage.Open(storage.Config{Driver: "file", Path: storePath}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	entries, err := st.RecentAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].TaskID)
	assert.Equal(t, "cancelled", entries[0].Status)
}

func TestReloadAppliesConcurrencyLimits(t *testing.T) {
	a, _, cfgPath, storePath := newTestApp(t, "")
	defer stop(t, a)
	assert.Equal(t, 1, a.lim.MaxFor("p/m"))

	writeConfig(t, cfgPath, expand(baseConfig, storePath)+`
concurrency:
  limits:
    "p/*": 3
`)
	require.Eventually(t, func() bool { return a.lim.MaxFor("p/m") == 3 }, 5*time.Second, 20*time.Millisecond)
}

func TestInvalidReloadKeepsPreviousConfig(t *testing.T) {
	a, _, cfgPath, storePath := newTestApp(t, `
concurrency:
  limits:
    "p/m": 2
`)
	defer stop(t, a)
	require.Equal(t, 2, a.lim.MaxFor("p/m"))

	writeConfig(t, cfgPath, expand(baseConfig, storePath)+`
concurrency:
  limits:
    "p/m": 0
`)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, 2, a.lim.MaxFor("p/m"))
	assert.Equal(t, 2, a.cfgm.Get().Settings.ConcurrencyLimits["p/m"])
}
