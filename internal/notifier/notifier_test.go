package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegator/internal/eventbus"
	"delegator/internal/session/sessiontest"
	"delegator/internal/storage"
	"delegator/internal/task"
	"delegator/pkg/logx"
)

func fastConfig() Config {
	return Config{Workers: 2, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond, DedupWindow: time.Minute}
}

func startService(t *testing.T, cfg Config, fake *sessiontest.Fake, bus eventbus.Bus, st storage.Store) *Service {
	t.Helper()
	s := New(cfg, fake, logx.Nop(), bus, st)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func injected(fake *sessiontest.Fake, n int) func() bool {
	return func() bool { return len(fake.Calls("inject")) >= n }
}

func TestCompletedAndFailedAreInjectedIntoParent(t *testing.T) {
	fake := sessiontest.New()
	s := startService(t, fastConfig(), fake, nil, nil)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, Outcome{TaskID: "bg_1", ParentSessionID: "ses_a", AgentKind: "explore", Status: task.StatusCompleted, Result: "found 3 call sites", Duration: 12 * time.Second}))
	require.NoError(t, s.Notify(ctx, Outcome{TaskID: "bg_2", ParentSessionID: "ses_b", AgentKind: "oracle", Status: task.StatusFailed, Error: "fetch messages failed after 4 attempts: EOF"}))
	require.Eventually(t, injected(fake, 2), time.Second, time.Millisecond)

	bySession := map[string]string{}
	for _, c := range fake.Calls("inject") {
		bySession[c.SessionID] = c.Text
	}
	assert.Contains(t, bySession["ses_a"], "bg_1 completed")
	assert.Contains(t, bySession["ses_a"], "found 3 call sites")
	assert.Contains(t, bySession["ses_b"], "bg_2 failed")
	assert.Contains(t, bySession["ses_b"], "EOF")
}

func TestOnlyCompletedAndFailedAreAnnounced(t *testing.T) {
	fake := sessiontest.New()
	s := startService(t, fastConfig(), fake, nil, nil)
	for _, st := range []task.Status{task.StatusCancelled, task.StatusRunning, task.StatusQueued} {
		require.NoError(t, s.Notify(context.Background(), Outcome{TaskID: "bg_x", ParentSessionID: "ses_a", Status: st}))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fake.Calls("inject"))
}

func TestDuplicateOutcomeIsInjectedOnce(t *testing.T) {
	fake := sessiontest.New()
	bus := eventbus.New()
	deduped, unsub := bus.Subscribe(4, "notifier.deduped")
	defer unsub()
	s := startService(t, fastConfig(), fake, bus, nil)

	o := Outcome{TaskID: "bg_1", ParentSessionID: "ses_a", Status: task.StatusCompleted, Result: "ok"}
	require.NoError(t, s.Notify(context.Background(), o))
	require.NoError(t, s.Notify(context.Background(), o))
	require.Eventually(t, injected(fake, 1), time.Second, time.Millisecond)

	select {
	case <-deduped:
	case <-time.After(time.Second):
		t.Fatal("expected a dedup event")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, fake.Calls("inject"), 1)
}

func TestDeliveryFailureIsBoundedAndReported(t *testing.T) {
	fake := sessiontest.New()
	fake.InjectErr = errors.New("session gone")
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(4, "notifier.failed")
	defer unsub()
	s := startService(t, fastConfig(), fake, bus, nil)

	require.NoError(t, s.Notify(context.Background(), Outcome{TaskID: "bg_1", ParentSessionID: "ses_a", Status: task.StatusCompleted, Result: "ok"}))

	select {
	case ev := <-failed:
		ne := ev.Data.(NotificationEvent)
		assert.Equal(t, "bg_1", ne.TaskID)
		assert.Equal(t, 3, ne.Attempts)
		assert.Contains(t, ne.Error, "session gone")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failure event")
	}
	assert.Len(t, fake.Calls("inject"), 3)
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	cfg := fastConfig()
	cfg.PersistDedup = true
	o := Outcome{TaskID: "bg_1", ParentSessionID: "ses_a", Status: task.StatusFailed, Error: "boom"}

	first := sessiontest.New()
	s1 := New(cfg, first, logx.Nop(), nil, st)
	s1.Start(context.Background())
	require.NoError(t, s1.Notify(context.Background(), o))
	require.Eventually(t, injected(first, 1), time.Second, time.Millisecond)
	s1.Stop(context.Background())

	second := sessiontest.New()
	s2 := startService(t, cfg, second, nil, st)
	require.NoError(t, s2.Notify(context.Background(), o))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, second.Calls("inject"))
}

func TestStoppedServiceRejects(t *testing.T) {
	s := New(fastConfig(), sessiontest.New(), logx.Nop(), nil, nil)
	err := s.Notify(context.Background(), Outcome{TaskID: "bg_1", Status: task.StatusCompleted})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestFormatExcerptsLongResults(t *testing.T) {
	long := strings.Repeat("word ", 100)
	msg := Format(Outcome{TaskID: "bg_1", AgentKind: "explore", Status: task.StatusCompleted, Result: long, Duration: 1500 * time.Millisecond}, 50)
	assert.Contains(t, msg, "bg_1 completed")
	assert.Contains(t, msg, "1.5s")
	assert.Contains(t, msg, "output truncated")
	assert.NotContains(t, msg, long)

	full := Format(Outcome{TaskID: "bg_1", Status: task.StatusCompleted, Result: long}, 0)
	assert.Contains(t, full, long)
	assert.NotContains(t, full, "truncated")
}

func TestExcerpt(t *testing.T) {
	got, cut := Excerpt("short", 10)
	assert.Equal(t, "short", got)
	assert.Zero(t, cut)

	got, cut = Excerpt("line one\nline two is longer", 12)
	assert.Equal(t, "line one", got)
	assert.Equal(t, 19, cut)

	got, cut = Excerpt("ééééééé", 3)
	assert.Equal(t, "ééé", got)
	assert.Equal(t, 4, cut)
}
