package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delegator/internal/session"
	"delegator/internal/session/sessiontest"
	"delegator/internal/task"
	"delegator/pkg/logx"
)

type slot struct{ released atomic.Int32 }

func (s *slot) Key() string   { return "p/m" }
func (s *slot) Release() bool { return s.released.Add(1) == 1 }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	reg      *task.Registry
	fake     *sessiontest.Fake
	poller   *Poller
	clock    *clock
	mu       sync.Mutex
	terminal []string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		reg:   task.NewRegistry(nil),
		fake:  sessiontest.New(),
		clock: &clock{now: time.Now()},
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = task.RetryPolicy{Base: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	}
	h.poller = New(h.reg, h.fake, cfg, logx.Nop(), func(tk *task.Task) {
		h.mu.Lock()
		h.terminal = append(h.terminal, tk.ID())
		h.mu.Unlock()
	})
	h.poller.now = h.clock.Now
	return h
}

func (h *harness) running(t *testing.T, id, child string) (*task.Task, *slot) {
	t.Helper()
	tk, err := h.reg.Add(task.Spec{ID: id, ParentSessionID: "ses_parent", AgentKind: "explore", ConcurrencyKey: "p/m"})
	require.NoError(t, err)
	s := &slot{}
	require.NoError(t, tk.Admit(s, h.clock.Now()))
	require.NoError(t, tk.BindSession(child))
	require.NoError(t, tk.Start(h.clock.Now()))
	return tk, s
}

func (h *harness) cycle(n int) {
	for i := 0; i < n; i++ {
		h.clock.Advance(time.Minute)
		h.poller.Cycle(context.Background())
	}
}

func (h *harness) notified() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.terminal...)
}

// transcript grows by one agent message on each of the first `growth` fetches
// and stays fixed afterwards.
func transcript(base time.Time, growth int) func(string, int) ([]session.Message, error) {
	return func(_ string, fetch int) ([]session.Message, error) {
		n := fetch
		if n > growth {
			n = growth
		}
		msgs := []session.Message{sessiontest.Text(session.RoleUser, "do the thing", base)}
		for i := 1; i <= n; i++ {
			msgs = append(msgs, sessiontest.Text(session.RoleAssistant, fmt.Sprintf("step %d", i), base.Add(time.Duration(i)*time.Second)))
		}
		return msgs, nil
	}
}

func TestStableExactlyOnThresholdPoll(t *testing.T) {
	h := newHarness(t, Config{StabilityThreshold: 3})
	h.fake.Respond = transcript(time.Unix(1000, 0), 3)
	tk, s := h.running(t, "bg_1", "ses_child")

	h.cycle(5)
	assert.Equal(t, task.StatusRunning, tk.Status())
	assert.Equal(t, 2, tk.Snapshot().StableTicks)

	h.cycle(1)
	assert.Equal(t, 6, h.fake.Fetches("ses_child"))
	snap := tk.Snapshot()
	assert.Equal(t, task.StatusCompleted, snap.Status)
	assert.Equal(t, "step 3", snap.Result)
	assert.Equal(t, int32(1), s.released.Load())
	assert.Equal(t, []string{"bg_1"}, h.notified())

	// Terminal tasks are no longer polled.
	h.cycle(2)
	assert.Equal(t, 6, h.fake.Fetches("ses_child"))
}

func TestFetchErrorsAreRetriedThenFail(t *testing.T) {
	h := newHarness(t, Config{StabilityThreshold: 3, FetchRetryMax: 2})
	boom := errors.New("connection refused")
	h.fake.FailFetches("ses_child", boom, boom, boom)
	tk, s := h.running(t, "bg_1", "ses_child")

	h.cycle(2)
	assert.Equal(t, task.StatusRunning, tk.Status())

	h.cycle(1)
	assert.Equal(t, task.StatusFailed, tk.Status())
	var ce *task.CollaboratorError
	require.True(t, errors.As(tk.Err(), &ce))
	assert.Equal(t, 3, ce.Attempts)
	assert.ErrorIs(t, tk.Err(), boom)
	assert.Equal(t, int32(1), s.released.Load())
	assert.Equal(t, []string{"bg_1"}, h.notified())
}

func TestTransientFetchErrorDoesNotResetStability(t *testing.T) {
	h := newHarness(t, Config{StabilityThreshold: 2, FetchRetryMax: 3})
	at := time.Unix(2000, 0)
	h.fake.SetTranscript("ses_child", sessiontest.Text(session.RoleAssistant, "done", at))
	h.fake.FailFetches("ses_child", nil, errors.New("timeout"))
	tk, _ := h.running(t, "bg_1", "ses_child")

	h.cycle(2) // observe, then fail
	assert.Equal(t, task.StatusRunning, tk.Status())
	h.cycle(2)
	assert.Equal(t, task.StatusCompleted, tk.Status())
}

func TestBackoffSkipsCycles(t *testing.T) {
	h := newHarness(t, Config{FetchRetryMax: 5, Backoff: task.RetryPolicy{Base: time.Hour, MaxDelay: time.Hour, Jitter: 0.01}})
	h.fake.FailFetches("ses_child", errors.New("503"))
	h.running(t, "bg_1", "ses_child")

	h.cycle(1)
	assert.Equal(t, 0, h.poller.Cycle(context.Background()), "task is backing off")
	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.poller.Cycle(context.Background()))
}

func TestStableWithoutAgentTextFails(t *testing.T) {
	h := newHarness(t, Config{StabilityThreshold: 1})
	h.fake.SetTranscript("ses_child", sessiontest.Text(session.RoleUser, "hello?", time.Unix(10, 0)))
	tk, _ := h.running(t, "bg_1", "ses_child")

	h.cycle(2)
	assert.Equal(t, task.StatusFailed, tk.Status())
	var ee *task.ExtractionError
	assert.True(t, errors.As(tk.Err(), &ee))
	assert.Equal(t, []string{"bg_1"}, h.notified())
}

func TestTicksRunConcurrently(t *testing.T) {
	h := newHarness(t, Config{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()
	h.fake.BeforeFetch = func(ctx context.Context, _ string) error {
		arrived.Done()
		select {
		case <-release:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("ticks were serialized")
		}
	}
	a, _ := h.running(t, "bg_a", "ses_a")
	b, _ := h.running(t, "bg_b", "ses_b")

	assert.Equal(t, 2, h.poller.Cycle(context.Background()))
	assert.Equal(t, 1, a.Snapshot().PollAttempts)
	assert.Equal(t, 0, a.Snapshot().Progress.Messages)
	assert.Equal(t, task.StatusRunning, b.Status())
	assert.Equal(t, 2, len(h.fake.Calls("fetch")))
}

func TestCancelledMidTickIsDiscarded(t *testing.T) {
	h := newHarness(t, Config{StabilityThreshold: 1})
	h.fake.SetTranscript("ses_child", sessiontest.Text(session.RoleAssistant, "x", time.Unix(10, 0)))
	tk, s := h.running(t, "bg_1", "ses_child")
	h.cycle(1)

	h.fake.BeforeFetch = func(ctx context.Context, _ string) error {
		_, err := tk.Cancel(time.Now())
		return err
	}
	h.cycle(1)
	assert.Equal(t, task.StatusCancelled, tk.Status())
	assert.Empty(t, tk.Snapshot().Result)
	assert.Empty(t, h.notified())
	assert.Equal(t, int32(1), s.released.Load())
}

func TestPanickingTickFailsOnlyThatTask(t *testing.T) {
	h := newHarness(t, Config{StabilityThreshold: 1})
	h.fake.Respond = func(id string, _ int) ([]session.Message, error) {
		if id == "ses_bad" {
			panic("decoder exploded")
		}
		return []session.Message{sessiontest.Text(session.RoleAssistant, "ok", time.Unix(5, 0))}, nil
	}
	bad, _ := h.running(t, "bg_bad", "ses_bad")
	good, _ := h.running(t, "bg_good", "ses_good")

	h.cycle(2)
	assert.Equal(t, task.StatusFailed, bad.Status())
	assert.Contains(t, bad.Err().Error(), "decoder exploded")
	assert.Equal(t, task.StatusCompleted, good.Status())
}

func TestStaleTimeout(t *testing.T) {
	h := newHarness(t, Config{StabilityThreshold: 100, StaleTimeout: 90 * time.Second})
	h.fake.SetTranscript("ses_child", sessiontest.Text(session.RoleAssistant, "thinking", time.Unix(10, 0)))
	tk, _ := h.running(t, "bg_1", "ses_child")

	h.cycle(1)
	assert.Equal(t, task.StatusRunning, tk.Status())
	h.cycle(2)
	assert.Equal(t, task.StatusFailed, tk.Status())
	var ce *task.CollaboratorError
	assert.True(t, errors.As(tk.Err(), &ce))
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t, Config{Interval: time.Millisecond})
	h.poller.now = time.Now
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, _ := h.poller.Cycles()
		return n >= 2
	}, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	require.NoError(t, h.poller.Settle(context.Background()))
}
