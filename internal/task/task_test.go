package task

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSlot struct {
	key      string
	released atomic.Int32
}

func (s *countingSlot) Key() string { return s.key }
func (s *countingSlot) Release() bool {
	return s.released.Add(1) == 1
}

func runningTask(t *testing.T) (*Task, *countingSlot) {
	t.Helper()
	r := NewRegistry(nil)
	tk, err := r.Add(Spec{ID: "bg_1", ParentSessionID: "ses_p", AgentKind: "explore", ConcurrencyKey: "p/m"})
	require.NoError(t, err)
	slot := &countingSlot{key: "p/m"}
	now := time.Now()
	require.NoError(t, tk.Admit(slot, now))
	require.NoError(t, tk.BindSession("ses_c"))
	require.NoError(t, tk.Start(now))
	return tk, slot
}

func TestLifecycleHappyPath(t *testing.T) {
	tk, slot := runningTask(t)
	now := time.Now()

	assert.Equal(t, ObservedChanged, tk.Observe(1, Progress{}, 2, now))
	assert.Equal(t, ObservedUnchanged, tk.Observe(1, Progress{}, 2, now))
	assert.Equal(t, ObservedStable, tk.Observe(1, Progress{}, 2, now))
	assert.Equal(t, StatusStable, tk.Status())

	require.NoError(t, tk.Complete("answer", now))
	snap := tk.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, "answer", snap.Result)
	assert.Empty(t, snap.Error)
	assert.False(t, snap.HoldsSlot)
	assert.Equal(t, int32(1), slot.released.Load())
}

func TestChildSessionOnlyFromAdmitted(t *testing.T) {
	r := NewRegistry(nil)
	tk, err := r.Add(Spec{ID: "bg_2"})
	require.NoError(t, err)
	assert.Empty(t, tk.ChildSessionID())

	// No slot, no admission.
	require.Error(t, tk.Admit(nil, time.Now()))
	require.Error(t, tk.BindSession("ses_c"))
	assert.Equal(t, StatusQueued, tk.Status())
	assert.Empty(t, tk.ChildSessionID())

	slot := &countingSlot{key: "p/m"}
	require.NoError(t, tk.Admit(slot, time.Now()))
	snap := tk.Snapshot()
	assert.Equal(t, StatusAdmitted, snap.Status)
	assert.True(t, snap.HoldsSlot)
	assert.Empty(t, snap.ChildSessionID)
	require.Error(t, tk.Start(time.Now()), "running needs a child session")

	require.NoError(t, tk.BindSession("ses_c"))
	require.Error(t, tk.BindSession("ses_d"))
	assert.Equal(t, "ses_c", tk.ChildSessionID())
}

func TestCancelWhileCreatingRefusesSession(t *testing.T) {
	r := NewRegistry(nil)
	tk, err := r.Add(Spec{ID: "bg_4"})
	require.NoError(t, err)
	slot := &countingSlot{key: "p/m"}
	require.NoError(t, tk.Admit(slot, time.Now()))

	prev, err := tk.Cancel(time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusAdmitted, prev)
	assert.Equal(t, int32(1), slot.released.Load())
	assert.ErrorIs(t, tk.BindSession("ses_late"), ErrTerminal)
	assert.Empty(t, tk.ChildSessionID())
}

func TestTerminalIsFinal(t *testing.T) {
	tk, slot := runningTask(t)
	now := time.Now()
	require.NoError(t, tk.Fail(errors.New("backend down"), now))

	_, err := tk.Cancel(now)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.ErrorIs(t, tk.Fail(errors.New("again"), now), ErrTerminal)
	assert.Equal(t, ObservedIgnored, tk.Observe(9, Progress{}, 1, now))
	assert.ErrorIs(t, tk.Complete("late", now), ErrTerminal)

	snap := tk.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "backend down", snap.Error)
	assert.Empty(t, snap.Result)
	assert.Equal(t, int32(1), slot.released.Load())
}

func TestCompleteRequiresStable(t *testing.T) {
	tk, _ := runningTask(t)
	require.Error(t, tk.Complete("too early", time.Now()))
	assert.Equal(t, StatusRunning, tk.Status())
}

func TestCancelQueuedHasNoSlot(t *testing.T) {
	r := NewRegistry(nil)
	tk, err := r.Add(Spec{ID: "bg_3"})
	require.NoError(t, err)

	prev, err := tk.Cancel(time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, prev)

	slot := &countingSlot{}
	assert.ErrorIs(t, tk.Admit(slot, time.Now()), ErrTerminal, "cancelled task must refuse a late slot")
}

func TestFetchFailuresAndBackoff(t *testing.T) {
	tk, _ := runningTask(t)
	now := time.Now()
	backoff := func(n int) time.Duration { return time.Duration(n) * time.Second }
	assert.Equal(t, 1, tk.FetchFailed(now, backoff))
	assert.False(t, tk.DuePoll(now))
	assert.True(t, tk.DuePoll(now.Add(time.Second)))
	assert.Equal(t, 2, tk.FetchFailed(now, backoff))
	assert.False(t, tk.DuePoll(now.Add(time.Second)))

	// A good poll clears the failure streak.
	tk.Observe(5, Progress{}, 3, now)
	assert.Equal(t, 1, tk.FetchFailed(now, nil))
	assert.True(t, tk.DuePoll(now))
}

func TestConcurrentObserveIsSerialized(t *testing.T) {
	tk, _ := runningTask(t)
	now := time.Now()
	tk.Observe(7, Progress{}, 1000, now)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk.Observe(7, Progress{}, 1000, now)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, tk.Snapshot().StableTicks)
}

func TestSlotReleasedOnceUnderRacingTerminals(t *testing.T) {
	tk, slot := runningTask(t)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = tk.Cancel(now) }()
		go func() { defer wg.Done(); _ = tk.Fail(errors.New("x"), now) }()
	}
	wg.Wait()
	assert.True(t, tk.Status().Terminal())
	assert.Equal(t, int32(1), slot.released.Load())
}
