package task

import (
	"fmt"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusAdmitted  Status = "admitted"
	StatusRunning   Status = "running"
	StatusStable    Status = "stable"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Slot is a concurrency reservation held by a task (see limiter.Slot).
type Slot interface {
	Key() string
	Release() bool
}

// Progress is what a poll learned about the child session beyond its hash.
type Progress struct {
	Messages  int
	ToolCalls int
	LastTool  string
	Partial   string // latest agent text seen so far
}

// Task is one delegated unit of work. All fields are guarded by mu; state
// changes go through the transition methods below, which refuse to leave a
// terminal state.
type Task struct {
	mu sync.Mutex

	id              string
	parentSessionID string
	agentKind       string
	model           string
	concurrencyKey  string
	prompt          string

	childSessionID string
	status         Status
	slot           Slot

	createdAt      time.Time
	lastActivityAt time.Time
	lastPolledAt   time.Time
	finishedAt     time.Time
	nextPollAt     time.Time

	result string
	err    error

	pollAttempts  int
	stableTicks   int
	fetchFailures int
	fingerprint   uint64
	observed      bool
	progress      Progress

	emit func(Event)
}

// Spec carries the launch-time attributes of a task.
type Spec struct {
	ID              string
	ParentSessionID string
	AgentKind       string
	Model           string
	ConcurrencyKey  string
	Prompt          string
}

func newTask(s Spec, now time.Time, emit func(Event)) *Task {
	return &Task{
		id:              s.ID,
		parentSessionID: s.ParentSessionID,
		agentKind:       s.AgentKind,
		model:           s.Model,
		concurrencyKey:  s.ConcurrencyKey,
		prompt:          s.Prompt,
		status:          StatusQueued,
		createdAt:       now,
		lastActivityAt:  now,
		emit:            emit,
	}
}

func (t *Task) ID() string              { return t.id }
func (t *Task) ParentSessionID() string { return t.parentSessionID }
func (t *Task) AgentKind() string       { return t.agentKind }
func (t *Task) Model() string           { return t.model }
func (t *Task) ConcurrencyKey() string  { return t.concurrencyKey }
func (t *Task) Prompt() string          { return t.prompt }

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) ChildSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.childSessionID
}

// Event describes one state transition.
type Event struct {
	TaskID          string    `json:"task_id"`
	ParentSessionID string    `json:"parent_session_id"`
	AgentKind       string    `json:"agent_kind"`
	ConcurrencyKey  string    `json:"concurrency_key"`
	From            Status    `json:"from"`
	To              Status    `json:"to"`
	At              time.Time `json:"at"`
	Error           string    `json:"error,omitempty"`
}

// transitionLocked applies from->to. Callers hold t.mu. It returns the
// event to publish once the lock is dropped.
func (t *Task) transitionLocked(to Status, now time.Time) (Event, error) {
	from := t.status
	if from.Terminal() {
		return Event{}, fmt.Errorf("%w: %s is %s", ErrTerminal, t.id, from)
	}
	if !allowed(from, to) {
		return Event{}, fmt.Errorf("task %s: illegal transition %s -> %s", t.id, from, to)
	}
	t.status = to
	if to.Terminal() {
		t.finishedAt = now
	}
	ev := Event{TaskID: t.id, ParentSessionID: t.parentSessionID, AgentKind: t.agentKind, ConcurrencyKey: t.concurrencyKey, From: from, To: to, At: now}
	if t.err != nil {
		ev.Error = t.err.Error()
	}
	return ev, nil
}

func allowed(from, to Status) bool {
	switch to {
	case StatusAdmitted:
		return from == StatusQueued
	case StatusRunning:
		return from == StatusAdmitted
	case StatusStable:
		return from == StatusRunning
	case StatusCompleted:
		return from == StatusStable
	case StatusFailed, StatusCancelled:
		return !from.Terminal()
	}
	return false
}

func (t *Task) publish(ev Event) {
	if t.emit != nil && ev.TaskID != "" {
		t.emit(ev)
	}
}

// finishLocked detaches the slot on a terminal transition. The caller
// releases it after unlocking so the limiter is never called under t.mu.
func (t *Task) finishLocked() Slot {
	s := t.slot
	t.slot = nil
	return s
}

func release(s Slot) {
	if s != nil {
		s.Release()
	}
}

// Admit moves queued -> admitted when the limiter grants s. On error the
// task did not take the slot (it was cancelled while waiting) and the caller
// must release it.
func (t *Task) Admit(s Slot, now time.Time) error {
	if s == nil {
		return fmt.Errorf("task %s: admit without a concurrency slot", t.id)
	}
	t.mu.Lock()
	if t.slot != nil {
		t.mu.Unlock()
		return fmt.Errorf("task %s: already holds a slot", t.id)
	}
	ev, err := t.transitionLocked(StatusAdmitted, now)
	if err == nil {
		t.slot = s
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.publish(ev)
	return nil
}

// BindSession records the child session created for an admitted task. It
// fails once the task is terminal; the caller then owns the session.
func (t *Task) BindSession(childSessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, t.id, t.status)
	}
	if t.status != StatusAdmitted || t.childSessionID != "" {
		return fmt.Errorf("task %s: cannot bind a session while %s", t.id, t.status)
	}
	t.childSessionID = childSessionID
	return nil
}

// Start moves admitted -> running once the prompt was delivered.
func (t *Task) Start(now time.Time) error {
	t.mu.Lock()
	if t.childSessionID == "" && !t.status.Terminal() {
		t.mu.Unlock()
		return fmt.Errorf("task %s: start without a child session", t.id)
	}
	ev, err := t.transitionLocked(StatusRunning, now)
	if err == nil {
		t.lastActivityAt = now
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	t.publish(ev)
	return nil
}

// Observation is the outcome of feeding one poll into the task.
type Observation int

const (
	ObservedIgnored Observation = iota // task not running (cancelled mid-tick, already stable, ...)
	ObservedChanged
	ObservedUnchanged
	ObservedStable
)

func (o Observation) String() string {
	switch o {
	case ObservedChanged:
		return "changed"
	case ObservedUnchanged:
		return "unchanged"
	case ObservedStable:
		return "stable"
	default:
		return "ignored"
	}
}

// Observe applies one successful poll. Output that differs from the last
// fingerprint refreshes lastActivityAt and resets stableTicks; identical
// output increments stableTicks and, on reaching threshold, moves the task
// to stable.
func (t *Task) Observe(fp uint64, p Progress, threshold int, now time.Time) Observation {
	if threshold < 1 {
		threshold = 1
	}
	t.mu.Lock()
	if t.status != StatusRunning {
		t.mu.Unlock()
		return ObservedIgnored
	}
	t.pollAttempts++
	t.lastPolledAt = now
	t.fetchFailures = 0
	t.nextPollAt = time.Time{}
	t.progress = p

	if !t.observed || fp != t.fingerprint {
		t.observed = true
		t.fingerprint = fp
		t.stableTicks = 0
		t.lastActivityAt = now
		t.mu.Unlock()
		return ObservedChanged
	}

	t.stableTicks++
	if t.stableTicks < threshold {
		t.mu.Unlock()
		return ObservedUnchanged
	}
	ev, err := t.transitionLocked(StatusStable, now)
	t.mu.Unlock()
	if err != nil {
		return ObservedIgnored
	}
	t.publish(ev)
	return ObservedStable
}

// FetchFailed records a failed poll and reports how many consecutive
// failures the task has accumulated. backoff, if set, maps that count to the
// wait before the next poll. It returns 0 if the task is not running.
func (t *Task) FetchFailed(now time.Time, backoff func(failures int) time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusRunning {
		return 0
	}
	t.pollAttempts++
	t.lastPolledAt = now
	t.fetchFailures++
	t.nextPollAt = now
	if backoff != nil {
		t.nextPollAt = now.Add(backoff(t.fetchFailures))
	}
	return t.fetchFailures
}

// DuePoll reports whether the task is running and not backing off.
func (t *Task) DuePoll(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == StatusRunning && !now.Before(t.nextPollAt)
}

// IdleFor returns how long the task went without new output.
func (t *Task) IdleFor(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.lastActivityAt)
}

// Complete moves stable -> completed with the extracted result.
func (t *Task) Complete(result string, now time.Time) error {
	t.mu.Lock()
	ev, err := t.transitionLocked(StatusCompleted, now)
	var s Slot
	if err == nil {
		t.result = result
		s = t.finishLocked()
	}
	t.mu.Unlock()
	if err != nil {
		return err
	}
	release(s)
	t.publish(ev)
	return nil
}

// Fail moves any non-terminal task to failed.
func (t *Task) Fail(cause error, now time.Time) error {
	if cause == nil {
		cause = fmt.Errorf("unknown failure")
	}
	t.mu.Lock()
	if t.status.Terminal() {
		st := t.status
		t.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, t.id, st)
	}
	t.err = cause
	ev, err := t.transitionLocked(StatusFailed, now)
	s := t.finishLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	release(s)
	t.publish(ev)
	return nil
}

// Cancel moves any non-terminal task to cancelled. The returned Status is the
// state the task was in before cancellation.
func (t *Task) Cancel(now time.Time) (Status, error) {
	t.mu.Lock()
	prev := t.status
	ev, err := t.transitionLocked(StatusCancelled, now)
	var s Slot
	if err == nil {
		s = t.finishLocked()
	}
	t.mu.Unlock()
	if err != nil {
		return prev, err
	}
	release(s)
	t.publish(ev)
	return prev, nil
}

// Snapshot is an immutable copy of a task for callers outside the scheduler.
// HoldsSlot is true from admitted until the task turns terminal; an admitted
// task with no ChildSessionID is still creating its session.
type Snapshot struct {
	ID              string        `json:"id"`
	ParentSessionID string        `json:"parent_session_id"`
	ChildSessionID  string        `json:"child_session_id,omitempty"`
	AgentKind       string        `json:"agent_kind"`
	Model           string        `json:"model,omitempty"`
	ConcurrencyKey  string        `json:"concurrency_key"`
	Status          Status        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	LastPolledAt    time.Time     `json:"last_polled_at,omitempty"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
	Duration        time.Duration `json:"duration"`
	Result          string        `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	PollAttempts    int           `json:"poll_attempts"`
	StableTicks     int           `json:"stable_ticks"`
	HoldsSlot       bool          `json:"holds_slot"`
	Progress        Progress      `json:"progress"`
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:              t.id,
		ParentSessionID: t.parentSessionID,
		ChildSessionID:  t.childSessionID,
		AgentKind:       t.agentKind,
		Model:           t.model,
		ConcurrencyKey:  t.concurrencyKey,
		Status:          t.status,
		CreatedAt:       t.createdAt,
		LastActivityAt:  t.lastActivityAt,
		LastPolledAt:    t.lastPolledAt,
		FinishedAt:      t.finishedAt,
		Result:          t.result,
		PollAttempts:    t.pollAttempts,
		StableTicks:     t.stableTicks,
		HoldsSlot:       t.slot != nil,
		Progress:        t.progress,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	end := t.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	s.Duration = end.Sub(t.createdAt)
	return s
}

// Err returns the failure cause (nil unless failed).
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
