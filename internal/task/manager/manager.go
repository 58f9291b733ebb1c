// Package manager is the entry point of the delegated task scheduler. It
// owns the registry and ties the limiter, poller and notifier together
// behind Launch, Cancel and Shutdown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"delegator/internal/eventbus"
	rtsup "delegator/internal/runtime/supervisor"
	"delegator/internal/session"
	"delegator/internal/task"
	"delegator/internal/task/limiter"
	"delegator/internal/task/poller"
	"delegator/pkg/logx"
)

// Agent is one delegatable agent kind.
type Agent struct {
	Kind           string
	Model          string
	ConcurrencyKey string
}

// Config is the hot-reloadable part of the manager.
type Config struct {
	Agents          map[string]Agent
	RestrictedTools []string
	Retry           task.RetryPolicy // create session / send prompt
	CallTimeout     time.Duration
	TaskTTL         time.Duration
}

// Notifier receives every task the scheduler moved to completed or failed.
type Notifier interface {
	Announce(t *task.Task)
}

// Options wires a Manager.
type Options struct {
	Config        Config
	Poller        poller.Config
	PruneSchedule string // cron spec; empty disables the sweep
	Limiter       *limiter.Limiter
	Client        session.Client
	Notifier      Notifier
	Bus           eventbus.Bus
	Log           logx.Logger
}

// Manager is safe for concurrent use.
type Manager struct {
	log    logx.Logger
	reg    *task.Registry
	lim    *limiter.Limiter
	poll   *poller.Poller
	client session.Client
	notify Notifier
	now    func() time.Time

	cfg atomic.Pointer[Config]

	// base bounds admissions launched before Start.
	base     context.Context
	stopBase context.CancelFunc

	mu         sync.Mutex
	sup        *rtsup.Supervisor
	janitor    *janitor
	started    bool
	shutdown   bool
	closing    atomic.Bool
	admitting  sync.WaitGroup
	admissions map[string]context.CancelFunc // task ID -> stops its admission
}

func New(opts Options) (*Manager, error) {
	if opts.Client == nil {
		return nil, errors.New("manager: session client is required")
	}
	if opts.Limiter == nil {
		return nil, errors.New("manager: limiter is required")
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:    log.With(logx.String("comp", "manager")),
		reg:    task.NewRegistry(opts.Bus),
		lim:    opts.Limiter,
		client: opts.Client,
		notify: opts.Notifier,
		now:    time.Now,

		admissions: make(map[string]context.CancelFunc),
	}
	m.base, m.stopBase = context.WithCancel(context.Background())
	m.Apply(opts.Config)
	m.poll = poller.New(m.reg, opts.Client, opts.Poller, log, m.announce)
	if strings.TrimSpace(opts.PruneSchedule) != "" {
		j, err := newJanitor(opts.PruneSchedule, m.sweep, log)
		if err != nil {
			return nil, err
		}
		m.janitor = j
	}
	return m, nil
}

// Apply swaps agents, tool restrictions, retry policy and TTL. Tasks already
// launched keep the model and key they were launched with.
func (m *Manager) Apply(cfg Config) {
	agents := make(map[string]Agent, len(cfg.Agents))
	for k, a := range cfg.Agents {
		if a.Kind == "" {
			a.Kind = k
		}
		if a.ConcurrencyKey == "" {
			a.ConcurrencyKey = a.Model
		}
		agents[k] = a
	}
	cfg.Agents = agents
	cfg.RestrictedTools = append([]string(nil), cfg.RestrictedTools...)
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	m.cfg.Store(&cfg)
}

// ApplyPoller forwards poll settings to the running poll loop.
func (m *Manager) ApplyPoller(cfg poller.Config) { m.poll.Apply(cfg) }

func (m *Manager) config() *Config { return m.cfg.Load() }

// Registry exposes the task table for read-only observers.
func (m *Manager) Registry() *task.Registry { return m.reg }

// Poller exposes the poll loop (cycle counters, manual cycles in tests).
func (m *Manager) Poller() *poller.Poller { return m.poll }

// Start runs the poll loop and the prune sweep under a supervisor derived
// from ctx. It is idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.shutdown {
		return
	}
	m.started = true
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.sup.GoRestart("poller", m.poll.Run)
	if m.janitor != nil {
		m.janitor.start()
	}
	m.log.Info("scheduler started", logx.Int("agents", len(m.config().Agents)))
}

func newTaskID() string {
	return "bg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Launch validates the request, records a queued task and returns its ID.
// Admission and execution continue in the background.
func (m *Manager) Launch(ctx context.Context, parentSessionID, agentKind, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.closing.Load() {
		return "", task.ErrShutdown
	}
	cfg := m.config()

	parentSessionID = strings.TrimSpace(parentSessionID)
	agentKind = strings.TrimSpace(agentKind)
	if parentSessionID == "" {
		return "", &task.ValidationError{Field: "parent_session_id", Reason: "is required"}
	}
	agent, ok := cfg.Agents[agentKind]
	if !ok {
		return "", &task.ValidationError{Field: "agent_kind", Value: agentKind, Reason: "not an allowed agent kind"}
	}
	if strings.TrimSpace(prompt) == "" {
		return "", &task.ValidationError{Field: "prompt", Reason: "is empty"}
	}

	var (
		t   *task.Task
		err error
	)
	for i := 0; i < 5; i++ {
		t, err = m.reg.Add(task.Spec{
			ID:              newTaskID(),
			ParentSessionID: parentSessionID,
			AgentKind:       agent.Kind,
			Model:           agent.Model,
			ConcurrencyKey:  agent.ConcurrencyKey,
			Prompt:          prompt,
		})
		if !errors.Is(err, task.ErrDuplicateID) {
			break
		}
	}
	if err != nil {
		return "", err
	}

	if !m.goAdmit(t) {
		_, _ = t.Cancel(m.now())
		return "", task.ErrShutdown
	}
	m.log.Info("task launched", logx.String("task", t.ID()), logx.String("agent", agent.Kind), logx.String("key", agent.ConcurrencyKey), logx.String("parent", parentSessionID))
	return t.ID(), nil
}

// goAdmit starts the admission goroutine unless the manager is shutting down.
// The goroutine runs under its own context so Cancel can end it at any stage.
func (m *Manager) goAdmit(t *task.Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown || m.closing.Load() {
		return false
	}
	parent := m.base
	if m.sup != nil {
		parent = m.sup.Context()
	}
	ctx, cancel := context.WithCancel(parent)
	m.admissions[t.ID()] = cancel
	m.admitting.Add(1)
	go func() {
		defer m.admitting.Done()
		defer m.endAdmission(t.ID())
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("admission panicked", logx.String("task", t.ID()), logx.Any("panic", r))
				m.fail(t, fmt.Errorf("admission panic: %v", r))
			}
		}()
		m.admit(ctx, t)
	}()
	return true
}

func (m *Manager) endAdmission(id string) {
	m.mu.Lock()
	cancel := m.admissions[id]
	delete(m.admissions, id)
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// stopAdmission ends the admission of id if one is still in progress.
func (m *Manager) stopAdmission(id string) {
	m.mu.Lock()
	cancel := m.admissions[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// admit waits for a slot, creates the child session and sends the prompt.
// Every step first checks that the task is still live, so a task cancelled
// while queued never reaches the collaborator and one cancelled while
// admitted makes no further calls.
func (m *Manager) admit(ctx context.Context, t *task.Task) {
	log := m.log.With(logx.String("task", t.ID()), logx.String("key", t.ConcurrencyKey()))
	if t.Status().Terminal() {
		return
	}

	slot, err := m.lim.Acquire(ctx, t.ConcurrencyKey(), t.ID())
	if err != nil {
		// Cancelled while queued, or shutting down. Either way nothing was
		// sent to the collaborator.
		log.Debug("admission abandoned", logx.Err(err))
		if ctx.Err() != nil {
			_, _ = t.Cancel(m.now())
		}
		return
	}
	if err := t.Admit(slot, m.now()); err != nil {
		slot.Release()
		return
	}

	cfg := m.config()
	call := func(op string, fn func(ctx context.Context) error) error {
		return task.Retry(ctx, cfg.Retry, op, func(ctx context.Context) error {
			if st := t.Status(); st.Terminal() {
				return task.NoRetry(fmt.Errorf("%w: %s is %s", task.ErrTerminal, t.ID(), st))
			}
			cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
			defer cancel()
			return fn(cctx)
		})
	}
	abandoned := func(stage string, err error) bool {
		if !t.Status().Terminal() {
			return false
		}
		log.Debug("admission abandoned", logx.String("stage", stage), logx.Err(err))
		return true
	}

	var child string
	err = call("create session", func(ctx context.Context) error {
		id, err := m.client.CreateSession(ctx, t.ParentSessionID(), fmt.Sprintf("%s (%s)", t.AgentKind(), t.ID()))
		if err != nil {
			return err
		}
		child = id
		return nil
	})
	if err != nil {
		if abandoned("create session", err) {
			return
		}
		log.Warn("session create failed", logx.Err(err))
		m.fail(t, err)
		return
	}
	if err := t.BindSession(child); err != nil {
		// Cancelled while the session was being created; nobody else knows
		// about this session.
		m.abort(child)
		return
	}
	log.Debug("session created", logx.String("session", child))

	err = call("send prompt", func(ctx context.Context) error {
		return m.client.SendPrompt(ctx, child, session.Prompt{
			Agent:         t.AgentKind(),
			Model:         t.Model(),
			Text:          t.Prompt(),
			DisabledTools: cfg.RestrictedTools,
		})
	})
	if err != nil {
		if abandoned("send prompt", err) {
			return
		}
		log.Warn("prompt delivery failed", logx.Err(err))
		m.fail(t, err)
		return
	}
	if err := t.Start(m.now()); err != nil {
		return
	}
	log.Info("task running", logx.String("session", child))
}

func (m *Manager) fail(t *task.Task, cause error) {
	if err := t.Fail(cause, m.now()); err != nil {
		return
	}
	m.announce(t)
}

func (m *Manager) announce(t *task.Task) {
	if m.notify != nil {
		m.notify.Announce(t)
	}
}

// abort asks the collaborator to stop a child session, if it can.
func (m *Manager) abort(sessionID string) {
	ab, ok := m.client.(session.Aborter)
	if !ok || sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config().CallTimeout)
	defer cancel()
	if err := ab.AbortSession(ctx, sessionID); err != nil {
		m.log.Debug("session abort failed", logx.String("session", sessionID), logx.Err(err))
	}
}

// Cancel stops watching a task. Queued tasks leave the wait queue without
// any collaborator call; admitted or running tasks release their slot and
// their child session is aborted when the collaborator supports it.
func (m *Manager) Cancel(id string) (task.Snapshot, error) {
	t, ok := m.reg.Get(id)
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	prev, err := t.Cancel(m.now())
	if err != nil {
		return t.Snapshot(), err
	}
	m.stopAdmission(id)
	if prev == task.StatusQueued {
		m.lim.CancelWaiter(id)
	} else {
		m.abort(t.ChildSessionID())
	}
	m.log.Info("task cancelled", logx.String("task", id), logx.String("was", string(prev)))
	return t.Snapshot(), nil
}

// Shutdown cancels every unfinished task, stops the poll loop and prune
// sweep, and returns once no admission or poll tick is still running.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closing.Store(true)
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	sup := m.sup
	m.mu.Unlock()

	start := m.now()
	if m.janitor != nil {
		m.janitor.stop(ctx)
	}

	cancelled := 0
	for _, t := range m.reg.List("") {
		prev, err := t.Cancel(m.now())
		if err != nil {
			continue
		}
		cancelled++
		m.stopAdmission(t.ID())
		if prev == task.StatusQueued {
			m.lim.CancelWaiter(t.ID())
		}
	}

	m.stopBase()
	var errs []error
	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	done := make(chan struct{})
	go func() {
		m.admitting.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("admissions still running: %w", ctx.Err()))
	}
	if err := m.poll.Settle(ctx); err != nil {
		errs = append(errs, fmt.Errorf("poll ticks still running: %w", err))
	}

	err := errors.Join(errs...)
	m.log.Info("scheduler stopped", logx.Int("cancelled", cancelled), logx.Duration("took", m.now().Sub(start)), logx.Err(err))
	return err
}

// Get returns a snapshot of one task.
func (m *Manager) Get(id string) (task.Snapshot, error) {
	t, ok := m.reg.Get(id)
	if !ok {
		return task.Snapshot{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	return t.Snapshot(), nil
}

// List returns snapshots ordered by creation; an empty parent lists all.
func (m *Manager) List(parentSessionID string) []task.Snapshot {
	ts := m.reg.List(parentSessionID)
	out := make([]task.Snapshot, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Snapshot())
	}
	return out
}

// Output is what a task has produced so far.
type Output struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Final  bool        `json:"final"`
	Text   string      `json:"text,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Output returns the result of a completed task, the error of a failed one,
// or the latest agent text seen so far for one still in flight.
func (m *Manager) Output(id string) (Output, error) {
	s, err := m.Get(id)
	if err != nil {
		return Output{}, err
	}
	out := Output{TaskID: s.ID, Status: s.Status, Final: s.Status.Terminal()}
	switch s.Status {
	case task.StatusCompleted:
		out.Text = s.Result
	case task.StatusFailed:
		out.Error = s.Error
	default:
		out.Text = s.Progress.Partial
	}
	return out, nil
}

// Prune drops terminal tasks older than the configured TTL.
func (m *Manager) Prune() []string {
	return m.reg.Prune(m.config().TaskTTL, m.now())
}

func (m *Manager) sweep() {
	if removed := m.Prune(); len(removed) > 0 {
		m.log.Debug("pruned finished tasks", logx.Int("count", len(removed)))
	}
}

// Limits returns per-key limiter accounting.
func (m *Manager) Limits() []limiter.Stats { return m.lim.Snapshot() }

// Agents returns the allowed agent kinds.
func (m *Manager) Agents() []Agent {
	cfg := m.config()
	out := make([]Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		out = append(out, a)
	}
	return out
}

// Counts returns the number of known tasks per status.
func (m *Manager) Counts() map[task.Status]int { return m.reg.Counts() }

// Closing reports whether Shutdown has begun.
func (m *Manager) Closing() bool { return m.closing.Load() }
