package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"delegator/internal/eventbus"
	rtsup "delegator/internal/runtime/supervisor"
	"delegator/internal/storage"
	"delegator/internal/task"
	"delegator/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Injector is the slice of the session collaborator the notifier needs.
type Injector interface {
	InjectMessage(ctx context.Context, sessionID, text string) error
}

type job struct {
	o   Outcome
	key string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sink  Injector
	bus   eventbus.Bus
	store storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, sink Injector, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sink:  sink,
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.MaxChars < 0 {
		cfg.MaxChars = 0
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.exitReason(c, "persist loop")
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitReason(c, "worker")
		})
	}
	s.log.Debug("notifier started", logx.Int("workers", workers))
}

// exitReason turns a loop return into nil on shutdown, an error otherwise,
// so GoRestart only restarts unexpected exits.
func (s *Service) exitReason(c context.Context, what string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping || c.Err() != nil {
		return nil
	}
	return fmt.Errorf("notifier %s exited unexpectedly", what)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight enqueues to finish, then close the queue so workers can drain.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Force-stop internal loops.
		sup.Cancel()
	}
}

// Notify enqueues the announcement for a completed or failed task. Other
// statuses are ignored: cancelled tasks are announced by whoever cancelled
// them. A nil error means the message was queued or suppressed as a
// duplicate, not that it was delivered.
func (s *Service) Notify(ctx context.Context, o Outcome) error {
	if o.Status != task.StatusCompleted && o.Status != task.StatusFailed {
		return nil
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	persistDedup := s.cfg.PersistDedup
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(o)
	if dedupWindow > 0 {
		if !s.dedupAllow(ctx, key, dedupWindow, dedupMax, persistDedup, st, pch) {
			s.log.Debug("duplicate notification suppressed", logx.String("task", o.TaskID), logx.String("status", string(o.Status)))
			s.publish("notifier.deduped", o, key, 0, nil)
			return nil
		}
	}

	select {
	case q <- job{o: o, key: key}:
		s.publish("notifier.queued", o, key, 0, nil)
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("task", o.TaskID), logx.Err(ErrQueueFull))
		s.publish("notifier.dropped", o, key, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// Announce queues the outcome of a finished task. Enqueue errors are logged;
// the task's status is final either way.
func (s *Service) Announce(t *task.Task) {
	o := OutcomeOf(t)
	if err := s.Notify(context.Background(), o); err != nil {
		s.log.Warn("notification not queued", logx.String("task", o.TaskID), logx.Err(err))
	}
}

func (s *Service) publish(typ string, o Outcome, key string, attempts int, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{TaskID: o.TaskID, ParentSessionID: o.ParentSessionID, Status: string(o.Status), Key: key, At: now, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sink := s.sink
	s.mu.Unlock()

	log := s.log.With(logx.String("task", j.o.TaskID), logx.String("session", j.o.ParentSessionID))
	text := Format(j.o, cfg.MaxChars)
	policy := task.RetryPolicy{Max: cfg.RetryMax, Base: cfg.RetryBase, MaxDelay: cfg.RetryMaxDelay}

	attempts := 0
	err := task.Retry(ctx, policy, "inject message", func(ctx context.Context) error {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return task.NoRetry(err)
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		defer cancel()
		err := sink.InjectMessage(callCtx, j.o.ParentSessionID, text)
		if err != nil {
			log.Debug("inject failed", logx.Int("attempt", attempts), logx.Err(err))
		}
		return err
	})
	if err != nil {
		// The task already finished; only the announcement is lost.
		log.Warn("notification not delivered", logx.Int("attempts", attempts), logx.Err(err))
		s.publish("notifier.failed", j.o, j.key, attempts, err)
		return
	}
	log.Debug("notification delivered", logx.Int("chars", len(text)))
	s.publish("notifier.sent", j.o, j.key, attempts, nil)
}

func dedupKey(o Outcome) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(o.TaskID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(o.Status))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	// 1) In-memory check.
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		qctx := ctx
		if qctx == nil {
			qctx = context.Background()
		}
		cctx, cancel := context.WithTimeout(qctx, 250*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	// 4) Persist new suppress-until asynchronously (best-effort).
	if persist && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
