// Package poller watches running tasks and infers completion from output
// that stops changing.
package poller

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"delegator/internal/session"
	"delegator/internal/task"
	"delegator/pkg/logx"
)

// Config controls polling cadence and failure bounds.
type Config struct {
	Interval           time.Duration
	StabilityThreshold int
	FetchRetryMax      int           // consecutive failed fetches tolerated before failing the task
	CallTimeout        time.Duration // per FetchMessages call
	StaleTimeout       time.Duration // 0 disables
	Backoff            task.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = 3
	}
	if c.FetchRetryMax < 0 {
		c.FetchRetryMax = 0
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Poller drives one poll tick per due running task per cycle.
type Poller struct {
	reg    *task.Registry
	client session.Client
	log    logx.Logger
	now    func() time.Time

	cfg atomic.Pointer[Config]

	// OnTerminal is called after the poller moved a task to completed or
	// failed. It runs on the tick goroutine and must not block for long.
	onTerminal func(*task.Task)

	ticks     sync.WaitGroup
	cycles    atomic.Uint64
	lastCycle atomic.Int64
}

func New(reg *task.Registry, client session.Client, cfg Config, log logx.Logger, onTerminal func(*task.Task)) *Poller {
	p := &Poller{
		reg:        reg,
		client:     client,
		log:        log.With(logx.String("comp", "poller")),
		now:        time.Now,
		onTerminal: onTerminal,
	}
	p.Apply(cfg)
	return p
}

// Apply swaps the configuration; the next cycle picks it up.
func (p *Poller) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	p.cfg.Store(&cfg)
}

func (p *Poller) config() Config { return *p.cfg.Load() }

// Run polls until ctx is done. A cycle always settles before the next wait
// begins, so returning means no tick is in flight.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poll loop started", logx.Duration("interval", p.config().Interval))
	defer p.log.Info("poll loop stopped")
	for {
		p.Cycle(ctx)
		t := time.NewTimer(p.config().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Cycle issues a tick for every running task that is due and returns once
// all of them settled. It returns the number of ticks issued.
func (p *Poller) Cycle(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	cfg := p.config()
	now := p.now()

	var due []*task.Task
	for _, t := range p.reg.InStatus(task.StatusRunning) {
		if t.DuePoll(now) {
			due = append(due, t)
		}
	}

	var wg sync.WaitGroup
	for _, t := range due {
		wg.Add(1)
		p.ticks.Add(1)
		go func(t *task.Task) {
			defer p.ticks.Done()
			defer wg.Done()
			p.safeTick(ctx, cfg, t)
		}(t)
	}
	wg.Wait()

	p.cycles.Add(1)
	p.lastCycle.Store(p.now().UnixNano())
	return len(due)
}

// Settle waits for in-flight ticks started by Cycle.
func (p *Poller) Settle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.ticks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cycles returns how many cycles completed and when the last one ended.
func (p *Poller) Cycles() (uint64, time.Time) {
	n := p.cycles.Load()
	ts := p.lastCycle.Load()
	if ts == 0 {
		return n, time.Time{}
	}
	return n, time.Unix(0, ts)
}

func (p *Poller) safeTick(ctx context.Context, cfg Config, t *task.Task) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("poll tick panic: %v", r)
			p.log.Error("poll tick panicked", logx.String("task", t.ID()), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			p.fail(t, err)
		}
	}()
	p.tick(ctx, cfg, t)
}

func (p *Poller) tick(ctx context.Context, cfg Config, t *task.Task) {
	log := p.log.With(logx.String("task", t.ID()), logx.String("key", t.ConcurrencyKey()))
	now := p.now()

	if cfg.StaleTimeout > 0 {
		if idle := t.IdleFor(now); idle > cfg.StaleTimeout {
			log.Warn("task went stale", logx.Duration("idle", idle))
			p.fail(t, &task.CollaboratorError{Op: "fetch messages", Attempts: 1, Err: fmt.Errorf("no new output for %s", idle.Round(time.Second))})
			return
		}
	}

	child := t.ChildSessionID()
	cctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	msgs, err := p.client.FetchMessages(cctx, child)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return // shutting down; not the collaborator's fault
		}
		var delay time.Duration
		n := t.FetchFailed(p.now(), func(n int) time.Duration {
			delay = cfg.Backoff.Delay(n, err)
			return delay
		})
		if n == 0 {
			return // cancelled while the call was in flight
		}
		if n > cfg.FetchRetryMax {
			log.Warn("fetch retries exhausted", logx.Int("attempts", n), logx.Err(err))
			p.fail(t, &task.CollaboratorError{Op: "fetch messages", Attempts: n, Err: err})
			return
		}
		log.Debug("fetch failed; backing off", logx.Int("attempt", n), logx.Duration("delay", delay), logx.Err(err))
		return
	}

	obs := t.Observe(task.Fingerprint(msgs), task.ProgressOf(msgs), cfg.StabilityThreshold, p.now())
	log.Trace("poll observed", logx.String("result", obs.String()), logx.Int("messages", len(msgs)))
	if obs != task.ObservedStable {
		return
	}

	result, err := task.ExtractResult(child, msgs)
	if err != nil {
		log.Warn("stable session has no result", logx.Err(err))
		p.fail(t, err)
		return
	}
	if err := t.Complete(result, p.now()); err != nil {
		log.Debug("completion discarded", logx.Err(err))
		return
	}
	log.Info("task completed", logx.Int("chars", len(result)))
	p.terminal(t)
}

func (p *Poller) fail(t *task.Task, cause error) {
	if err := t.Fail(cause, p.now()); err != nil {
		return
	}
	p.terminal(t)
}

func (p *Poller) terminal(t *task.Task) {
	if p.onTerminal != nil {
		p.onTerminal(t)
	}
}
