// Package app wires the delegated task scheduler into a long-running daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"delegator/internal/config"
	"delegator/internal/eventbus"
	"delegator/internal/httpapi"
	"delegator/internal/notifier"
	rtsup "delegator/internal/runtime/supervisor"
	"delegator/internal/session"
	"delegator/internal/storage"
	"delegator/internal/task/limiter"
	"delegator/internal/task/manager"
	logx "delegator/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client session.Client
	lim    *limiter.Limiter
	notif  *notifier.Service
	mgr    *manager.Manager
	api    *httpapi.Server

	// svcCtx outlives the supervisor so the manager and notifier can drain
	// after the app context is cancelled.
	svcCtx    context.Context
	svcCancel context.CancelFunc

	httpEnabled bool
	httpAddr    string
	version     string
}

// Option customizes New.
type Option func(*App)

// WithSessionClient replaces the HTTP collaborator client.
func WithSessionClient(c session.Client) Option {
	return func(a *App) { a.client = c }
}

// WithVersion sets the version reported by the API.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	a := &App{version: "dev"}
	for _, o := range opts {
		o(a)
	}

	cfgm := config.NewManager(cfgPath)
	snap, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	s := snap.Settings

	logSvc, log := logx.New(logConfig(s))
	a.cfgm = cfgm
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	a.bus = eventbus.New()
	a.httpEnabled = s.HTTPEnabled
	a.httpAddr = s.HTTPAddr

	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	st, err := storage.Open(storageConfig(s), log)
	if err != nil {
		return fail(err)
	}
	a.store = st
	if st != nil {
		a.log.Info("storage enabled", logx.String("driver", s.StorageDriver))
	}

	if a.client == nil {
		hc, err := session.NewHTTPClient(s.CollaboratorURL, s.CollaboratorTimeout)
		if err != nil {
			return fail(err)
		}
		a.client = hc
	}

	lim, err := limiter.New(limiterConfig(s), log)
	if err != nil {
		return fail(err)
	}
	a.lim = lim

	a.notif = notifier.New(notifierConfig(s), a.client, log, a.bus, st)

	mgr, err := manager.New(manager.Options{
		Config:        managerConfig(s),
		Poller:        pollerConfig(s),
		PruneSchedule: s.PruneSchedule,
		Limiter:       lim,
		Client:        a.client,
		Notifier:      a.notif,
		Bus:           a.bus,
		Log:           log,
	})
	if err != nil {
		return fail(err)
	}
	a.mgr = mgr

	apiOpts := []httpapi.Option{httpapi.WithVersion(a.version), httpapi.WithToken(s.HTTPToken)}
	if s.HTTPPprof {
		apiOpts = append(apiOpts, httpapi.WithProfiler())
	}
	if st != nil {
		apiOpts = append(apiOpts, httpapi.WithAudit(st))
	}
	a.api = httpapi.New(mgr, log, apiOpts...)
	return a, nil
}

// Manager exposes the scheduler façade.
func (a *App) Manager() *manager.Manager { return a.mgr }

// Handler exposes the API router.
func (a *App) Handler() *httpapi.Server { return a.api }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.svcCtx, a.svcCancel = context.WithCancel(context.WithoutCancel(ctx))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, next *config.Snapshot) error {
		if next.Settings.Notifier.PersistDedup && a.store == nil {
			return errors.New("notifier.persist_dedup needs storage, which cannot be enabled without a restart")
		}
		if _, err := limiter.New(limiterConfig(next.Settings), logx.Nop()); err != nil {
			return fmt.Errorf("concurrency: %w", err)
		}
		return nil
	})

	a.notif.Start(a.svcCtx)
	a.mgr.Start(a.svcCtx)

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, "task.")
		// Tied to svcCtx so cancellations made during shutdown are recorded.
		a.sup.Go("audit", func(context.Context) error {
			defer unsub()
			a.auditLoop(a.svcCtx, events)
			return nil
		})
	}

	// Debug-level trace of every event for troubleshooting.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.httpEnabled {
		a.sup.Go("http", func(c context.Context) error {
			return a.api.Serve(c, a.httpAddr, 3*time.Second)
		})
	}

	a.log.Info("app started", logx.Int("agents", len(a.mgr.Agents())), logx.Bool("http", a.httpEnabled))
	return nil
}

// reloadLoop applies every committed config to the live components.
func (a *App) reloadLoop(c context.Context, sub <-chan *config.Snapshot) {
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.apply(last, next)
			last = next
		}
	}
}

func (a *App) apply(prev, next *config.Snapshot) {
	var prevS *config.Settings
	if prev != nil {
		prevS = prev.Settings
	}
	s := next.Settings
	sections, attrs := config.SummarizeChange(prevS, s)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(logConfig(s))
	if err := a.lim.Apply(limiterConfig(s)); err != nil {
		a.log.Warn("invalid concurrency config; keeping previous", logx.Err(err))
	}
	a.mgr.Apply(managerConfig(s))
	a.mgr.ApplyPoller(pollerConfig(s))
	a.notif.Apply(notifierConfig(s))

	if prevS != nil && prevS.PruneSchedule != s.PruneSchedule {
		a.log.Warn("scheduler.prune_schedule changed; restart required for it to take effect")
	}
	for _, sec := range sections {
		if strings.HasSuffix(sec, "(restart)") {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", strings.TrimSuffix(sec, "(restart)")))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop intake first so config reloads and API requests unwind.
	a.sup.Cancel()

	// Run one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log when it eventually finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	step("scheduler", 5*time.Second, a.mgr.Shutdown)
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.svcCancel()
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
