// Package httpapi is the operator REST surface of delegatord.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"delegator/internal/storage"
	"delegator/internal/task"
	"delegator/internal/task/limiter"
	"delegator/internal/task/manager"
	"delegator/pkg/logx"
)

// Scheduler is the part of the task manager the API drives.
type Scheduler interface {
	Launch(ctx context.Context, parentSessionID, agentKind, prompt string) (string, error)
	Cancel(id string) (task.Snapshot, error)
	Get(id string) (task.Snapshot, error)
	List(parentSessionID string) []task.Snapshot
	Output(id string) (manager.Output, error)
	Limits() []limiter.Stats
	Agents() []manager.Agent
	Counts() map[task.Status]int
	Closing() bool
}

// AuditSource serves GET /audit. It may be nil when storage is disabled.
type AuditSource interface {
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

// Server routes API requests to the scheduler.
type Server struct {
	router    chi.Router
	log       logx.Logger
	sched     Scheduler
	audit     AuditSource
	startTime time.Time
	version   string
	token     string
	profiler  bool
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithAudit enables GET /api/v1/audit.
func WithAudit(a AuditSource) Option {
	return func(s *Server) { s.audit = a }
}

// WithToken requires "Authorization: Bearer <token>" (or ?token=) on every
// route except /health.
func WithToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

// WithProfiler mounts net/http/pprof under /debug.
func WithProfiler() Option {
	return func(s *Server) { s.profiler = true }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates a Server with all routes registered.
func New(sched Scheduler, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With(logx.String("comp", "httpapi")),
		sched:     sched,
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(s.log))
	r.Use(loggingMiddleware(s.log))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, RequestIDFromContext(r.Context()), http.StatusNotFound,
			&APIError{Code: CodeNotFound, Message: "no route for " + r.Method + " " + r.URL.Path})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(tokenMiddleware(s.token))
			r.Get("/limits", s.handleLimits)
			r.Get("/agents", s.handleAgents)
			r.Get("/audit", s.handleAudit)

			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.handleListTasks)
				r.Post("/", s.handleLaunch)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetTask)
					r.Get("/output", s.handleOutput)
					r.Delete("/", s.handleCancel)
				})
			})
		})
	})

	if s.profiler {
		r.Group(func(r chi.Router) {
			r.Use(tokenMiddleware(s.token))
			r.Mount("/debug", middleware.Profiler())
		})
	}
}

// Serve listens on addr until ctx is done, then drains in-flight requests
// for up to shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln, shutdownTimeout)
}

func (s *Server) serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	<-errCh
	s.log.Info("http api stopped", logx.Err(err))
	return err
}
