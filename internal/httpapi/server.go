// Package httpapi serves the admin surface: schedule inspection and
// control, manual triggers, and run history queries. It is a thin JSON
// layer; all decisions live in the scheduler and the runner.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"newswatch/internal/runner"
	"newswatch/internal/scheduler"
	"newswatch/internal/storage"
	logx "newswatch/pkg/logx"
)

// Config controls the HTTP server.
type Config struct {
	Addr string // default ":8080"
}

// Server hosts the admin API.
type Server struct {
	cfg   Config
	sched *scheduler.Service
	store storage.Store
	log   logx.Logger

	srv *http.Server
}

func New(cfg Config, sched *scheduler.Service, store storage.Store, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, sched: sched, store: store, log: log}
}

// Router builds the chi router. Exposed separately so tests can drive
// handlers through httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/schedules", s.handleListSchedules)
		r.Patch("/schedules/{category}", s.handleUpdateSchedule)
		r.Post("/schedules/{category}/pause", s.handlePause)
		r.Post("/schedules/{category}/resume", s.handleResume)

		r.Post("/runs/trigger", s.handleTrigger)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/latest", s.handleLatestRuns)
		r.Get("/runs/stats", s.handleRunStats)
		r.Get("/runs/{id}", s.handleGetRun)
	})
	return r
}

// Start binds and serves in the background.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", s.cfg.Addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)))
	})
}

// mapTriggerError translates runner errors into status codes.
func mapTriggerError(err error) (int, string) {
	switch {
	case errors.Is(err, runner.ErrRunConflict):
		return http.StatusConflict, "a run for this category is already in progress"
	case errors.Is(err, runner.ErrUnknownCategory):
		return http.StatusNotFound, "unknown category"
	default:
		return http.StatusInternalServerError, errMessageInternal
	}
}
