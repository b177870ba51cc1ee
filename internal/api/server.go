// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package api serves the HTTP trigger and status endpoints.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"etlflow/internal/scheduler"
	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

// Service is the set of orchestration operations the API exposes.
type Service interface {
	DAGs() []*dag.DAG
	DAG(name string) (*dag.DAG, bool)
	Trigger(ctx context.Context, req scheduler.TriggerRequest) (scheduler.TriggerResult, error)
	Abort(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	RunForWindow(ctx context.Context, dagName string, window types.Window) (*types.Run, error)
	Runs(ctx context.Context, dagName string, limit int) ([]*types.Run, error)
	ActiveRuns(ctx context.Context) ([]*types.Run, error)
	History(ctx context.Context, runID string) ([]types.Transition, error)
}

// Options configures the router.
type Options struct {
	Logger *slog.Logger

	// TriggerRate limits run creation requests per second; zero disables it
	TriggerRate  float64
	TriggerBurst int

	// Metrics is mounted at /metrics when set
	Metrics http.Handler
}

// Server is the HTTP server for the API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewRouter builds the chi router over svc.
func NewRouter(svc Service, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger.With("component", "api")}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(h.logger))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", h.healthz)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics)
	}

	var limiter *rate.Limiter
	if opts.TriggerRate > 0 {
		burst := opts.TriggerBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.TriggerRate), burst)
	}

	router.Route("/api", func(r chi.Router) {
		r.Get("/dags", h.listDAGs)
		r.Get("/dags/{dag}", h.getDAG)
		r.With(rateLimit(limiter)).Post("/dags/{dag}/runs", h.triggerRun)
		r.Get("/dags/{dag}/runs", h.listRuns)
		r.Get("/dags/{dag}/run", h.runForWindow)

		r.Get("/runs/active", h.activeRuns)
		r.Get("/runs/{runID}", h.getRun)
		r.Get("/runs/{runID}/history", h.history)
		r.Post("/runs/{runID}/abort", h.abortRun)
	})

	return router
}

// NewServer creates a server listening on addr.
func NewServer(addr string, svc Service, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(svc, opts),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
