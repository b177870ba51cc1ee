// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package orchestration wires the DAG registry, state store, executor and
// scheduler of one etlflow process and exposes the operations the trigger
// surfaces (HTTP, Temporal, CLI) need.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"etlflow/internal/actions"
	"etlflow/internal/config"
	"etlflow/internal/executor"
	"etlflow/internal/scheduler"
	"etlflow/internal/store"
	"etlflow/internal/store/sqlstore"
	"etlflow/internal/telemetry"
	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Logger *slog.Logger

	// Store replaces the store selected by the configuration
	Store store.Store

	// ContainerRuntime enables the container action regardless of docker.enabled
	ContainerRuntime actions.ContainerAPI

	// Metrics replaces the Prometheus-backed instruments
	Metrics *telemetry.Metrics

	Clock executor.Clock
	Now   func() time.Time
}

// Coordinator owns the long-lived components of the process.
type Coordinator struct {
	cfg    *config.Config
	logger *slog.Logger

	dags      *dag.Registry
	actions   *actions.Registry
	store     store.Store
	executor  *executor.Executor
	scheduler *scheduler.Scheduler

	metrics        *telemetry.Metrics
	metricsHandler http.Handler

	// runs are driven under runCtx so that a trigger request ending does not
	// stop the run it created
	runCtx   context.Context
	stopRuns context.CancelFunc

	closers []func(context.Context) error
}

// NewCoordinator builds every component from cfg and loads the DAG files.
// The caller must Close the coordinator.
func NewCoordinator(ctx context.Context, cfg *config.Config, opts Options) (*Coordinator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		dags:    dag.NewRegistry(),
		metrics: opts.Metrics,
	}
	c.runCtx, c.stopRuns = context.WithCancel(context.Background())

	if err := c.initTelemetry(ctx); err != nil {
		c.Close(ctx)
		return nil, err
	}

	runtime := opts.ContainerRuntime
	if runtime == nil && cfg.Docker.Enabled {
		cli, err := actions.NewDockerClient()
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		runtime = cli
		c.closers = append(c.closers, func(context.Context) error { return cli.Close() })
	}
	c.actions = actions.NewDefaultRegistry(runtime)

	if _, err := c.Reload(); err != nil {
		c.Close(ctx)
		return nil, err
	}

	c.store = opts.Store
	if c.store == nil {
		s, err := openStore(ctx, cfg.Store)
		if err != nil {
			c.Close(ctx)
			return nil, err
		}
		c.store = s
	}

	c.executor = executor.New(c.store, c.dags, executor.Config{
		MaxConcurrentTasks: cfg.Executor.MaxConcurrentTasks,
		Clock:              opts.Clock,
		Logger:             logger,
		Metrics:            c.metrics,
	})
	c.scheduler = scheduler.New(c.dags, c.store, detachedSubmitter{c}, scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Logger:       logger,
		Metrics:      c.metrics,
		Now:          opts.Now,
	})
	return c, nil
}

func (c *Coordinator) initTelemetry(ctx context.Context) error {
	if c.cfg.Telemetry.Tracing {
		tcfg := telemetry.DefaultConfig()
		tcfg.CollectorURL = c.cfg.Telemetry.OTLPEndpoint
		tp, err := telemetry.NewTracerProvider(ctx, tcfg)
		if err != nil {
			return fmt.Errorf("failed to init tracing: %w", err)
		}
		c.closers = append(c.closers, tp.Shutdown)
	}
	if c.metrics == nil && c.cfg.Telemetry.Metrics {
		handler, m, shutdown, err := telemetry.InitMetrics()
		if err != nil {
			return fmt.Errorf("failed to init metrics: %w", err)
		}
		c.metrics = m
		c.metricsHandler = handler
		c.closers = append(c.closers, shutdown)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Driver == "memory" {
		return store.NewMemoryStore(), nil
	}
	s, err := sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return s, nil
}

type detachedSubmitter struct {
	c *Coordinator
}

func (s detachedSubmitter) Submit(_ context.Context, d *dag.DAG, r *types.Run) error {
	return s.c.executor.Submit(s.c.runCtx, d, r)
}

// Reload re-reads the DAG files and replaces the registered set. On any file
// error the previous set stays registered.
func (c *Coordinator) Reload() (dag.LoadResult, error) {
	dags, err := config.LoadDAGs(c.cfg.DAGPaths, c.actions)
	if err != nil {
		return dag.LoadResult{}, fmt.Errorf("failed to load DAGs: %w", err)
	}
	res, err := c.dags.Load(dags)
	if err != nil {
		return dag.LoadResult{}, err
	}
	c.logger.Info("DAGs loaded",
		"count", len(dags),
		"added", res.Added,
		"updated", res.Updated,
		"removed", res.Removed)
	return res, nil
}

// Run resumes the active runs found in the store and schedules until ctx is
// cancelled. In-flight runs are then stopped and stay active for the next
// process to resume.
func (c *Coordinator) Run(ctx context.Context) error {
	resumed, err := c.executor.Resume(c.runCtx)
	if err != nil {
		return err
	}
	if len(resumed) > 0 {
		c.logger.Info("Resumed active runs", "count", len(resumed))
	}

	err = c.scheduler.Start(ctx)
	c.stopRuns()
	c.executor.Wait()
	return err
}

// Close stops every run driver and releases the store and telemetry.
func (c *Coordinator) Close(ctx context.Context) error {
	c.stopRuns()
	if c.executor != nil {
		c.executor.Wait()
	}

	var errs []error
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close state store: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// DAGs returns the registered DAGs sorted by name.
func (c *Coordinator) DAGs() []*dag.DAG {
	return c.dags.List()
}

// DAG returns the current definition of name.
func (c *Coordinator) DAG(name string) (*dag.DAG, bool) {
	return c.dags.Get(name)
}

// Trigger creates (or finds) the run of a DAG for an explicit window.
func (c *Coordinator) Trigger(ctx context.Context, req scheduler.TriggerRequest) (scheduler.TriggerResult, error) {
	return c.scheduler.Trigger(ctx, req)
}

// Tick runs one scheduling pass at now.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) ([]*types.Run, error) {
	return c.scheduler.Tick(ctx, now)
}

// Abort cancels a run.
func (c *Coordinator) Abort(ctx context.Context, runID string) error {
	return c.executor.Abort(ctx, runID)
}

// GetRun returns the run with the given ID.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	return c.store.GetRunByID(ctx, runID)
}

// RunForWindow returns the run of dagName for window.
func (c *Coordinator) RunForWindow(ctx context.Context, dagName string, window types.Window) (*types.Run, error) {
	return c.store.GetRun(ctx, dagName, window)
}

// Runs lists the runs of a registered DAG, latest window first.
func (c *Coordinator) Runs(ctx context.Context, dagName string, limit int) ([]*types.Run, error) {
	if _, ok := c.dags.Get(dagName); !ok {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownDAG, dagName)
	}
	return c.store.ListRuns(ctx, dagName, limit)
}

// ActiveRuns lists every non-terminal run.
func (c *Coordinator) ActiveRuns(ctx context.Context) ([]*types.Run, error) {
	return c.store.ListActiveRuns(ctx)
}

// History returns the recorded transitions of a run.
func (c *Coordinator) History(ctx context.Context, runID string) ([]types.Transition, error) {
	return c.store.History(ctx, runID)
}

// MetricsHandler serves /metrics, or is nil when metrics are disabled.
func (c *Coordinator) MetricsHandler() http.Handler {
	return c.metricsHandler
}

// Executing returns the IDs of runs driven by this process right now.
func (c *Coordinator) Executing() []string {
	return c.executor.Active()
}
