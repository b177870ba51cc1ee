// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package executor drives runs to completion.
//
// Each active run has exactly one driver goroutine. The driver is the only
// code that writes the run's task transitions: it recomputes readiness after
// every state change, dispatches ready tasks to workers bounded by a global
// and a per-DAG limit, records results, schedules retries and cascades
// blocked states. Workers only execute actions and report back.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"etlflow/internal/run"
	"etlflow/internal/store"
	"etlflow/internal/telemetry"
	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

const tracerName = "etlflow.executor"

// Configuration defaults
const (
	DefaultMaxConcurrentTasks = 16
	DefaultMaxConflictRetries = 5
)

// ErrRunActive is returned by Execute when the run already has a driver.
var ErrRunActive = errors.New("run is already being executed")

// Config tunes an Executor.
type Config struct {
	// MaxConcurrentTasks bounds task attempts running at once across all runs
	MaxConcurrentTasks int

	// MaxConflictRetries bounds reload-and-retry cycles for one stale write
	MaxConflictRetries int

	Clock   Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Executor runs DAG runs against a state store.
type Executor struct {
	store    store.Store
	registry *dag.Registry
	cfg      Config
	logger   *slog.Logger
	clock    Clock
	global   *semaphore.Weighted

	mu       sync.Mutex
	runs     map[string]*runHandle
	dagSems  map[string]limitedSem
	limiters map[string]*rate.Limiter
	wg       sync.WaitGroup
}

type runHandle struct {
	abort chan struct{}
	once  sync.Once
	done  chan struct{}
}

func (h *runHandle) requestAbort() {
	h.once.Do(func() { close(h.abort) })
}

type limitedSem struct {
	limit int
	sem   *semaphore.Weighted
}

// New creates an Executor. The registry is used by Resume to find the DAG of
// each active run.
func New(s store.Store, registry *dag.Registry, cfg Config) *Executor {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:    s,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "executor"),
		clock:    cfg.Clock,
		global:   semaphore.NewWeighted(int64(cfg.MaxConcurrentTasks)),
		runs:     make(map[string]*runHandle),
		dagSems:  make(map[string]limitedSem),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Submit starts driving r in the background. Submitting a run that already
// has a driver is a no-op.
func (e *Executor) Submit(ctx context.Context, d *dag.DAG, r *types.Run) error {
	h, ok := e.register(r.ID)
	if !ok {
		return nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release(r.ID, h)
		if _, err := e.drive(ctx, d, r.ID, h); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("Run driver stopped", "dag", d.Name, "run_id", r.ID, "error", err)
		}
	}()
	return nil
}

// Execute drives the run synchronously until it is terminal, ctx is done or
// a store error stops it. It returns the last known state of the run.
func (e *Executor) Execute(ctx context.Context, d *dag.DAG, runID string) (*types.Run, error) {
	h, ok := e.register(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	defer e.release(runID, h)
	return e.drive(ctx, d, runID, h)
}

// Abort stops dispatching new tasks of the run, lets in-flight attempts
// finish, marks every other non-terminal task Cancelled and the run Cancelled.
// If the run has no driver in this process the abort is carried out before
// Abort returns. A run whose DAG is no longer registered, or no longer has the
// run's tasks, is cancelled straight from its stored state.
func (e *Executor) Abort(ctx context.Context, runID string) error {
	e.mu.Lock()
	h, ok := e.runs[runID]
	e.mu.Unlock()
	if ok {
		e.logger.Info("Abort requested", "run_id", runID)
		h.requestAbort()
		return nil
	}

	r, err := e.store.GetRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if r.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunNotActive, runID, r.State)
	}

	d, ok := e.registry.Get(r.DAG)
	if !ok || !sameTasks(d, r) {
		e.logger.Info("Abort requested for run without a matching DAG definition", "dag", r.DAG, "run_id", runID)
		_, err := e.cancelDetached(ctx, runID, "run aborted")
		if errors.Is(err, ErrRunActive) {
			return e.Abort(ctx, runID)
		}
		return err
	}

	h, ok = e.register(runID)
	if !ok {
		// a driver appeared in the meantime
		return e.Abort(ctx, runID)
	}
	defer e.release(runID, h)
	h.requestAbort()
	_, err = e.drive(ctx, d, runID, h)
	return err
}

// Resume drives every active run found in the store. Attempts that were
// Running when the previous process died are recorded as failed attempts and
// retried according to their policy. Runs whose DAG was redefined with a
// different set of tasks can never finish and are cancelled.
func (e *Executor) Resume(ctx context.Context) ([]string, error) {
	runs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}

	var resumed []string
	for _, r := range runs {
		d, ok := e.registry.Get(r.DAG)
		if !ok {
			e.logger.Warn("Skipping active run of unregistered DAG", "dag", r.DAG, "run_id", r.ID)
			continue
		}
		if !sameTasks(d, r) {
			e.logger.Warn("Cancelling active run whose tasks no longer match the DAG definition",
				"dag", r.DAG, "run_id", r.ID, "dag_version", d.Version, "run_dag_version", r.DAGVersion)
			reason := fmt.Sprintf("dag %s was redefined with different tasks", r.DAG)
			if _, err := e.cancelDetached(ctx, r.ID, reason); err != nil && !errors.Is(err, ErrRunActive) {
				return resumed, err
			}
			continue
		}
		e.logger.Info("Resuming run", "dag", r.DAG, "run_id", r.ID, "window", r.Window.String())
		if err := e.Submit(ctx, d, r); err != nil {
			return resumed, err
		}
		resumed = append(resumed, r.ID)
	}
	return resumed, nil
}

// cancelDetached cancels a run without a DAG definition to drive it: every
// non-terminal instance is marked Cancelled from the stored run and the run
// is finished Cancelled.
func (e *Executor) cancelDetached(ctx context.Context, runID, reason string) (*types.Run, error) {
	h, ok := e.register(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	defer e.release(runID, h)

	r, err := e.store.GetRunByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if r.State.IsTerminal() {
		return r, nil
	}

	names := make([]string, 0, len(r.Tasks))
	for name := range r.Tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	now := e.clock.Now()
	for _, name := range names {
		r, _, err = e.record(ctx, r, name, func(ti *types.TaskInstance) (types.Transition, bool) {
			if ti.IsTerminal() {
				return types.Transition{}, false
			}
			return run.Cancel(runID, ti, reason, now), true
		})
		if err != nil {
			return r, err
		}
	}

	r, err = e.store.FinishRun(ctx, runID, types.RunCancelled, now)
	if err != nil {
		return nil, fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	e.cfg.Metrics.RunFinished(ctx, r.DAG, string(types.RunCancelled))
	e.logger.Info("Run cancelled", "dag", r.DAG, "run_id", runID, "reason", reason)
	return r, nil
}

// record builds a transition from the current view of task in r and writes
// it. On a conflict the run is reloaded and the transition rebuilt; build
// returns false when the reloaded state no longer calls for a write. The
// latest known run is always returned.
func (e *Executor) record(ctx context.Context, r *types.Run, task string, build func(*types.TaskInstance) (types.Transition, bool)) (*types.Run, bool, error) {
	for i := 0; ; i++ {
		ti := r.Task(task)
		if ti == nil {
			return r, false, fmt.Errorf("run %s has no task %s", r.ID, task)
		}
		tr, ok := build(ti)
		if !ok {
			return r, false, nil
		}
		updated, err := e.store.RecordTransition(ctx, tr)
		if err == nil {
			return updated, true, nil
		}
		if !errors.Is(err, store.ErrConflict) || i >= e.cfg.MaxConflictRetries {
			return r, false, fmt.Errorf("failed to record %s -> %s for task %s: %w", tr.From, tr.To, task, err)
		}
		e.logger.Debug("Stale write; reloading run", "run_id", r.ID, "task", task, "error", err)
		fresh, gerr := e.store.GetRunByID(ctx, r.ID)
		if gerr != nil {
			return r, false, fmt.Errorf("failed to reload run %s: %w", r.ID, gerr)
		}
		r = fresh
	}
}

// Active returns the IDs of runs that currently have a driver.
func (e *Executor) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every background driver has returned.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) register(runID string) (*runHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[runID]; ok {
		return nil, false
	}
	h := &runHandle{abort: make(chan struct{}), done: make(chan struct{})}
	e.runs[runID] = h
	return h, true
}

func (e *Executor) release(runID string, h *runHandle) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
	close(h.done)
}

// dagSemaphore returns the per-DAG limiter, or nil when the DAG has none.
func (e *Executor) dagSemaphore(d *dag.DAG) *semaphore.Weighted {
	if d.MaxConcurrentTasks <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ls, ok := e.dagSems[d.Name]
	if !ok || ls.limit != d.MaxConcurrentTasks {
		// a redefinition with a new limit gets a fresh semaphore; holders release the old one
		ls = limitedSem{limit: d.MaxConcurrentTasks, sem: semaphore.NewWeighted(int64(d.MaxConcurrentTasks))}
		e.dagSems[d.Name] = ls
	}
	return ls.sem
}

// dispatchLimiter returns the per-DAG start rate limiter, or nil when unlimited.
func (e *Executor) dispatchLimiter(d *dag.DAG) *rate.Limiter {
	if d.DispatchRate <= 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[d.Name]
	if !ok || float64(l.Limit()) != d.DispatchRate {
		l = rate.NewLimiter(rate.Limit(d.DispatchRate), 1)
		e.limiters[d.Name] = l
	}
	return l
}

func sameTasks(d *dag.DAG, r *types.Run) bool {
	names := d.TaskNames()
	if len(names) != len(r.Tasks) {
		return false
	}
	for _, n := range names {
		if _, ok := r.Tasks[n]; !ok {
			return false
		}
	}
	return true
}
