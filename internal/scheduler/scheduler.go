// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package scheduler decides when runs should exist.
//
// On every tick the scheduler walks the registry and, for each scheduled DAG,
// creates the runs whose logical window has closed. The store's uniqueness of
// (DAG, window) makes scheduling idempotent: re-evaluating a window, or
// restarting the process, never produces a second run for it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"etlflow/internal/run"
	"etlflow/internal/store"
	"etlflow/internal/telemetry"
	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

var (
	// ErrUnknownDAG is returned by Trigger for a DAG that is not registered.
	ErrUnknownDAG = errors.New("unknown dag")

	// ErrInvalidWindow is returned by Trigger for an empty or inverted window.
	ErrInvalidWindow = errors.New("invalid window")
)

const (
	// DefaultTickInterval is how often Start evaluates schedules.
	DefaultTickInterval = 30 * time.Second

	// maxWindowsPerTick caps how many runs one DAG can receive in a single
	// tick; the rest are created on following ticks.
	maxWindowsPerTick = 500
)

// Submitter hands a newly created run to whatever executes it.
type Submitter interface {
	Submit(ctx context.Context, d *dag.DAG, r *types.Run) error
}

// Config tunes a Scheduler.
type Config struct {
	TickInterval time.Duration
	Logger       *slog.Logger
	Metrics      *telemetry.Metrics

	// Now overrides the wall clock
	Now func() time.Time
}

// TriggerRequest asks for a run of DAG over Window.
type TriggerRequest struct {
	DAG    string            `json:"dag"`
	Window types.Window      `json:"window"`
	Params map[string]string `json:"params,omitempty"`
}

// TriggerResult identifies the run that serves a trigger. Created is false
// when a run for the same window already existed.
type TriggerResult struct {
	RunID   string         `json:"run_id"`
	DAG     string         `json:"dag"`
	Window  types.Window   `json:"window"`
	State   types.RunState `json:"state"`
	Created bool           `json:"created"`
}

// Scheduler creates runs for due windows and manual triggers.
type Scheduler struct {
	registry  *dag.Registry
	store     store.Store
	submitter Submitter
	cfg       Config
	logger    *slog.Logger

	mu sync.Mutex
	// anchors holds the first window start of DAGs without a start date or
	// any previous run, fixed when the scheduler first sees them
	anchors map[string]time.Time
}

// New creates a Scheduler over an explicit registry.
func New(registry *dag.Registry, s store.Store, submitter Submitter, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry:  registry,
		store:     s,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		anchors:   make(map[string]time.Time),
	}
}

// Start ticks until ctx is cancelled. The first tick happens immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("Scheduler started", "tick_interval", s.cfg.TickInterval)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx, s.cfg.Now()); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick evaluates every scheduled DAG once at now and returns the runs it
// created. A failure for one DAG does not prevent the others from being
// scheduled; all failures are joined in the returned error.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) ([]*types.Run, error) {
	now = now.UTC()
	active, err := s.store.ListActiveRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	activeByDAG := make(map[string]int)
	for _, r := range active {
		activeByDAG[r.DAG]++
	}

	var created []*types.Run
	var errs []error
	for _, d := range s.registry.List() {
		if d.Manual() {
			continue
		}
		runs, err := s.scheduleDAG(ctx, d, activeByDAG[d.Name], now)
		created = append(created, runs...)
		if err != nil {
			errs = append(errs, fmt.Errorf("dag %s: %w", d.Name, err))
		}
	}
	return created, errors.Join(errs...)
}

func (s *Scheduler) scheduleDAG(ctx context.Context, d *dag.DAG, active int, now time.Time) ([]*types.Run, error) {
	slots := maxWindowsPerTick
	if d.MaxActiveRuns > 0 {
		slots = min(slots, d.MaxActiveRuns-active)
	}
	if slots <= 0 {
		return nil, nil
	}

	from, err := s.nextStart(ctx, d, now)
	if err != nil {
		return nil, err
	}

	// windows already taken by manual triggers do not use a slot
	var windows []types.Window
	if d.Catchup {
		windows = dueWindows(d.Schedule, from, now, maxWindowsPerTick)
	} else if w, ok := latestDueWindow(d.Schedule, from, now); ok {
		windows = []types.Window{w}
	}

	var created []*types.Run
	for _, w := range windows {
		if len(created) >= slots {
			break
		}
		r, ok, err := s.createRun(ctx, d, w, nil, now, types.TriggerScheduled)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, r)
		}
	}
	return created, nil
}

// nextStart returns the start of the first window that may still need a run:
// the end of the latest scheduled window, floored by the start date. Manual
// runs never move the watermark.
func (s *Scheduler) nextStart(ctx context.Context, d *dag.DAG, now time.Time) (time.Time, error) {
	var floor time.Time
	if !d.StartDate.IsZero() {
		floor = align(d.Schedule, d.StartDate.UTC())
	}

	latest, err := s.store.LatestScheduledRun(ctx, d.Name)
	switch {
	case err == nil:
		// a redefined cron schedule resumes on its own boundaries
		if next := align(d.Schedule, latest.Window.End); next.After(floor) {
			return next, nil
		}
		return floor, nil
	case !errors.Is(err, store.ErrNotFound):
		return time.Time{}, fmt.Errorf("failed to read latest scheduled run: %w", err)
	}

	if !floor.IsZero() {
		return floor, nil
	}
	return s.anchor(d, now), nil
}

// anchor fixes the first window of a DAG that has neither a start date nor a
// previous run to the window containing the moment it was first seen.
func (s *Scheduler) anchor(d *dag.DAG, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.anchors[d.Name]; ok {
		return a
	}
	var a time.Time
	if every, ok := d.Schedule.(Every); ok {
		a = now.Truncate(time.Duration(every))
	} else {
		a = align(d.Schedule, now)
	}
	s.anchors[d.Name] = a
	s.logger.Info("Anchored schedule", "dag", d.Name, "schedule", d.Schedule.String(), "first_window_start", a)
	return a
}

// dueWindows lists up to limit consecutive windows starting at from whose end
// is not after now, oldest first.
func dueWindows(sched Schedule, from, now time.Time, limit int) []types.Window {
	var out []types.Window
	start := from
	for len(out) < limit {
		end := sched.Next(start)
		if !end.After(start) || end.After(now) {
			break
		}
		out = append(out, types.NewWindow(start, end))
		start = end
	}
	return out
}

// latestDueWindow returns the most recent window starting at or after from
// that has closed by now.
func latestDueWindow(sched Schedule, from, now time.Time) (types.Window, bool) {
	if every, ok := sched.(Every); ok {
		d := time.Duration(every)
		n := now.Sub(from) / d
		if n < 1 {
			return types.Window{}, false
		}
		start := from.Add((n - 1) * d)
		return types.NewWindow(start, start.Add(d)), true
	}

	var last types.Window
	found := false
	start := from
	for {
		end := sched.Next(start)
		if !end.After(start) || end.After(now) {
			break
		}
		last, found = types.NewWindow(start, end), true
		start = end
	}
	return last, found
}

// Trigger creates a run for an explicit window regardless of the DAG's
// schedule or max_active_runs. Triggering a window that already has a run
// returns that run with Created false.
func (s *Scheduler) Trigger(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	d, ok := s.registry.Get(req.DAG)
	if !ok {
		return TriggerResult{}, fmt.Errorf("%w: %s", ErrUnknownDAG, req.DAG)
	}
	w := types.NewWindow(req.Window.Start, req.Window.End)
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return TriggerResult{}, fmt.Errorf("%w: %s", ErrInvalidWindow, w)
	}

	r, created, err := s.createRun(ctx, d, w, req.Params, s.cfg.Now(), types.TriggerManual)
	if err != nil {
		return TriggerResult{}, err
	}
	return TriggerResult{
		RunID:   r.ID,
		DAG:     r.DAG,
		Window:  r.Window,
		State:   r.State,
		Created: created,
	}, nil
}

// createRun inserts a run for (d, w) and submits it. An existing run for the
// window is returned with created false and is not resubmitted.
func (s *Scheduler) createRun(ctx context.Context, d *dag.DAG, w types.Window, params map[string]string, now time.Time, trigger types.RunTrigger) (*types.Run, bool, error) {
	fresh := run.New(d, w, maps.Clone(params), now)
	fresh.Trigger = trigger
	r, err := s.store.CreateRun(ctx, fresh)
	if errors.Is(err, store.ErrAlreadyExists) && r != nil {
		s.logger.Debug("Run already exists", "dag", d.Name, "window", w.String(), "run_id", r.ID)
		return r, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create run for %s: %w", w, err)
	}

	s.cfg.Metrics.RunCreated(ctx, d.Name, string(trigger))
	s.logger.Info("Run created", "dag", d.Name, "window", w.String(), "run_id", r.ID, "trigger", trigger)

	if err := s.submitter.Submit(ctx, d, r); err != nil {
		return r, true, fmt.Errorf("failed to submit run %s: %w", r.ID, err)
	}
	return r, true, nil
}
