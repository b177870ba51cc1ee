// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package store defines the durable record of runs and task transitions.
//
// The store is the single source of truth for run state. Writers are
// serialized per run by compare-and-set on the task instance's (state, attempt)
// and by a run version counter that every write increments. A transition that
// matches the stored (state, attempt) is accepted as a replay and changes nothing,
// so a crash between writing and acting can always be resumed.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"etlflow/internal/run"
	"etlflow/pkg/types"
)

var (
	// ErrNotFound is returned when a run or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned by CreateRun when (dag, window) already has a run.
	ErrAlreadyExists = errors.New("run already exists")

	// ErrConflict is returned when a write was based on stale state.
	ErrConflict = errors.New("state store conflict")
)

// Store persists runs and their task transitions.
type Store interface {
	// CreateRun inserts r. If a run for (r.DAG, r.Window) exists, the existing
	// run is returned together with ErrAlreadyExists. An ID that is already
	// taken by another window is rejected with ErrConflict and a nil run.
	CreateRun(ctx context.Context, r *types.Run) (*types.Run, error)

	GetRun(ctx context.Context, dag string, window types.Window) (*types.Run, error)
	GetRunByID(ctx context.Context, id string) (*types.Run, error)

	// RecordTransition applies tr atomically and returns the updated run.
	RecordTransition(ctx context.Context, tr types.Transition) (*types.Run, error)

	// FinishRun moves the run to a terminal state. Finishing an already
	// finished run with the same state is a no-op.
	FinishRun(ctx context.Context, runID string, state types.RunState, at time.Time) (*types.Run, error)

	// ListActiveRuns returns every run that is not terminal, oldest window first.
	ListActiveRuns(ctx context.Context) ([]*types.Run, error)

	// LatestScheduledRun returns the scheduler-created run of dag with the
	// latest window start. Manually triggered runs are ignored.
	LatestScheduledRun(ctx context.Context, dag string) (*types.Run, error)

	// ListRuns returns up to limit runs of dag, latest window first. limit <= 0 means all.
	ListRuns(ctx context.Context, dag string, limit int) ([]*types.Run, error)

	// History returns the recorded transitions of a run in order.
	History(ctx context.Context, runID string) ([]types.Transition, error)

	Close() error
}

// CheckTransition decides whether tr can be applied to ti.
// It returns noop=true for a replay of the instance's current (state, attempt).
func CheckTransition(ti *types.TaskInstance, tr types.Transition) (noop bool, err error) {
	if ti.State == tr.To && ti.Attempt == tr.Attempt {
		return true, nil
	}
	if ti.State != tr.From {
		return false, fmt.Errorf("%w: task %s is %s (attempt %d), transition expects %s",
			ErrConflict, ti.Task, ti.State, ti.Attempt, tr.From)
	}
	want := ti.Attempt
	switch {
	case tr.To == types.TaskRunning:
		want++
	case tr.From == types.TaskRunning && tr.To == types.TaskPending:
		// a released attempt is handed back
		want--
	}
	if tr.Attempt != want {
		return false, fmt.Errorf("%w: task %s attempt %d, transition carries %d",
			ErrConflict, ti.Task, ti.Attempt, tr.Attempt)
	}
	if err := run.Validate(ti, tr.To); err != nil {
		return false, fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return false, nil
}

// CheckFinish decides whether r may be finished with state.
func CheckFinish(r *types.Run, state types.RunState) (noop bool, err error) {
	if !state.IsTerminal() {
		return false, fmt.Errorf("cannot finish run %s with non-terminal state %q", r.ID, state)
	}
	if r.State == state {
		return true, nil
	}
	if r.State.IsTerminal() {
		return false, fmt.Errorf("%w: run %s already %s", ErrConflict, r.ID, r.State)
	}
	return false, nil
}
