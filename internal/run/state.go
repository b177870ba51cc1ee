// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package run implements the task instance and run state machines.
package run

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

// ErrInvalidTransition is returned for a state change the machine does not allow.
var ErrInvalidTransition = errors.New("invalid task state transition")

var allowed = map[types.TaskState][]types.TaskState{
	types.TaskPending: {types.TaskRunning, types.TaskUpstreamFailed, types.TaskSkipped, types.TaskCancelled},
	// Pending only when a graceful stop hands the attempt back
	types.TaskRunning: {types.TaskSucceeded, types.TaskFailed, types.TaskSkipped, types.TaskCancelled, types.TaskPending},
	// only while a retry is pending
	types.TaskFailed: {types.TaskPending, types.TaskCancelled},
}

// Validate checks that ti may move to the given state.
func Validate(ti *types.TaskInstance, to types.TaskState) error {
	if ti.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal (%s -> %s)", ErrInvalidTransition, ti.Task, ti.State, to)
	}
	for _, s := range allowed[ti.State] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, ti.Task, ti.State, to)
}

// New builds a fresh run for d and window with every task Pending.
func New(d *dag.DAG, window types.Window, params map[string]string, now time.Time) *types.Run {
	r := &types.Run{
		ID:         uuid.NewString(),
		DAG:        d.Name,
		DAGVersion: d.Version,
		Window:     types.NewWindow(window.Start, window.End),
		State:      types.RunRunning,
		CreatedAt:  now.UTC(),
		Tasks:      make(map[string]*types.TaskInstance, len(d.Tasks())),
	}
	if len(params) > 0 {
		r.Params = make(map[string]string, len(params))
		for k, v := range params {
			r.Params[k] = v
		}
	}
	for _, name := range d.TaskNames() {
		r.Tasks[name] = &types.TaskInstance{Task: name, State: types.TaskPending}
	}
	return r
}

// Aggregate derives the run state from its task instances. A run stays
// Running while any instance is not terminal.
func Aggregate(r *types.Run) types.RunState {
	if r.State == types.RunCancelled {
		return types.RunCancelled
	}
	failed, cancelled := false, false
	for _, ti := range r.Tasks {
		if !ti.IsTerminal() {
			return types.RunRunning
		}
		switch ti.State {
		case types.TaskFailed, types.TaskUpstreamFailed:
			failed = true
		case types.TaskCancelled:
			cancelled = true
		}
	}
	switch {
	case failed:
		return types.RunFailed
	case cancelled:
		return types.RunCancelled
	default:
		return types.RunSucceeded
	}
}

// Failure describes why a run failed.
type Failure struct {
	Task     string `json:"task"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// FailureSummary returns the terminally failed tasks of r, earliest failure
// first, or nil when no task failed. Tasks that never ran (upstream_failed)
// are not listed.
func FailureSummary(r *types.Run) []Failure {
	var failed []*types.TaskInstance
	for _, ti := range r.Tasks {
		if ti.State == types.TaskFailed && ti.IsTerminal() {
			failed = append(failed, ti)
		}
	}
	sort.Slice(failed, func(i, j int) bool {
		a, b := failed[i], failed[j]
		if a.EndedAt != nil && b.EndedAt != nil && !a.EndedAt.Equal(*b.EndedAt) {
			return a.EndedAt.Before(*b.EndedAt)
		}
		return a.Task < b.Task
	})
	var out []Failure
	for _, ti := range failed {
		out = append(out, Failure{Task: ti.Task, Attempts: ti.Attempt, Error: ti.LastError})
	}
	return out
}
