// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package types provides the shared run-state types used across etlflow.
//
// This package contains the records that cross package boundaries: the DAG
// engine, the state store, the HTTP API and the Temporal bridge all exchange
// these values. Types here should be:
// - Pure data structures (minimal behavior)
// - Serializable (JSON tags, no runtime handles)
// - Dependency-free: no imports from internal packages
package types

import (
	"fmt"
	"time"
)

// ============================================================================
// TASK INSTANCE STATES
// ============================================================================

// TaskState is the lifecycle state of one task within one run.
type TaskState string

const (
	// TaskPending means the task has not been dispatched (or is waiting to be retried).
	TaskPending TaskState = "pending"

	// TaskRunning means the action is executing.
	TaskRunning TaskState = "running"

	// TaskSucceeded means the action returned without error.
	TaskSucceeded TaskState = "succeeded"

	// TaskFailed means the last attempt failed. It is terminal only when no retry is pending.
	TaskFailed TaskState = "failed"

	// TaskUpstreamFailed means a dependency failed terminally; the task never ran.
	TaskUpstreamFailed TaskState = "upstream_failed"

	// TaskSkipped means the action asked to be skipped, or a skipped upstream propagated.
	TaskSkipped TaskState = "skipped"

	// TaskCancelled means the run was aborted before the task could finish.
	TaskCancelled TaskState = "cancelled"
)

// Valid reports whether s is a known task state.
func (s TaskState) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskSucceeded, TaskFailed,
		TaskUpstreamFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// ============================================================================
// RUN STATES
// ============================================================================

// RunState is the aggregate state of a run.
type RunState string

const (
	// RunRunning means at least one task instance is not terminal.
	RunRunning RunState = "running"

	// RunSucceeded means every task succeeded (or was skipped).
	RunSucceeded RunState = "succeeded"

	// RunFailed means a task failed terminally or was marked upstream_failed.
	RunFailed RunState = "failed"

	// RunCancelled means the run was aborted.
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether the run can no longer change.
func (s RunState) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Valid reports whether s is a known run state.
func (s RunState) Valid() bool {
	return s == RunRunning || s.IsTerminal()
}

// RunTrigger records what created a run.
type RunTrigger string

const (
	// TriggerScheduled marks runs created by the scheduler for a due window.
	TriggerScheduled RunTrigger = "scheduled"

	// TriggerManual marks runs created by an explicit trigger request.
	TriggerManual RunTrigger = "manual"
)

// ============================================================================
// LOGICAL WINDOW
// ============================================================================

// Window is the logical time interval [Start, End) that a run represents.
// It is distinct from the wall-clock time the run executes at.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow returns a window normalized to UTC.
func NewWindow(start, end time.Time) Window {
	return Window{Start: start.UTC(), End: end.UTC()}
}

// IsZero reports whether the window is unset.
func (w Window) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Duration returns End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Equal reports whether both boundaries are the same instant.
func (w Window) Equal(o Window) bool {
	return w.Start.Equal(o.Start) && w.End.Equal(o.End)
}

// String formats the window as start/end in RFC 3339.
func (w Window) String() string {
	return w.Start.UTC().Format(time.RFC3339Nano) + "/" + w.End.UTC().Format(time.RFC3339Nano)
}

// RunKey is the natural identity of a run: a DAG and a logical window.
type RunKey struct {
	DAG    string `json:"dag"`
	Window Window `json:"window"`
}

// String renders the key as dag@start/end.
func (k RunKey) String() string {
	return fmt.Sprintf("%s@%s", k.DAG, k.Window)
}

// ============================================================================
// TASK INSTANCE
// ============================================================================

// TaskInstance is the execution record of one task within one run.
// It is owned by exactly one Run and never shared.
type TaskInstance struct {
	// Task is the task name within the DAG
	Task string `json:"task"`

	// State is the current lifecycle state
	State TaskState `json:"state"`

	// Attempt counts dispatches; it is incremented when the task enters Running
	Attempt int `json:"attempt"`

	// LastError is the message of the most recent failed attempt
	LastError string `json:"last_error,omitempty"`

	// Output is the reference returned by a successful action
	Output string `json:"output,omitempty"`

	// RetryAt is set while a failed attempt waits to be retried
	RetryAt *time.Time `json:"retry_at,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// RetryPending reports whether the instance failed but will be retried.
func (ti *TaskInstance) RetryPending() bool {
	return ti.State == TaskFailed && ti.RetryAt != nil
}

// IsTerminal reports whether the instance can no longer change state.
func (ti *TaskInstance) IsTerminal() bool {
	switch ti.State {
	case TaskSucceeded, TaskSkipped, TaskUpstreamFailed, TaskCancelled:
		return true
	case TaskFailed:
		return ti.RetryAt == nil
	default:
		return false
	}
}

// Clone returns a deep copy.
func (ti *TaskInstance) Clone() *TaskInstance {
	if ti == nil {
		return nil
	}
	c := *ti
	c.RetryAt = cloneTime(ti.RetryAt)
	c.StartedAt = cloneTime(ti.StartedAt)
	c.EndedAt = cloneTime(ti.EndedAt)
	return &c
}

// ============================================================================
// RUN
// ============================================================================

// Run is one scheduled execution of a DAG for a logical window.
type Run struct {
	// ID is an opaque unique identifier used to address transitions
	ID string `json:"id"`

	// DAG is the name of the DAG this run executes
	DAG string `json:"dag"`

	// DAGVersion is the registry version of the DAG the run started with
	DAGVersion int64 `json:"dag_version"`

	// Window is the logical window the run represents
	Window Window `json:"window"`

	// State is the aggregate run state
	State RunState `json:"state"`

	// Trigger records whether the scheduler or a caller created the run
	Trigger RunTrigger `json:"trigger,omitempty"`

	// Params is the caller-supplied parameter bag (manual triggers)
	Params map[string]string `json:"params,omitempty"`

	// Version is incremented by the state store on every write
	Version int64 `json:"version"`

	CreatedAt time.Time  `json:"created_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// Tasks maps task name to its instance
	Tasks map[string]*TaskInstance `json:"tasks"`
}

// Key returns the natural identity of the run.
func (r *Run) Key() RunKey {
	return RunKey{DAG: r.DAG, Window: r.Window}
}

// Manual reports whether the run was created by an explicit trigger.
func (r *Run) Manual() bool {
	return r.Trigger == TriggerManual
}

// Task returns the instance for name, or nil.
func (r *Run) Task(name string) *TaskInstance {
	return r.Tasks[name]
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.EndedAt = cloneTime(r.EndedAt)
	if r.Params != nil {
		c.Params = make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			c.Params[k] = v
		}
	}
	c.Tasks = make(map[string]*TaskInstance, len(r.Tasks))
	for name, ti := range r.Tasks {
		c.Tasks[name] = ti.Clone()
	}
	return &c
}

// ============================================================================
// TRANSITIONS
// ============================================================================

// Transition is one durable state change of a task instance.
//
// A transition is applied only if the instance is currently in From; replaying
// a transition whose (RunID, Task, To, Attempt) already matches the stored
// instance is a no-op.
type Transition struct {
	RunID   string    `json:"run_id"`
	Task    string    `json:"task"`
	From    TaskState `json:"from"`
	To      TaskState `json:"to"`
	Attempt int       `json:"attempt"`

	// Error is recorded as the instance's LastError when non-empty
	Error string `json:"error,omitempty"`

	// Output is recorded on success
	Output string `json:"output,omitempty"`

	// RetryAt marks a failed attempt that will be retried
	RetryAt *time.Time `json:"retry_at,omitempty"`

	At time.Time `json:"at"`
}

// Apply writes the transition onto ti without validation.
func (t Transition) Apply(ti *TaskInstance) {
	at := t.At.UTC()
	ti.State = t.To
	ti.Attempt = t.Attempt
	ti.RetryAt = cloneTime(t.RetryAt)
	if t.Error != "" {
		ti.LastError = t.Error
	}
	switch t.To {
	case TaskRunning:
		ti.StartedAt = &at
		ti.EndedAt = nil
	case TaskSucceeded:
		ti.Output = t.Output
		ti.EndedAt = &at
	case TaskFailed, TaskUpstreamFailed, TaskSkipped, TaskCancelled:
		ti.EndedAt = &at
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
