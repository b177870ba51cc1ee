// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package run

import (
	"time"

	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

// The constructors below build the transitions the executor records. Each one
// carries the instance's current state as From so the store can reject stale writes.

// Start dispatches a Pending instance, consuming one attempt.
func Start(runID string, ti *types.TaskInstance, now time.Time) types.Transition {
	return types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      types.TaskRunning,
		Attempt: ti.Attempt + 1,
		At:      now,
	}
}

// Succeed records a successful attempt.
func Succeed(runID string, ti *types.TaskInstance, output string, now time.Time) types.Transition {
	return types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      types.TaskSucceeded,
		Attempt: ti.Attempt,
		Output:  output,
		At:      now,
	}
}

// Skip records an action that asked to be skipped.
func Skip(runID string, ti *types.TaskInstance, reason string, now time.Time) types.Transition {
	return types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      types.TaskSkipped,
		Attempt: ti.Attempt,
		Error:   reason,
		At:      now,
	}
}

// Fail records a failed attempt. When the policy allows another attempt the
// transition carries RetryAt and the instance stays retry-pending.
func Fail(runID string, ti *types.TaskInstance, cause error, policy dag.RetryPolicy, now time.Time) types.Transition {
	tr := types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      types.TaskFailed,
		Attempt: ti.Attempt,
		At:      now,
	}
	if cause != nil {
		tr.Error = cause.Error()
	}
	if policy.CanRetry(ti.Attempt) {
		retryAt := now.Add(policy.DelayFor(ti.Attempt)).UTC()
		tr.RetryAt = &retryAt
	}
	return tr
}

// Requeue returns a retry-pending instance to Pending.
func Requeue(runID string, ti *types.TaskInstance, now time.Time) types.Transition {
	return types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      types.TaskPending,
		Attempt: ti.Attempt,
		At:      now,
	}
}

// Release hands back an attempt that was cancelled because the executor is
// stopping. The instance returns to Pending and the attempt is not counted.
func Release(runID string, ti *types.TaskInstance, now time.Time) types.Transition {
	return types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      types.TaskPending,
		Attempt: ti.Attempt - 1,
		At:      now,
	}
}

// Block moves a Pending instance that can never run into the given state
// without consuming an attempt.
func Block(runID string, ti *types.TaskInstance, to types.TaskState, reason string, now time.Time) types.Transition {
	return types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      to,
		Attempt: ti.Attempt,
		Error:   reason,
		At:      now,
	}
}

// Cancel marks a non-terminal instance Cancelled with the given reason.
func Cancel(runID string, ti *types.TaskInstance, reason string, now time.Time) types.Transition {
	return types.Transition{
		RunID:   runID,
		Task:    ti.Task,
		From:    ti.State,
		To:      types.TaskCancelled,
		Attempt: ti.Attempt,
		Error:   reason,
		At:      now,
	}
}
