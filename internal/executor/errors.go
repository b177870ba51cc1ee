// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is the cause recorded when an action exceeds its task timeout.
	ErrTimeout = errors.New("task timed out")

	// ErrRunNotActive is returned by Abort for a run that already finished.
	ErrRunNotActive = errors.New("run is not active")

	// ErrStalled means a run has non-terminal tasks but nothing can make progress.
	ErrStalled = errors.New("run stalled")

	// ErrInterrupted is recorded for attempts that were Running when the process stopped.
	ErrInterrupted = errors.New("attempt interrupted by executor restart")
)

// TaskExecutionError wraps the error an action reported for one attempt.
type TaskExecutionError struct {
	Task    string
	Attempt int
	Err     error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d: %v", e.Task, e.Attempt, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }
