// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Shared activity timeout constants
const (
	// TriggerStartToCloseTimeout bounds one trigger or status activity
	TriggerStartToCloseTimeout = time.Minute

	// TriggerMaxAttempts is the retry count for store and transport errors
	TriggerMaxAttempts = 5

	// DefaultPollInterval is how often TriggerRunWorkflow checks a run it waits for
	DefaultPollInterval = 30 * time.Second
)

// ErrTypeInvalidTrigger marks application errors that retrying cannot fix:
// unknown DAGs and invalid windows.
const ErrTypeInvalidTrigger = "InvalidTrigger"

// GetTriggerActivityOptions returns activity options for trigger and status activities.
// Creating a run is idempotent per (DAG, window), so transient failures are retried.
func GetTriggerActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: TriggerStartToCloseTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        TriggerMaxAttempts,
			NonRetryableErrorTypes: []string{ErrTypeInvalidTrigger},
		},
	}
}

// WithTriggerOptions applies trigger activity options to the workflow context.
func WithTriggerOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, GetTriggerActivityOptions())
}
