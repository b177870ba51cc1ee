// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package temporal bridges Temporal workflows to etlflow: a Temporal client
// can start TriggerRunWorkflow to create a run and optionally wait for it.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"etlflow/internal/run"
	"etlflow/internal/scheduler"
	"etlflow/internal/telemetry"
	"etlflow/pkg/types"
)

const tracerName = "etlflow/temporal"

// Orchestrator is the part of the coordinator the activities call.
type Orchestrator interface {
	Trigger(ctx context.Context, req scheduler.TriggerRequest) (scheduler.TriggerResult, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
}

// TriggerActivities creates runs and reports their state.
type TriggerActivities struct {
	Orchestrator Orchestrator
}

// RunStatus is the state of a run as seen by a workflow.
type RunStatus struct {
	RunID    string         `json:"run_id"`
	State    types.RunState `json:"state"`
	Failures []run.Failure  `json:"failures,omitempty"`
}

// TriggerRun creates the run for req, or returns the existing one.
func (a *TriggerActivities) TriggerRun(ctx context.Context, req scheduler.TriggerRequest) (scheduler.TriggerResult, error) {
	info := activity.GetInfo(ctx)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "temporal.trigger_run",
		trace.WithAttributes(telemetry.TemporalAttrs(info.WorkflowExecution.ID, info.TaskQueue)...),
		trace.WithAttributes(telemetry.AttrDAG.String(req.DAG), telemetry.AttrWindow.String(req.Window.String())))
	defer span.End()

	logger := activity.GetLogger(ctx)
	logger.Info("Triggering run", "dag", req.DAG, "window", req.Window.String())

	res, err := a.Orchestrator.Trigger(ctx, req)
	if err != nil {
		telemetry.RecordError(ctx, err)
		if errors.Is(err, scheduler.ErrUnknownDAG) || errors.Is(err, scheduler.ErrInvalidWindow) {
			return res, temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidTrigger, err)
		}
		logger.Error("Trigger failed", "dag", req.DAG, "error", err)
		return res, fmt.Errorf("failed to trigger %s: %w", req.DAG, err)
	}

	telemetry.AddAttributes(ctx, telemetry.AttrRunID.String(res.RunID))
	logger.Info("Run triggered", "dag", res.DAG, "run_id", res.RunID, "created", res.Created)
	return res, nil
}

// GetRunStatus returns the current state of a run.
func (a *TriggerActivities) GetRunStatus(ctx context.Context, runID string) (RunStatus, error) {
	r, err := a.Orchestrator.GetRun(ctx, runID)
	if err != nil {
		return RunStatus{}, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	st := RunStatus{RunID: r.ID, State: r.State}
	if r.State == types.RunFailed {
		st.Failures = run.FailureSummary(r)
	}
	return st, nil
}

// TriggerRunInput is the input of TriggerRunWorkflow.
type TriggerRunInput struct {
	Request scheduler.TriggerRequest `json:"request"`

	// Wait keeps the workflow open until the run is terminal
	Wait         bool          `json:"wait"`
	PollInterval time.Duration `json:"poll_interval,omitempty"`
}

// TriggerRunOutput is the result of TriggerRunWorkflow.
type TriggerRunOutput struct {
	Trigger  scheduler.TriggerResult `json:"trigger"`
	State    types.RunState          `json:"state"`
	Failures []run.Failure           `json:"failures,omitempty"`
}

// TriggerRunWorkflow creates a run and, when asked to, polls it until it is
// terminal. A failed run is reported in the output, not as a workflow error.
func TriggerRunWorkflow(ctx workflow.Context, input TriggerRunInput) (TriggerRunOutput, error) {
	logger := workflow.GetLogger(ctx)
	ctx = WithTriggerOptions(ctx)

	var a *TriggerActivities
	var out TriggerRunOutput
	if err := workflow.ExecuteActivity(ctx, a.TriggerRun, input.Request).Get(ctx, &out.Trigger); err != nil {
		return out, err
	}
	out.State = out.Trigger.State
	if !input.Wait {
		return out, nil
	}

	poll := input.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	for !out.State.IsTerminal() {
		if err := workflow.Sleep(ctx, poll); err != nil {
			return out, err
		}
		var st RunStatus
		if err := workflow.ExecuteActivity(ctx, a.GetRunStatus, out.Trigger.RunID).Get(ctx, &st); err != nil {
			return out, err
		}
		out.State = st.State
		out.Failures = st.Failures
	}

	logger.Info("Run finished", "run_id", out.Trigger.RunID, "state", out.State)
	return out, nil
}

// TriggerWorkflowID is the workflow ID used for a trigger, so that starting
// the same trigger twice reaches the same workflow.
func TriggerWorkflowID(req scheduler.TriggerRequest) string {
	return fmt.Sprintf("etlflow-trigger-%s-%s-%s", req.DAG,
		req.Window.Start.UTC().Format(time.RFC3339), req.Window.End.UTC().Format(time.RFC3339))
}

// StartTrigger starts TriggerRunWorkflow on taskQueue through c.
func StartTrigger(ctx context.Context, c client.Client, taskQueue string, input TriggerRunInput) (client.WorkflowRun, error) {
	opts := client.StartWorkflowOptions{
		ID:                       TriggerWorkflowID(input.Request),
		TaskQueue:                taskQueue,
		WorkflowExecutionTimeout: 7 * 24 * time.Hour,
	}
	wr, err := c.ExecuteWorkflow(ctx, opts, TriggerRunWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start trigger workflow: %w", err)
	}
	return wr, nil
}
