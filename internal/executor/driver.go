// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"

	"etlflow/internal/run"
	"etlflow/internal/telemetry"
	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

type startRequest struct {
	task  string
	reply chan *dag.TaskContext
}

type taskResult struct {
	task     string
	attempt  int
	started  bool
	output   dag.Output
	err      error
	duration time.Duration

	// interrupted is set when the attempt failed after the driver cancelled its work
	interrupted bool
}

// driver owns one run for the lifetime of a drive call.
type driver struct {
	e      *Executor
	d      *dag.DAG
	h      *runHandle
	run    *types.Run
	logger *slog.Logger

	// writes survive cancellation of the caller's context so results of
	// attempts that already ran are never lost
	writeCtx context.Context

	starts  chan startRequest
	results chan taskResult
	retries chan string

	queued map[string]bool
	timers map[string]Timer

	aborting bool
	stopping bool
	err      error
}

func (e *Executor) drive(ctx context.Context, d *dag.DAG, runID string, h *runHandle) (*types.Run, error) {
	r, err := e.store.GetRunByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if r.State.IsTerminal() {
		return r, nil
	}
	if !sameTasks(d, r) {
		return r, fmt.Errorf("run %s does not match the tasks of dag %s", runID, d.Name)
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "run.execute",
		trace.WithAttributes(telemetry.RunAttrs(d.Name, r.DAGVersion, runID, r.Window.String())...))
	defer span.End()

	logger := e.logger.With("dag", d.Name, "run_id", runID, "window", r.Window.String())
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.With("trace_id", id)
	}

	n := len(r.Tasks)
	dr := &driver{
		e:        e,
		d:        d,
		h:        h,
		run:      r,
		logger:   logger,
		writeCtx: context.WithoutCancel(ctx),
		starts:   make(chan startRequest, n),
		results:  make(chan taskResult, n),
		retries:  make(chan string, n),
		queued:   make(map[string]bool, n),
		timers:   make(map[string]Timer),
	}

	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	final, err := dr.loop(ctx, workCtx, cancelWork)
	if err != nil {
		telemetry.RecordError(ctx, err)
	} else if final != nil {
		telemetry.AddAttributes(ctx, telemetry.AttrRunState.String(string(final.State)))
	}
	return final, err
}

func (dr *driver) loop(ctx, workCtx context.Context, cancelWork context.CancelFunc) (*types.Run, error) {
	dr.logger.Info("Driving run", "state", dr.run.State)
	defer dr.stopTimers()

	if err := dr.recoverInterrupted(); err != nil {
		return dr.run, err
	}

	abort := dr.h.abort
	done := ctx.Done()
	for {
		// signals that arrived while handling an event take effect before dispatch
		select {
		case <-abort:
			abort = nil
			dr.beginAbort()
		default:
		}
		if done != nil && ctx.Err() != nil {
			done = nil
			dr.beginStop(cancelWork)
		}

		if !dr.aborting && !dr.stopping {
			if err := dr.advance(workCtx); err != nil {
				dr.fail(err, cancelWork)
			}
		}

		if len(dr.queued) == 0 {
			switch {
			case dr.err != nil:
				return dr.run, dr.err
			case dr.stopping:
				dr.logger.Info("Run driver interrupted; run stays active", "error", ctx.Err())
				return dr.run, ctx.Err()
			case dr.aborting:
				return dr.finishAborted()
			case len(dr.timers) == 0:
				state := run.Aggregate(dr.run)
				if state.IsTerminal() {
					return dr.finish(state)
				}
				return dr.run, fmt.Errorf("%w: %s", ErrStalled, dr.run.ID)
			}
		}

		select {
		case req := <-dr.starts:
			dr.handleStart(req, cancelWork)
		case res := <-dr.results:
			dr.handleResult(res, cancelWork)
		case name := <-dr.retries:
			delete(dr.timers, name)
		case <-abort:
			abort = nil
			dr.beginAbort()
		case <-done:
			done = nil
			dr.beginStop(cancelWork)
		}
	}
}

func (dr *driver) beginAbort() {
	dr.aborting = true
	dr.stopTimers()
	telemetry.AddEvent(dr.writeCtx, telemetry.EventRunAborting)
	dr.logger.Info("Aborting run", "in_flight", len(dr.queued))
}

func (dr *driver) beginStop(cancelWork context.CancelFunc) {
	dr.stopping = true
	dr.stopTimers()
	cancelWork()
}

// fail stops dispatch after a store error; in-flight attempts are cancelled
// and drained before the driver returns.
func (dr *driver) fail(err error, cancelWork context.CancelFunc) {
	if dr.err == nil {
		dr.err = err
		dr.logger.Error("Run driver failed", "error", err)
	}
	dr.stopping = true
	dr.stopTimers()
	cancelWork()
}

// recoverInterrupted records attempts left Running by a driver that died
// without releasing them as failed, so the retry policy decides whether they
// run again.
func (dr *driver) recoverInterrupted() error {
	now := dr.e.clock.Now()
	for _, name := range dr.d.Order() {
		ti := dr.run.Task(name)
		if ti == nil || ti.State != types.TaskRunning {
			continue
		}
		t, _ := dr.d.Task(name)
		attempt := ti.Attempt
		cause := &TaskExecutionError{Task: name, Attempt: attempt, Err: ErrInterrupted}
		dr.logger.Warn("Recovering interrupted attempt", "task", name, "attempt", attempt)
		if _, err := dr.apply(name, func(ti *types.TaskInstance) (types.Transition, bool) {
			if ti.State != types.TaskRunning || ti.Attempt != attempt {
				return types.Transition{}, false
			}
			return run.Fail(dr.run.ID, ti, cause, t.RetryPolicy(), now), true
		}); err != nil {
			return err
		}
	}
	return nil
}

// advance requeues due retries, arms timers for future ones, cascades blocked
// tasks and dispatches every ready task that has no worker yet.
func (dr *driver) advance(ctx context.Context) error {
	now := dr.e.clock.Now()
	for _, name := range dr.d.Order() {
		ti := dr.run.Task(name)
		if !ti.RetryPending() {
			continue
		}
		if ti.RetryAt.After(now) {
			if _, armed := dr.timers[name]; !armed {
				dr.armRetry(name, ti.RetryAt.Sub(now))
			}
			continue
		}
		if _, err := dr.apply(name, func(ti *types.TaskInstance) (types.Transition, bool) {
			if !ti.RetryPending() {
				return types.Transition{}, false
			}
			return run.Requeue(dr.run.ID, ti, now), true
		}); err != nil {
			return err
		}
		dr.logger.Debug("Retry due", "task", name, "next_attempt", ti.Attempt+1)
	}

	// blocking one task may block its dependents, so repeat until stable
	for {
		blocked := dr.d.Blocked(dr.run)
		if len(blocked) == 0 {
			break
		}
		for _, b := range blocked {
			if _, err := dr.apply(b.Name, func(ti *types.TaskInstance) (types.Transition, bool) {
				if ti.State != types.TaskPending {
					return types.Transition{}, false
				}
				return run.Block(dr.run.ID, ti, b.State, b.Reason, now), true
			}); err != nil {
				return err
			}
			telemetry.AddEvent(dr.writeCtx, telemetry.EventTaskBlocked,
				telemetry.AttrTask.String(b.Name), telemetry.AttrTaskState.String(string(b.State)), telemetry.AttrReason.String(b.Reason))
			dr.logger.Info("Task blocked", "task", b.Name, "state", b.State, "reason", b.Reason)
		}
	}

	for _, name := range dr.d.ReadyTasks(dr.run) {
		if dr.queued[name] {
			continue
		}
		t, _ := dr.d.Task(name)
		dr.queued[name] = true
		go dr.work(ctx, t)
	}
	return nil
}

func (dr *driver) armRetry(name string, after time.Duration) {
	retries := dr.retries
	dr.timers[name] = dr.e.clock.AfterFunc(after, func() {
		// buffered to the task count and each task has at most one timer
		retries <- name
	})
}

func (dr *driver) stopTimers() {
	for name, t := range dr.timers {
		t.Stop()
		delete(dr.timers, name)
	}
}

// handleStart records the Running transition before the worker may execute.
func (dr *driver) handleStart(req startRequest, cancelWork context.CancelFunc) {
	if dr.aborting || dr.stopping {
		req.reply <- nil
		return
	}
	now := dr.e.clock.Now()
	ok, err := dr.apply(req.task, func(ti *types.TaskInstance) (types.Transition, bool) {
		if ti.State != types.TaskPending {
			return types.Transition{}, false
		}
		return run.Start(dr.run.ID, ti, now), true
	})
	if err != nil {
		dr.fail(err, cancelWork)
	}
	if err != nil || !ok {
		req.reply <- nil
		return
	}
	tc := dr.taskContext(req.task)
	dr.logger.Info("Starting task", "task", req.task, "attempt", tc.Attempt)
	req.reply <- &tc
}

func (dr *driver) handleResult(res taskResult, cancelWork context.CancelFunc) {
	delete(dr.queued, res.task)
	if !res.started {
		return
	}
	if res.interrupted && dr.stopping {
		dr.releaseAttempt(res)
		return
	}

	t, _ := dr.d.Task(res.task)
	now := dr.e.clock.Now()
	ok, err := dr.apply(res.task, func(ti *types.TaskInstance) (types.Transition, bool) {
		if ti.State != types.TaskRunning || ti.Attempt != res.attempt {
			return types.Transition{}, false
		}
		switch {
		case res.err == nil:
			return run.Succeed(dr.run.ID, ti, string(res.output), now), true
		case errors.Is(res.err, dag.ErrSkip):
			return run.Skip(dr.run.ID, ti, res.err.Error(), now), true
		default:
			cause := &TaskExecutionError{Task: res.task, Attempt: res.attempt, Err: res.err}
			return run.Fail(dr.run.ID, ti, cause, t.RetryPolicy(), now), true
		}
	})
	if err != nil {
		dr.fail(err, cancelWork)
		return
	}
	if !ok {
		dr.logger.Debug("Ignoring stale task result", "task", res.task, "attempt", res.attempt)
		return
	}
	dr.e.cfg.Metrics.TaskFinished(dr.writeCtx, dr.d.Name, res.task, outcomeOf(res.err), res.duration)

	ti := dr.run.Task(res.task)
	switch {
	case ti.State == types.TaskSucceeded:
		dr.logger.Info("Task succeeded", "task", res.task, "attempt", res.attempt, "duration", res.duration)
	case ti.State == types.TaskSkipped:
		dr.logger.Info("Task skipped", "task", res.task, "attempt", res.attempt, "reason", res.err)
	case ti.RetryPending():
		telemetry.AddEvent(dr.writeCtx, telemetry.EventRetryScheduled,
			telemetry.AttrTask.String(res.task), telemetry.AttrAttempt.Int(res.attempt),
			telemetry.AttrRetryAt.String(ti.RetryAt.Format(time.RFC3339Nano)))
		dr.logger.Warn("Task failed; retry scheduled", "task", res.task, "attempt", res.attempt,
			"retry_at", ti.RetryAt, "error", res.err)
	case ti.State == types.TaskFailed:
		dr.logger.Error("Task failed", "task", res.task, "attempt", res.attempt, "error", res.err)
	}
}

// releaseAttempt hands back an attempt that failed only because the driver
// is stopping, so the next driver runs it again without counting it. If the
// release cannot be written the instance stays Running and is settled by
// recoverInterrupted.
func (dr *driver) releaseAttempt(res taskResult) {
	now := dr.e.clock.Now()
	ok, err := dr.apply(res.task, func(ti *types.TaskInstance) (types.Transition, bool) {
		if ti.State != types.TaskRunning || ti.Attempt != res.attempt {
			return types.Transition{}, false
		}
		return run.Release(dr.run.ID, ti, now), true
	})
	if err != nil {
		dr.logger.Warn("Failed to release interrupted attempt", "task", res.task, "attempt", res.attempt, "error", err)
		return
	}
	if ok {
		telemetry.AddEvent(dr.writeCtx, telemetry.EventTaskReleased,
			telemetry.AttrTask.String(res.task), telemetry.AttrAttempt.Int(res.attempt))
		dr.logger.Info("Task attempt released", "task", res.task, "attempt", res.attempt, "error", res.err)
	}
}

func (dr *driver) taskContext(name string) dag.TaskContext {
	ti := dr.run.Task(name)
	t, _ := dr.d.Task(name)
	inputs := make(map[string]dag.Output, len(t.Deps))
	for _, up := range t.Upstreams() {
		if u := dr.run.Task(up); u != nil && u.State == types.TaskSucceeded {
			inputs[up] = dag.Output(u.Output)
		}
	}
	return dag.TaskContext{
		RunID:   dr.run.ID,
		DAG:     dr.d.Name,
		Task:    name,
		Window:  dr.run.Window,
		Attempt: ti.Attempt,
		Params:  maps.Clone(dr.run.Params),
		Inputs:  inputs,
	}
}

func (dr *driver) finish(state types.RunState) (*types.Run, error) {
	r, err := dr.e.store.FinishRun(dr.writeCtx, dr.run.ID, state, dr.e.clock.Now())
	if err != nil {
		return dr.run, fmt.Errorf("failed to finish run %s: %w", dr.run.ID, err)
	}
	dr.run = r
	dr.e.cfg.Metrics.RunFinished(dr.writeCtx, dr.d.Name, string(state))

	if state == types.RunFailed {
		for _, f := range run.FailureSummary(r) {
			dr.logger.Error("Run failed", "task", f.Task, "attempts", f.Attempts, "error", f.Error)
		}
	} else {
		dr.logger.Info("Run finished", "state", state)
	}
	return r, nil
}

func (dr *driver) finishAborted() (*types.Run, error) {
	now := dr.e.clock.Now()
	for _, name := range dr.d.Order() {
		if _, err := dr.apply(name, func(ti *types.TaskInstance) (types.Transition, bool) {
			if ti.IsTerminal() || ti.State == types.TaskRunning {
				return types.Transition{}, false
			}
			return run.Cancel(dr.run.ID, ti, "run aborted", now), true
		}); err != nil {
			return dr.run, err
		}
	}
	return dr.finish(types.RunCancelled)
}

// apply records a transition built from the driver's view of the task; see
// Executor.record.
func (dr *driver) apply(task string, build func(*types.TaskInstance) (types.Transition, bool)) (bool, error) {
	r, ok, err := dr.e.record(dr.writeCtx, dr.run, task, build)
	dr.run = r
	return ok, err
}
