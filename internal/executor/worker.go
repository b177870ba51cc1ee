// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/trace"

	"etlflow/internal/telemetry"
	"etlflow/pkg/dag"
)

// work runs one attempt of t. It waits for concurrency slots and the dispatch
// rate, asks the driver to record the start, executes the action and always
// reports exactly one result.
func (dr *driver) work(ctx context.Context, t *dag.Task) {
	res := taskResult{task: t.Name}
	defer func() { dr.results <- res }()

	if sem := dr.e.dagSemaphore(dr.d); sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer sem.Release(1)
	}
	if err := dr.e.global.Acquire(ctx, 1); err != nil {
		return
	}
	defer dr.e.global.Release(1)

	if l := dr.e.dispatchLimiter(dr.d); l != nil {
		if err := l.Wait(ctx); err != nil {
			return
		}
	}

	reply := make(chan *dag.TaskContext, 1)
	dr.starts <- startRequest{task: t.Name, reply: reply}
	tc := <-reply
	if tc == nil {
		return
	}

	res.started = true
	res.attempt = tc.Attempt
	dr.e.cfg.Metrics.TaskStarted(ctx, dr.d.Name)
	defer dr.e.cfg.Metrics.TaskStopped(context.WithoutCancel(ctx), dr.d.Name)

	started := dr.e.clock.Now()
	res.output, res.err = dr.e.invoke(ctx, t, *tc)
	res.duration = dr.e.clock.Now().Sub(started)
	res.interrupted = res.err != nil && ctx.Err() != nil
}

// invoke executes the action under the task timeout. A panic is converted to
// an error. On timeout the action is abandoned; it keeps its goroutine until
// it returns on its own.
func (e *Executor) invoke(ctx context.Context, t *dag.Task, tc dag.TaskContext) (dag.Output, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "task.execute",
		trace.WithAttributes(telemetry.TaskAttrs(tc.DAG, tc.RunID, t.Name, tc.Attempt)...))
	defer span.End()
	started := e.clock.Now()

	actx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	type outcome struct {
		out dag.Output
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		var pc panics.Catcher
		pc.Try(func() { o.out, o.err = t.Action.Execute(actx, tc) })
		if r := pc.Recovered(); r != nil {
			o = outcome{err: fmt.Errorf("action panicked: %w", r.AsError())}
		}
		done <- o
	}()

	var o outcome
	select {
	case o = <-done:
		if o.err != nil && t.Timeout > 0 && actx.Err() != nil && ctx.Err() == nil &&
			errors.Is(o.err, context.DeadlineExceeded) {
			o.err = fmt.Errorf("%w after %s: %w", ErrTimeout, t.Timeout, o.err)
		}
	case <-actx.Done():
		if ctx.Err() != nil {
			o = outcome{err: ctx.Err()}
		} else {
			o = outcome{err: fmt.Errorf("%w after %s", ErrTimeout, t.Timeout)}
		}
	}

	if o.err != nil && !errors.Is(o.err, dag.ErrSkip) {
		telemetry.RecordError(ctx, o.err)
	}
	telemetry.AddAttributes(ctx, telemetry.OutcomeAttrs(t.Name, outcomeOf(o.err), e.clock.Now().Sub(started), o.err)...)
	return o.out, o.err
}

// outcomeOf labels an attempt result for metrics and spans.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, dag.ErrSkip):
		return "skipped"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "failed"
	}
}
