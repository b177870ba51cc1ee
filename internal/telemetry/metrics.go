// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "etlflow"

// Metrics records run and task counters. A nil *Metrics discards everything.
type Metrics struct {
	runsCreated  metric.Int64Counter
	runsFinished metric.Int64Counter
	taskAttempts metric.Int64Counter
	taskDuration metric.Float64Histogram
	tasksRunning metric.Int64UpDownCounter
}

// InitMetrics installs a Prometheus-backed meter provider and returns the
// /metrics handler, the instruments and a shutdown function.
func InitMetrics() (http.Handler, *Metrics, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	m, err := NewMetrics(provider)
	if err != nil {
		return nil, nil, nil, err
	}
	return promhttp.Handler(), m, provider.Shutdown, nil
}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.runsCreated, err = meter.Int64Counter("etlflow.runs.created",
		metric.WithDescription("Runs created by the scheduler or a trigger")); err != nil {
		return nil, fmt.Errorf("failed to create runs.created counter: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("etlflow.runs.finished",
		metric.WithDescription("Runs that reached a terminal state")); err != nil {
		return nil, fmt.Errorf("failed to create runs.finished counter: %w", err)
	}
	if m.taskAttempts, err = meter.Int64Counter("etlflow.task.attempts",
		metric.WithDescription("Task attempts by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create task.attempts counter: %w", err)
	}
	if m.taskDuration, err = meter.Float64Histogram("etlflow.task.duration",
		metric.WithDescription("Task attempt duration"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create task.duration histogram: %w", err)
	}
	if m.tasksRunning, err = meter.Int64UpDownCounter("etlflow.tasks.running",
		metric.WithDescription("Task attempts currently executing")); err != nil {
		return nil, fmt.Errorf("failed to create tasks.running counter: %w", err)
	}
	return m, nil
}

// RunCreated counts a newly created run.
func (m *Metrics) RunCreated(ctx context.Context, dag, trigger string) {
	if m == nil {
		return
	}
	m.runsCreated.Add(ctx, 1, metric.WithAttributes(
		AttrDAG.String(dag),
		attribute.String("trigger", trigger),
	))
}

// RunFinished counts a run reaching a terminal state.
func (m *Metrics) RunFinished(ctx context.Context, dag, state string) {
	if m == nil {
		return
	}
	m.runsFinished.Add(ctx, 1, metric.WithAttributes(
		AttrDAG.String(dag),
		AttrRunState.String(state),
	))
}

// TaskStarted tracks an attempt entering execution.
func (m *Metrics) TaskStarted(ctx context.Context, dag string) {
	if m == nil {
		return
	}
	m.tasksRunning.Add(ctx, 1, metric.WithAttributes(AttrDAG.String(dag)))
}

// TaskStopped tracks an attempt leaving execution, whether or not its
// outcome was recorded.
func (m *Metrics) TaskStopped(ctx context.Context, dag string) {
	if m == nil {
		return
	}
	m.tasksRunning.Add(ctx, -1, metric.WithAttributes(AttrDAG.String(dag)))
}

// TaskFinished records the outcome and duration of an attempt whose result
// was written to the store.
func (m *Metrics) TaskFinished(ctx context.Context, dag, task, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrDAG.String(dag),
		AttrTask.String(task),
		attribute.String("outcome", outcome),
	)
	m.taskAttempts.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, d.Seconds(), attrs)
}
