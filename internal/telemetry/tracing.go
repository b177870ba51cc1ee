// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package telemetry wires OpenTelemetry tracing and metrics for etlflow.
//
// Tracing exports over OTLP/HTTP when enabled; without a provider the global
// no-op tracer is used, so instrumented code never needs to check.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerProvider manages the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName    string
	ServiceVersion string
	CollectorURL   string
	Environment    string
	SamplingRate   float64
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "etlflow",
		ServiceVersion: "1.0.0",
		CollectorURL:   "localhost:4318", // OTLP HTTP endpoint (no protocol)
		Environment:    "development",
		SamplingRate:   1.0, // Sample all traces by default
	}
}

// NewTracerProvider creates and initializes a new OpenTelemetry tracer provider
func NewTracerProvider(ctx context.Context, config *Config) (*TracerProvider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create OTLP HTTP exporter
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(config.CollectorURL),
		otlptracehttp.WithInsecure(), // Use HTTP instead of HTTPS for local development
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create tracer provider with sampling
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: tp,
	}, nil
}

// Shutdown gracefully shuts down the tracer provider
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}

	// Give the provider some time to export remaining spans
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.provider.Shutdown(shutdownCtx)
}

// GetTracer returns a tracer with the given name
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, tracerName, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	tracer := GetTracer(tracerName)
	return tracer.Start(ctx, spanName, opts...)
}

// AddEvent adds an event to the span carried by ctx
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// AddAttributes sets attributes on the span carried by ctx
func AddAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records err on the span carried by ctx and marks the span failed
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace ID of the span carried by ctx, or "" when there is none
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Common attribute keys for consistency
const (
	// Run-related attributes
	AttrDAG        = attribute.Key("etl.dag")
	AttrDAGVersion = attribute.Key("etl.dag_version")
	AttrRunID      = attribute.Key("etl.run_id")
	AttrWindow     = attribute.Key("etl.window")
	AttrRunState   = attribute.Key("etl.run_state")

	// Task-related attributes
	AttrTask      = attribute.Key("etl.task")
	AttrAttempt   = attribute.Key("etl.attempt")
	AttrTaskState = attribute.Key("etl.task_state")
	AttrReason    = attribute.Key("etl.reason")
	AttrRetryAt   = attribute.Key("etl.retry_at")

	// Temporal-related attributes
	AttrWorkflowID = attribute.Key("workflow.id")
	AttrTaskQueue  = attribute.Key("temporal.task_queue")

	// General attributes
	AttrError        = attribute.Key("error")
	AttrErrorMessage = attribute.Key("error.message")
	AttrDuration     = attribute.Key("duration_ms")
)

// Span events recorded on the run span
const (
	EventRetryScheduled = "task.retry_scheduled"
	EventTaskBlocked    = "task.blocked"
	EventTaskReleased   = "task.released"
	EventRunAborting    = "run.aborting"
)

// Helper functions for common attribute patterns

// RunAttrs creates attributes for a run
func RunAttrs(dag string, dagVersion int64, runID, window string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDAG.String(dag),
		AttrDAGVersion.Int64(dagVersion),
		AttrRunID.String(runID),
		AttrWindow.String(window),
	}
}

// TaskAttrs creates attributes for one task attempt
func TaskAttrs(dag, runID, task string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrDAG.String(dag),
		AttrRunID.String(runID),
		AttrTask.String(task),
		AttrAttempt.Int(attempt),
	}
}

// OutcomeAttrs describes how a task attempt ended
func OutcomeAttrs(task, state string, duration time.Duration, err error) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTask.String(task),
		AttrTaskState.String(state),
		AttrDuration.Int64(duration.Milliseconds()),
	}
	return append(attrs, ErrorAttrs(err)...)
}

// ErrorAttrs creates attributes for errors
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		AttrError.Bool(true),
		AttrErrorMessage.String(err.Error()),
	}
}

// TemporalAttrs identifies the workflow an activity runs for
func TemporalAttrs(workflowID, taskQueue string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrWorkflowID.String(workflowID),
		AttrTaskQueue.String(taskQueue),
	}
}
