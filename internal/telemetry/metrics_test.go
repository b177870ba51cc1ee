// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestMetricsRecordTaskOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := context.Background()
	m.RunCreated(ctx, "marketing", "schedule")
	m.TaskStarted(ctx, "marketing")
	m.TaskStopped(ctx, "marketing")
	m.TaskFinished(ctx, "marketing", "extract", "succeeded", 2*time.Second)
	m.TaskStarted(ctx, "marketing")
	m.TaskStopped(ctx, "marketing")
	m.TaskFinished(ctx, "marketing", "load", "failed", time.Second)
	// a stale attempt leaves execution without an outcome
	m.TaskStarted(ctx, "marketing")
	m.TaskStopped(ctx, "marketing")
	m.RunFinished(ctx, "marketing", "failed")

	got := collect(t, reader)

	attempts, ok := got["etlflow.task.attempts"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range attempts.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	running, ok := got["etlflow.tasks.running"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, running.DataPoints, 1)
	assert.Equal(t, int64(0), running.DataPoints[0].Value)

	hist, ok := got["etlflow.task.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	assert.Len(t, hist.DataPoints, 2)

	assert.Contains(t, got, "etlflow.runs.created")
	assert.Contains(t, got, "etlflow.runs.finished")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RunCreated(context.Background(), "d", "manual")
		m.TaskStarted(context.Background(), "d")
		m.TaskStopped(context.Background(), "d")
		m.TaskFinished(context.Background(), "d", "t", "succeeded", time.Second)
		m.RunFinished(context.Background(), "d", "succeeded")
	})
}

func TestTaskAttrs(t *testing.T) {
	attrs := TaskAttrs("marketing", "run-1", "extract", 2)
	require.Len(t, attrs, 4)
	assert.Equal(t, "extract", attrs[2].Value.AsString())
	assert.Equal(t, int64(2), attrs[3].Value.AsInt64())
}
