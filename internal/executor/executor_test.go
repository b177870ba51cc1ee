// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"etlflow/internal/run"
	"etlflow/internal/store"
	"etlflow/internal/telemetry"
	"etlflow/pkg/dag"
	"etlflow/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock jumps forward to each timer's deadline as soon as it is armed.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	go f()
	return firedTimer{}
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type firedTimer struct{}

func (firedTimer) Stop() bool { return false }

type harness struct {
	store    *store.MemoryStore
	registry *dag.Registry
	clock    *fakeClock
	exec     *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    store.NewMemoryStore(),
		registry: dag.NewRegistry(),
		clock:    newFakeClock(),
	}
	cfg.Clock = h.clock
	h.exec = New(h.store, h.registry, cfg)
	t.Cleanup(h.exec.Wait)
	return h
}

func (h *harness) newRun(t *testing.T, d *dag.DAG, params map[string]string) *types.Run {
	t.Helper()
	w := types.NewWindow(
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	)
	r, err := h.store.CreateRun(context.Background(), run.New(d, w, params, h.clock.Now()))
	require.NoError(t, err)
	return r
}

func ok(out string) dag.Action {
	return dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
		return dag.Output(out), nil
	})
}

// counted wraps fn and counts its invocations.
func counted(calls *atomic.Int32, fn dag.ActionFunc) dag.Action {
	return dag.ActionFunc(func(ctx context.Context, tc dag.TaskContext) (dag.Output, error) {
		calls.Add(1)
		return fn(ctx, tc)
	})
}

func TestExecuteRetriesTransientFailure(t *testing.T) {
	h := newHarness(t, Config{})

	var loadInput dag.Output
	var transformCalls atomic.Int32
	d := dag.MustNew("marketing", []dag.Task{
		{Name: "extract", Action: ok("s3://raw/2024-05-01")},
		{
			Name: "transform",
			Deps: dag.After("extract"),
			Action: counted(&transformCalls, func(_ context.Context, tc dag.TaskContext) (dag.Output, error) {
				if tc.Attempt == 1 {
					return "", errors.New("connection reset")
				}
				in, _ := tc.Input("extract")
				return in + "/clean", nil
			}),
			Retry: &dag.RetryPolicy{Retries: 2, Delay: time.Minute, Backoff: dag.BackoffExponential},
		},
		{
			Name: "load",
			Deps: dag.After("transform"),
			Action: dag.ActionFunc(func(_ context.Context, tc dag.TaskContext) (dag.Output, error) {
				loadInput, _ = tc.Input("transform")
				return "rows=42", nil
			}),
		},
	})
	r := h.newRun(t, d, nil)

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, final.State)
	assert.Equal(t, 2, final.Task("transform").Attempt)
	assert.Equal(t, types.TaskSucceeded, final.Task("transform").State)
	assert.Contains(t, final.Task("transform").LastError, "connection reset")
	assert.Equal(t, dag.Output("s3://raw/2024-05-01/clean"), loadInput)
	assert.Equal(t, int32(2), transformCalls.Load())
	assert.Equal(t, []time.Duration{time.Minute}, h.clock.Delays())
	assert.Equal(t, 1, final.Task("extract").Attempt)
	assert.Equal(t, 1, final.Task("load").Attempt)
	assert.NotNil(t, final.EndedAt)
}

func TestExecuteExhaustsRetries(t *testing.T) {
	h := newHarness(t, Config{})

	var loadCalls atomic.Int32
	d := dag.MustNew("marketing", []dag.Task{
		{Name: "extract", Action: ok("raw")},
		{Name: "transform", Deps: dag.After("extract"), Action: ok("clean")},
		{
			Name: "load",
			Deps: dag.After("transform"),
			Action: counted(&loadCalls, func(context.Context, dag.TaskContext) (dag.Output, error) {
				return "", errors.New("warehouse unavailable")
			}),
			Retry: &dag.RetryPolicy{Retries: 2, Delay: time.Minute, Backoff: dag.BackoffExponential},
		},
	})
	r := h.newRun(t, d, nil)

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunFailed, final.State)
	load := final.Task("load")
	assert.Equal(t, types.TaskFailed, load.State)
	assert.Nil(t, load.RetryAt)
	assert.Equal(t, 3, load.Attempt)
	assert.Equal(t, int32(3), loadCalls.Load())
	assert.Contains(t, load.LastError, "warehouse unavailable")
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, h.clock.Delays())

	summary := run.FailureSummary(final)
	require.Len(t, summary, 1)
	assert.Equal(t, "load", summary[0].Task)
	assert.Equal(t, 3, summary[0].Attempts)
}

func TestFailureCascadesWithoutDispatch(t *testing.T) {
	h := newHarness(t, Config{})

	var downstreamCalls atomic.Int32
	never := counted(&downstreamCalls, func(context.Context, dag.TaskContext) (dag.Output, error) {
		return "", nil
	})
	d := dag.MustNew("cascade", []dag.Task{
		{Name: "a", Action: dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
			return "", errors.New("boom")
		})},
		{Name: "b", Deps: dag.After("a"), Action: never},
		{Name: "c", Deps: dag.After("b"), Action: never},
		{Name: "d", Action: ok("independent")},
	})
	r := h.newRun(t, d, nil)

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunFailed, final.State)
	assert.Equal(t, types.TaskFailed, final.Task("a").State)
	assert.Equal(t, types.TaskUpstreamFailed, final.Task("b").State)
	assert.Equal(t, types.TaskUpstreamFailed, final.Task("c").State)
	assert.Equal(t, 0, final.Task("b").Attempt)
	assert.Equal(t, 0, final.Task("c").Attempt)
	assert.Equal(t, types.TaskSucceeded, final.Task("d").State)
	assert.Zero(t, downstreamCalls.Load())
}

func TestSkipPropagationFollowsTriggerRule(t *testing.T) {
	h := newHarness(t, Config{})

	d := dag.MustNew("skips", []dag.Task{
		{Name: "sensor", Action: dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
			return "", dag.ErrSkip
		})},
		{Name: "strict", Deps: dag.After("sensor"), Action: ok("x")},
		{
			Name:   "lenient",
			Deps:   []dag.Dependency{{Upstream: "sensor", Rule: dag.SucceededOrSkipped}},
			Action: ok("y"),
		},
	})
	r := h.newRun(t, d, nil)

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunSucceeded, final.State)
	assert.Equal(t, types.TaskSkipped, final.Task("sensor").State)
	assert.Equal(t, 1, final.Task("sensor").Attempt)
	assert.Equal(t, types.TaskSkipped, final.Task("strict").State)
	assert.Equal(t, 0, final.Task("strict").Attempt)
	assert.Equal(t, types.TaskSucceeded, final.Task("lenient").State)
}

func TestTimeoutFailsAttempt(t *testing.T) {
	h := newHarness(t, Config{})

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })

	d := dag.MustNew("slow", []dag.Task{
		{
			Name:    "honors_ctx",
			Timeout: 20 * time.Millisecond,
			Action: dag.ActionFunc(func(ctx context.Context, _ dag.TaskContext) (dag.Output, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}),
		},
		{
			Name:    "ignores_ctx",
			Timeout: 20 * time.Millisecond,
			Action: dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
				<-stuck
				return "late", nil
			}),
		},
	})
	r := h.newRun(t, d, nil)

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunFailed, final.State)
	for _, name := range []string{"honors_ctx", "ignores_ctx"} {
		ti := final.Task(name)
		assert.Equal(t, types.TaskFailed, ti.State, name)
		assert.Contains(t, ti.LastError, ErrTimeout.Error(), name)
		assert.Empty(t, ti.Output, name)
	}
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t, Config{})

	d := dag.MustNew("panics", []dag.Task{
		{Name: "explode", Action: dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
			panic("nil map write")
		})},
	})
	r := h.newRun(t, d, nil)

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, types.RunFailed, final.State)
	assert.Contains(t, final.Task("explode").LastError, "panicked")
	assert.Contains(t, final.Task("explode").LastError, "nil map write")
}

func TestConcurrencyLimits(t *testing.T) {
	tests := []struct {
		name      string
		global    int
		perDAG    int
		wantLimit int32
	}{
		{name: "per dag", global: 10, perDAG: 2, wantLimit: 2},
		{name: "global", global: 3, perDAG: 0, wantLimit: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{MaxConcurrentTasks: tt.global})

			var running, peak atomic.Int32
			action := dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				running.Add(-1)
				return "", nil
			})

			var tasks []dag.Task
			for _, name := range []string{"t1", "t2", "t3", "t4", "t5", "t6", "t7", "t8"} {
				tasks = append(tasks, dag.Task{Name: name, Action: action})
			}
			d := dag.MustNew("wide", tasks, dag.WithMaxConcurrentTasks(tt.perDAG))
			r := h.newRun(t, d, nil)

			final, err := h.exec.Execute(context.Background(), d, r.ID)
			require.NoError(t, err)
			assert.Equal(t, types.RunSucceeded, final.State)
			assert.LessOrEqual(t, peak.Load(), tt.wantLimit)
			assert.Positive(t, peak.Load())
		})
	}
}

func TestResumeDispatchesOnlyUnfinishedWork(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	var extractCalls, transformCalls, loadCalls atomic.Int32
	var transformAttempt atomic.Int32
	d := dag.MustNew("marketing", []dag.Task{
		{Name: "extract", Action: counted(&extractCalls, func(context.Context, dag.TaskContext) (dag.Output, error) {
			return "raw", nil
		})},
		{
			Name: "transform",
			Deps: dag.After("extract"),
			Action: counted(&transformCalls, func(_ context.Context, tc dag.TaskContext) (dag.Output, error) {
				transformAttempt.Store(int32(tc.Attempt))
				return "clean", nil
			}),
			Retry: &dag.RetryPolicy{Retries: 1, Delay: time.Second},
		},
		{Name: "load", Deps: dag.After("transform"), Action: counted(&loadCalls, func(context.Context, dag.TaskContext) (dag.Output, error) {
			return "done", nil
		})},
	})
	require.NoError(t, h.registry.Register(d))
	r := h.newRun(t, d, nil)

	// extract finished and transform was mid-attempt when the process died
	now := h.clock.Now()
	r, err := h.store.RecordTransition(ctx, run.Start(r.ID, r.Task("extract"), now))
	require.NoError(t, err)
	r, err = h.store.RecordTransition(ctx, run.Succeed(r.ID, r.Task("extract"), "raw", now))
	require.NoError(t, err)
	_, err = h.store.RecordTransition(ctx, run.Start(r.ID, r.Task("transform"), now))
	require.NoError(t, err)

	resumed, err := h.exec.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{r.ID}, resumed)
	h.exec.Wait()

	final, err := h.store.GetRunByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, final.State)
	assert.Zero(t, extractCalls.Load())
	assert.Equal(t, int32(1), transformCalls.Load())
	assert.Equal(t, int32(2), transformAttempt.Load())
	assert.Equal(t, int32(1), loadCalls.Load())

	history, err := h.store.History(ctx, r.ID)
	require.NoError(t, err)
	var interrupted bool
	for _, tr := range history {
		if tr.Task == "transform" && tr.To == types.TaskFailed {
			interrupted = true
			assert.Contains(t, tr.Error, ErrInterrupted.Error())
			assert.Equal(t, 1, tr.Attempt)
		}
	}
	assert.True(t, interrupted)
}

func TestResumeSkipsUnknownDAG(t *testing.T) {
	h := newHarness(t, Config{})

	d := dag.MustNew("orphan", []dag.Task{{Name: "a", Action: ok("")}})
	h.newRun(t, d, nil)

	resumed, err := h.exec.Resume(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resumed)
}

func TestAbortLetsInFlightFinish(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	d := dag.MustNew("abortable", []dag.Task{
		{Name: "a", Action: dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
			close(started)
			<-release
			return "a-out", nil
		})},
		{Name: "b", Deps: dag.After("a"), Action: ok("b-out")},
	})
	require.NoError(t, h.registry.Register(d))
	r := h.newRun(t, d, nil)

	type result struct {
		run *types.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		final, err := h.exec.Execute(ctx, d, r.ID)
		done <- result{final, err}
	}()

	<-started
	require.NoError(t, h.exec.Abort(ctx, r.ID))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, types.RunCancelled, res.run.State)
	assert.Equal(t, types.TaskSucceeded, res.run.Task("a").State)
	assert.Equal(t, types.TaskCancelled, res.run.Task("b").State)
	assert.Equal(t, 0, res.run.Task("b").Attempt)

	err := h.exec.Abort(ctx, r.ID)
	assert.ErrorIs(t, err, ErrRunNotActive)
}

func TestAbortWithoutDriver(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	d := dag.MustNew("idle", []dag.Task{
		{Name: "a", Action: ok("")},
		{Name: "b", Deps: dag.After("a"), Action: ok("")},
	})
	require.NoError(t, h.registry.Register(d))
	r := h.newRun(t, d, nil)

	require.NoError(t, h.exec.Abort(ctx, r.ID))

	final, err := h.store.GetRunByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, final.State)
	assert.Equal(t, types.TaskCancelled, final.Task("a").State)
	assert.Equal(t, types.TaskCancelled, final.Task("b").State)
}

func TestCancelledContextLeavesRunActive(t *testing.T) {
	h := newHarness(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	d := dag.MustNew("interrupted", []dag.Task{
		{
			Name: "long",
			Action: dag.ActionFunc(func(ctx context.Context, _ dag.TaskContext) (dag.Output, error) {
				close(started)
				<-ctx.Done()
				return "", ctx.Err()
			}),
			Retry: &dag.RetryPolicy{Retries: 1, Delay: time.Second},
		},
		{Name: "after", Deps: dag.After("long"), Action: ok("")},
	})
	r := h.newRun(t, d, nil)

	go func() {
		<-started
		cancel()
	}()
	_, err := h.exec.Execute(ctx, d, r.ID)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := h.store.GetRunByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, stored.State)
	long := stored.Task("long")
	assert.Equal(t, types.TaskPending, long.State)
	assert.Equal(t, 0, long.Attempt)
	assert.False(t, long.RetryPending())
	assert.Empty(t, long.LastError)
	assert.Equal(t, types.TaskPending, stored.Task("after").State)

	history, err := h.store.History(context.Background(), r.ID)
	require.NoError(t, err)
	for _, tr := range history {
		assert.NotEqual(t, types.TaskFailed, tr.To, "stop must not record a failed attempt")
	}
}

func TestStoppedAttemptRunsAgainWithoutRetries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	metrics, err := telemetry.NewMetrics(provider)
	require.NoError(t, err)

	h := newHarness(t, Config{Metrics: metrics})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var calls atomic.Int32
	var lastAttempt atomic.Int32
	d := dag.MustNew("no_retries", []dag.Task{
		{Name: "extract", Action: dag.ActionFunc(func(ctx context.Context, tc dag.TaskContext) (dag.Output, error) {
			lastAttempt.Store(int32(tc.Attempt))
			if calls.Add(1) == 1 {
				close(started)
				<-ctx.Done()
				return "", fmt.Errorf("read source: %w", ctx.Err())
			}
			return "raw", nil
		})},
		{Name: "load", Deps: dag.After("extract"), Action: ok("done")},
	})
	r := h.newRun(t, d, nil)

	go func() {
		<-started
		cancel()
	}()
	_, err = h.exec.Execute(ctx, d, r.ID)
	require.ErrorIs(t, err, context.Canceled)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch m.Name {
			case "etlflow.task.attempts":
				t.Errorf("released attempt must not be counted: %+v", m.Data)
			case "etlflow.tasks.running":
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					assert.Zero(t, dp.Value)
				}
			}
		}
	}

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, final.State)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), lastAttempt.Load())
	assert.Equal(t, 1, final.Task("extract").Attempt)
	assert.Equal(t, "done", string(final.Task("load").Output))
}

func TestDeadlineFromActionWithoutTimeoutIsPlainFailure(t *testing.T) {
	h := newHarness(t, Config{})

	d := dag.MustNew("remote", []dag.Task{
		{Name: "fetch", Action: dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
			return "", fmt.Errorf("upstream call: %w", context.DeadlineExceeded)
		})},
	})
	r := h.newRun(t, d, nil)

	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, final.State)
	ti := final.Task("fetch")
	assert.Equal(t, types.TaskFailed, ti.State)
	assert.Contains(t, ti.LastError, "upstream call")
	assert.NotContains(t, ti.LastError, ErrTimeout.Error())
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, "succeeded", outcomeOf(nil))
	assert.Equal(t, "skipped", outcomeOf(fmt.Errorf("empty partition: %w", dag.ErrSkip)))
	assert.Equal(t, "timeout", outcomeOf(fmt.Errorf("%w after 1s", ErrTimeout)))
	assert.Equal(t, "failed", outcomeOf(context.DeadlineExceeded))
}

// redefine registers a new version of the run's DAG with an extra task.
func redefine(t *testing.T, h *harness, name string) *types.Run {
	t.Helper()
	v1 := dag.MustNew(name, []dag.Task{{Name: "a", Action: ok("")}})
	require.NoError(t, h.registry.Register(v1))
	r := h.newRun(t, v1, nil)

	v2 := dag.MustNew(name, []dag.Task{
		{Name: "a", Action: ok("")},
		{Name: "b", Deps: dag.After("a"), Action: ok("")},
	})
	require.NoError(t, h.registry.Register(v2))
	return r
}

func TestResumeCancelsRunOfRedefinedDAG(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	r := redefine(t, h, "reshaped")

	resumed, err := h.exec.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, resumed)

	final, err := h.store.GetRunByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, final.State)
	assert.Equal(t, types.TaskCancelled, final.Task("a").State)
	assert.Contains(t, final.Task("a").LastError, "redefined")

	active, err := h.store.ListActiveRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.ErrorIs(t, h.exec.Abort(ctx, r.ID), ErrRunNotActive)
}

func TestAbortRunOfRedefinedDAG(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	r := redefine(t, h, "reshaped")

	require.NoError(t, h.exec.Abort(ctx, r.ID))

	final, err := h.store.GetRunByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, final.State)
	assert.Equal(t, types.TaskCancelled, final.Task("a").State)
	assert.Equal(t, "run aborted", final.Task("a").LastError)
}

func TestAbortRunOfUnregisteredDAG(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	d := dag.MustNew("retired", []dag.Task{{Name: "a", Action: ok("")}})
	r := h.newRun(t, d, nil)

	require.NoError(t, h.exec.Abort(ctx, r.ID))

	final, err := h.store.GetRunByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, final.State)
	assert.Equal(t, types.TaskCancelled, final.Task("a").State)
}

func TestSubmitDrivesRunOnce(t *testing.T) {
	h := newHarness(t, Config{})

	var calls atomic.Int32
	release := make(chan struct{})
	d := dag.MustNew("once", []dag.Task{
		{Name: "a", Action: counted(&calls, func(context.Context, dag.TaskContext) (dag.Output, error) {
			<-release
			return "", nil
		})},
	})
	r := h.newRun(t, d, map[string]string{"source": "crm"})

	ctx := context.Background()
	require.NoError(t, h.exec.Submit(ctx, d, r))
	require.NoError(t, h.exec.Submit(ctx, d, r))
	assert.Equal(t, []string{r.ID}, h.exec.Active())

	_, err := h.exec.Execute(ctx, d, r.ID)
	assert.ErrorIs(t, err, ErrRunActive)

	close(release)
	h.exec.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, h.exec.Active())
}

func TestTaskContextCarriesRunData(t *testing.T) {
	h := newHarness(t, Config{})

	var got dag.TaskContext
	d := dag.MustNew("ctx", []dag.Task{
		{Name: "extract", Action: ok("s3://bucket/key")},
		{Name: "load", Deps: dag.After("extract"), Action: dag.ActionFunc(func(_ context.Context, tc dag.TaskContext) (dag.Output, error) {
			got = tc
			return "", nil
		})},
	})
	r := h.newRun(t, d, map[string]string{"target": "warehouse"})

	_, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, r.ID, got.RunID)
	assert.Equal(t, "ctx", got.DAG)
	assert.Equal(t, "load", got.Task)
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, r.Window.Equal(got.Window))
	assert.Equal(t, "warehouse", got.Param("target", ""))
	assert.Equal(t, "fallback", got.Param("missing", "fallback"))
	in, found := got.Input("extract")
	assert.True(t, found)
	assert.Equal(t, dag.Output("s3://bucket/key"), in)
}

func TestExecuteTerminalRunIsNoop(t *testing.T) {
	h := newHarness(t, Config{})

	var calls atomic.Int32
	d := dag.MustNew("done", []dag.Task{{Name: "a", Action: counted(&calls, func(context.Context, dag.TaskContext) (dag.Output, error) {
		return "", nil
	})}})
	r := h.newRun(t, d, nil)

	first, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)
	second, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTaskExecutionErrorUnwraps(t *testing.T) {
	err := &TaskExecutionError{Task: "load", Attempt: 2, Err: ErrTimeout}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "task load attempt 2: task timed out", err.Error())
}

// staleStore rejects the first writes as if another writer got there first.
type staleStore struct {
	*store.MemoryStore
	conflicts atomic.Int32
}

func (s *staleStore) RecordTransition(ctx context.Context, tr types.Transition) (*types.Run, error) {
	if s.conflicts.Add(-1) >= 0 {
		return nil, fmt.Errorf("%w: injected", store.ErrConflict)
	}
	return s.MemoryStore.RecordTransition(ctx, tr)
}

func TestStaleWriteIsRetried(t *testing.T) {
	st := &staleStore{MemoryStore: store.NewMemoryStore()}
	st.conflicts.Store(2)
	exec := New(st, dag.NewRegistry(), Config{Clock: newFakeClock()})
	t.Cleanup(exec.Wait)

	d := dag.MustNew("orders", []dag.Task{
		{Name: "extract", Action: ok("raw")},
		{Name: "load", Deps: dag.After("extract"), Action: ok("done")},
	})
	w := types.NewWindow(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	r, err := st.CreateRun(context.Background(), run.New(d, w, nil, time.Now()))
	require.NoError(t, err)

	final, err := exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, final.State)
	assert.Equal(t, 1, final.Task("extract").Attempt)
	assert.Equal(t, 1, final.Task("load").Attempt)
}

func TestDispatchRateSpacesStarts(t *testing.T) {
	h := newHarness(t, Config{})

	d := dag.MustNew("api_pull", []dag.Task{
		{Name: "a", Action: ok("")},
		{Name: "b", Action: ok("")},
		{Name: "c", Action: ok("")},
	}, dag.WithDispatchRate(20))
	r := h.newRun(t, d, nil)

	start := time.Now()
	final, err := h.exec.Execute(context.Background(), d, r.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, final.State)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}
