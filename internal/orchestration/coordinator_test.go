// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package orchestration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"etlflow/internal/config"
	"etlflow/internal/run"
	"etlflow/internal/scheduler"
	"etlflow/internal/store"
	"etlflow/pkg/types"
)

func testConfig(t *testing.T, dagDir string) *config.Config {
	t.Helper()
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg.Store.Driver = "memory"
	cfg.DAGPaths = []string{dagDir}
	cfg.Telemetry.Metrics = false
	return cfg
}

func newCoordinator(t *testing.T, dagYAML string, opts Options) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dags.yaml"), []byte(dagYAML), 0o644))

	c, err := NewCoordinator(context.Background(), testConfig(t, dir), opts)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close(context.Background())) })
	return c
}

func waitForState(t *testing.T, c *Coordinator, runID string, want types.RunState) *types.Run {
	t.Helper()
	var last *types.Run
	require.Eventually(t, func() bool {
		r, err := c.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		last = r
		return r.State == want
	}, 5*time.Second, 10*time.Millisecond, "run %s never reached %s", runID, want)
	return last
}

var may1 = types.NewWindow(
	time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
)

func pipelineYAML(marker, loadCmd string) string {
	return fmt.Sprintf(`
name: marketing
retries: 1
retry_delay: 10ms
tasks:
  - name: extract
    action: {type: shell, command: "echo raw"}
  - name: transform
    depends_on: [extract]
    action:
      type: shell
      command: "sh -c 'if [ -f %[1]s ]; then echo clean; else touch %[1]s; exit 1; fi'"
  - name: load
    depends_on: [transform]
    action: {type: shell, command: %[2]q}
`, marker, loadCmd)
}

func TestTriggeredPipelineRetriesAndSucceeds(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "transform.marker")
	c := newCoordinator(t, pipelineYAML(marker, "sh -c 'echo loaded $ETLFLOW_INPUT_TRANSFORM'"), Options{})

	res, err := c.Trigger(context.Background(), scheduler.TriggerRequest{DAG: "marketing", Window: may1})
	require.NoError(t, err)
	assert.True(t, res.Created)

	final := waitForState(t, c, res.RunID, types.RunSucceeded)
	assert.Equal(t, 1, final.Task("extract").Attempt)
	assert.Equal(t, 2, final.Task("transform").Attempt)
	assert.Equal(t, types.TaskSucceeded, final.Task("load").State)
	assert.Equal(t, "loaded clean", final.Task("load").Output)

	history, err := c.History(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}

func TestTriggeredPipelineExhaustsRetries(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "transform.marker")
	c := newCoordinator(t, pipelineYAML(marker, "sh -c 'echo warehouse unavailable; exit 1'"), Options{})

	res, err := c.Trigger(context.Background(), scheduler.TriggerRequest{DAG: "marketing", Window: may1})
	require.NoError(t, err)

	final := waitForState(t, c, res.RunID, types.RunFailed)
	assert.Equal(t, types.TaskSucceeded, final.Task("extract").State)
	assert.Equal(t, types.TaskSucceeded, final.Task("transform").State)
	assert.Equal(t, types.TaskFailed, final.Task("load").State)
	assert.Equal(t, 2, final.Task("load").Attempt)

	summary := run.FailureSummary(final)
	require.Len(t, summary, 1)
	assert.Equal(t, "load", summary[0].Task)
	assert.Contains(t, summary[0].Error, "warehouse unavailable")
}

func TestTriggerIsIdempotent(t *testing.T) {
	c := newCoordinator(t, `
name: adhoc
tasks:
  - name: only
    action: {type: noop}
`, Options{})
	ctx := context.Background()

	first, err := c.Trigger(ctx, scheduler.TriggerRequest{DAG: "adhoc", Window: may1})
	require.NoError(t, err)
	second, err := c.Trigger(ctx, scheduler.TriggerRequest{DAG: "adhoc", Window: may1})
	require.NoError(t, err)

	assert.Equal(t, first.RunID, second.RunID)
	assert.False(t, second.Created)

	waitForState(t, c, first.RunID, types.RunSucceeded)
	runs, err := c.Runs(ctx, "adhoc", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = c.Runs(ctx, "missing", 0)
	assert.ErrorIs(t, err, scheduler.ErrUnknownDAG)
}

func TestTickSchedulesDueWindows(t *testing.T) {
	c := newCoordinator(t, `
name: hourly
schedule_interval: 1h
start_date: "2024-05-01T00:00:00Z"
max_active_runs: 5
tasks:
  - name: only
    action: {type: noop}
`, Options{})

	runs, err := c.Tick(context.Background(), time.Date(2024, 5, 1, 3, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, r := range runs {
		waitForState(t, c, r.ID, types.RunSucceeded)
	}
	assert.Equal(t, time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), runs[2].Window.Start)
}

func TestRunResumesActiveRuns(t *testing.T) {
	const dagYAML = `
name: adhoc
tasks:
  - name: extract
    action: {type: noop}
  - name: load
    depends_on: [extract]
    action: {type: noop}
`
	mem := store.NewMemoryStore()
	c := newCoordinator(t, dagYAML, Options{Store: mem})
	ctx := context.Background()

	d, ok := c.DAG("adhoc")
	require.True(t, ok)
	r, err := mem.CreateRun(ctx, run.New(d, may1, nil, time.Now()))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	waitForState(t, c, r.ID, types.RunSucceeded)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAbortCancelsRun(t *testing.T) {
	c := newCoordinator(t, `
name: slow
tasks:
  - name: wait
    action: {type: shell, command: "sleep 0.2"}
  - name: after
    depends_on: [wait]
    action: {type: noop}
`, Options{})
	ctx := context.Background()

	res, err := c.Trigger(ctx, scheduler.TriggerRequest{DAG: "slow", Window: may1})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := c.GetRun(ctx, res.RunID)
		return err == nil && r.Task("wait").State == types.TaskRunning
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Abort(ctx, res.RunID))
	final := waitForState(t, c, res.RunID, types.RunCancelled)
	assert.Equal(t, types.TaskCancelled, final.Task("after").State)
}

func TestReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: a\ntasks:\n  - name: t\n    action: {type: noop}\n"), 0o644))

	c, err := NewCoordinator(context.Background(), testConfig(t, dir), Options{})
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, os.WriteFile(path, []byte("name: b\ntasks:\n  - name: t\n    action: {type: noop}\n"), 0o644))
	res, err := c.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, res.Added)
	assert.Equal(t, []string{"a"}, res.Removed)

	require.NoError(t, os.WriteFile(path, []byte("name: c\ntasks:\n  - name: t\n    action: {type: spark}\n"), 0o644))
	_, err = c.Reload()
	require.Error(t, err)
	_, ok := c.DAG("b")
	assert.True(t, ok, "a failed reload keeps the previous set")
}

func TestNewCoordinatorRejectsBadDAGFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("name: [oops"), 0o644))

	_, err := NewCoordinator(context.Background(), testConfig(t, dir), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load DAGs")
}
