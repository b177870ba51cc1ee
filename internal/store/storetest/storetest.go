// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package storetest holds the behavioural tests every store.Store must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"etlflow/internal/store"
	"etlflow/pkg/types"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. It should register cleanup with t.
type Factory func(t *testing.T) store.Store

var day0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

// Window returns the daily window starting n days after day0.
func Window(n int) types.Window {
	start := day0.AddDate(0, 0, n)
	return types.NewWindow(start, start.AddDate(0, 0, 1))
}

// NewRun builds a Pending run with the given task names.
func NewRun(id, dag string, w types.Window, tasks ...string) *types.Run {
	r := &types.Run{
		ID:        id,
		DAG:       dag,
		Window:    w,
		State:     types.RunRunning,
		CreatedAt: day0,
		Tasks:     map[string]*types.TaskInstance{},
	}
	for _, name := range tasks {
		r.Tasks[name] = &types.TaskInstance{Task: name, State: types.TaskPending}
	}
	return r
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateIsIdempotentPerWindow", func(t *testing.T) { testCreateIdempotent(t, newStore(t)) })
	t.Run("TransitionsCompareAndSet", func(t *testing.T) { testTransitions(t, newStore(t)) })
	t.Run("ReplayIsNoop", func(t *testing.T) { testReplay(t, newStore(t)) })
	t.Run("TerminalIsImmutable", func(t *testing.T) { testTerminal(t, newStore(t)) })
	t.Run("FinishRun", func(t *testing.T) { testFinish(t, newStore(t)) })
	t.Run("Listing", func(t *testing.T) { testListing(t, newStore(t)) })
	t.Run("ScheduledWatermarkIgnoresManualRuns", func(t *testing.T) { testScheduledWatermark(t, newStore(t)) })
	t.Run("ReleaseHandsBackAttempt", func(t *testing.T) { testRelease(t, newStore(t)) })
	t.Run("ConcurrentWritersSerialize", func(t *testing.T) { testConcurrentWriters(t, newStore(t)) })
}

var runCmp = []cmp.Option{
	cmpopts.EquateApproxTime(time.Microsecond),
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(types.Run{}, "Version"),
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRun("run-a", "marketing", Window(0), "extract", "load")
	r.Params = map[string]string{"source": "facebook_ads"}
	r.DAGVersion = 3

	created, err := s.CreateRun(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := s.GetRun(ctx, "marketing", Window(0))
	require.NoError(t, err)
	if diff := cmp.Diff(r, got, runCmp...); diff != "" {
		t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
	}

	byID, err := s.GetRunByID(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, got.Window, byID.Window)

	_, err = s.GetRun(ctx, "marketing", Window(1))
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetRunByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateRun(ctx, NewRun("first", "ads", Window(0), "extract"))
	require.NoError(t, err)

	existing, err := s.CreateRun(ctx, NewRun("second", "ads", Window(0), "extract"))
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	require.NotNil(t, existing)
	assert.Equal(t, "first", existing.ID)

	runs, err := s.ListRuns(ctx, "ads", 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	// same window, different DAG is a different run
	_, err = s.CreateRun(ctx, NewRun("third", "crm", Window(0), "extract"))
	require.NoError(t, err)
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateRun(ctx, NewRun("r", "etl", Window(0), "extract"))
	require.NoError(t, err)

	at := day0.Add(time.Hour)
	r, err := s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1, At: at,
	})
	require.NoError(t, err)
	ti := r.Task("extract")
	assert.Equal(t, types.TaskRunning, ti.State)
	assert.Equal(t, 1, ti.Attempt)
	require.NotNil(t, ti.StartedAt)
	assert.True(t, ti.StartedAt.Equal(at))
	assert.Equal(t, int64(2), r.Version)

	// stale From
	_, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskPending, To: types.TaskSkipped, Attempt: 1, At: at,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	// wrong attempt
	_, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskRunning, To: types.TaskFailed, Attempt: 2, At: at,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	retryAt := at.Add(5 * time.Second)
	r, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskRunning, To: types.TaskFailed, Attempt: 1,
		Error: "429 too many requests", RetryAt: &retryAt, At: at.Add(time.Second),
	})
	require.NoError(t, err)
	ti = r.Task("extract")
	assert.True(t, ti.RetryPending())
	assert.Equal(t, "429 too many requests", ti.LastError)
	require.NotNil(t, ti.RetryAt)
	assert.True(t, ti.RetryAt.Equal(retryAt))

	r, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskFailed, To: types.TaskPending, Attempt: 1, At: retryAt,
	})
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, r.Task("extract").State)
	assert.Nil(t, r.Task("extract").RetryAt)

	history, err := s.History(ctx, "r")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, types.TaskRunning, history[0].To)
	assert.Equal(t, types.TaskFailed, history[1].To)
	assert.Equal(t, types.TaskPending, history[2].To)

	_, err = s.RecordTransition(ctx, types.Transition{RunID: "r", Task: "nope", From: types.TaskPending, To: types.TaskRunning, Attempt: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.RecordTransition(ctx, types.Transition{RunID: "nope", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testReplay(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateRun(ctx, NewRun("r", "etl", Window(0), "extract"))
	require.NoError(t, err)

	tr := types.Transition{RunID: "r", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1, At: day0}
	first, err := s.RecordTransition(ctx, tr)
	require.NoError(t, err)
	second, err := s.RecordTransition(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version, "replay does not bump the version")

	history, err := s.History(ctx, "r")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func testTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateRun(ctx, NewRun("r", "etl", Window(0), "extract", "load"))
	require.NoError(t, err)

	for _, tr := range []types.Transition{
		{RunID: "r", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1},
		{RunID: "r", Task: "extract", From: types.TaskRunning, To: types.TaskSucceeded, Attempt: 1, Output: "s3://raw/2024-05-01"},
		{RunID: "r", Task: "load", From: types.TaskPending, To: types.TaskUpstreamFailed, Attempt: 0},
	} {
		tr.At = day0
		_, err := s.RecordTransition(ctx, tr)
		require.NoError(t, err)
	}

	_, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskSucceeded, To: types.TaskFailed, Attempt: 1, At: day0,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "load", From: types.TaskUpstreamFailed, To: types.TaskPending, Attempt: 0, At: day0,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	r, err := s.GetRunByID(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "s3://raw/2024-05-01", r.Task("extract").Output)
}

func testFinish(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateRun(ctx, NewRun("r", "etl", Window(0), "extract"))
	require.NoError(t, err)

	end := day0.Add(2 * time.Hour)
	r, err := s.FinishRun(ctx, "r", types.RunFailed, end)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, r.State)
	require.NotNil(t, r.EndedAt)
	assert.True(t, r.EndedAt.Equal(end))

	_, err = s.FinishRun(ctx, "r", types.RunFailed, end.Add(time.Hour))
	assert.NoError(t, err, "finishing twice with the same state is a no-op")

	_, err = s.FinishRun(ctx, "r", types.RunSucceeded, end)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.FinishRun(ctx, "r", types.RunRunning, end)
	assert.Error(t, err)

	_, err = s.FinishRun(ctx, "missing", types.RunFailed, end)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListing(t *testing.T, s store.Store) {
	ctx := context.Background()
	// insert out of order
	for _, day := range []int{2, 0, 1} {
		id := []string{"d0", "d1", "d2"}[day]
		_, err := s.CreateRun(ctx, NewRun(id, "daily", Window(day), "extract"))
		require.NoError(t, err)
	}
	_, err := s.CreateRun(ctx, NewRun("other", "hourly", Window(5), "extract"))
	require.NoError(t, err)
	_, err = s.FinishRun(ctx, "d0", types.RunSucceeded, day0)
	require.NoError(t, err)

	active, err := s.ListActiveRuns(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, r := range active {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"d1", "d2", "other"}, ids)

	latest, err := s.LatestScheduledRun(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, "d2", latest.ID)

	runs, err := s.ListRuns(ctx, "daily", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "d2", runs[0].ID)
	assert.Equal(t, "d1", runs[1].ID)

	_, err = s.LatestScheduledRun(ctx, "never")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testScheduledWatermark(t *testing.T, s store.Store) {
	ctx := context.Background()
	scheduled := NewRun("s0", "daily", Window(0), "extract")
	scheduled.Trigger = types.TriggerScheduled
	_, err := s.CreateRun(ctx, scheduled)
	require.NoError(t, err)

	manual := NewRun("m30", "daily", Window(30), "extract")
	manual.Trigger = types.TriggerManual
	manual.Params = map[string]string{"reason": "reprocess"}
	_, err = s.CreateRun(ctx, manual)
	require.NoError(t, err)

	latest, err := s.LatestScheduledRun(ctx, "daily")
	require.NoError(t, err)
	assert.Equal(t, "s0", latest.ID)
	assert.Equal(t, types.TriggerScheduled, latest.Trigger)

	got, err := s.GetRunByID(ctx, "m30")
	require.NoError(t, err)
	assert.True(t, got.Manual())

	_, err = s.CreateRun(ctx, NewRun("legacy", "adhoc", Window(0), "extract"))
	require.NoError(t, err)
	_, err = s.LatestScheduledRun(ctx, "adhoc")
	require.NoError(t, err, "runs without a recorded trigger count as scheduled")

	onlyManual := NewRun("m1", "backfill", Window(1), "extract")
	onlyManual.Trigger = types.TriggerManual
	_, err = s.CreateRun(ctx, onlyManual)
	require.NoError(t, err)
	_, err = s.LatestScheduledRun(ctx, "backfill")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRelease(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateRun(ctx, NewRun("r", "etl", Window(0), "extract"))
	require.NoError(t, err)

	_, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1, At: day0,
	})
	require.NoError(t, err)

	// a release must carry the attempt it gives back
	_, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskRunning, To: types.TaskPending, Attempt: 1, At: day0,
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	release := types.Transition{
		RunID: "r", Task: "extract", From: types.TaskRunning, To: types.TaskPending, Attempt: 0, At: day0.Add(time.Minute),
	}
	r, err := s.RecordTransition(ctx, release)
	require.NoError(t, err)
	assert.Equal(t, types.TaskPending, r.Task("extract").State)
	assert.Equal(t, 0, r.Task("extract").Attempt)

	_, err = s.RecordTransition(ctx, release)
	require.NoError(t, err, "replaying the release is a no-op")

	r, err = s.RecordTransition(ctx, types.Transition{
		RunID: "r", Task: "extract", From: types.TaskPending, To: types.TaskRunning, Attempt: 1, At: day0.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Task("extract").Attempt)
}

// testConcurrentWriters races writers that all try to dispatch the same task;
// exactly one must win and the rest see a replay or a conflict.
func testConcurrentWriters(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateRun(ctx, NewRun("r", "etl", Window(0), "extract"))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := types.TaskRunning
			attempt := 1
			if i%2 == 1 {
				to = types.TaskSkipped
				attempt = 0
			}
			_, errs[i] = s.RecordTransition(ctx, types.Transition{
				RunID: "r", Task: "extract", From: types.TaskPending, To: to, Attempt: attempt, At: day0,
			})
		}(i)
	}
	wg.Wait()

	history, err := s.History(ctx, "r")
	require.NoError(t, err)
	require.Len(t, history, 1, "exactly one transition is recorded")

	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, store.ErrConflict)
		}
	}
}
