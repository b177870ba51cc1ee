// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package temporal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"etlflow/internal/scheduler"
	"etlflow/pkg/types"
)

// fakeOrchestrator returns states from a script, one per GetRun call.
type fakeOrchestrator struct {
	mu         sync.Mutex
	triggerErr error
	triggers   int
	states     []types.RunState
	getErr     error
}

func (f *fakeOrchestrator) Trigger(_ context.Context, req scheduler.TriggerRequest) (scheduler.TriggerResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	if f.triggerErr != nil {
		return scheduler.TriggerResult{}, f.triggerErr
	}
	return scheduler.TriggerResult{
		RunID:   "run-1",
		DAG:     req.DAG,
		Window:  req.Window,
		State:   types.RunRunning,
		Created: true,
	}, nil
}

func (f *fakeOrchestrator) GetRun(_ context.Context, runID string) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	state := f.states[0]
	if len(f.states) > 1 {
		f.states = f.states[1:]
	}
	r := &types.Run{ID: runID, DAG: "sales", State: state, Tasks: map[string]*types.TaskInstance{}}
	if state == types.RunFailed {
		r.Tasks["load"] = &types.TaskInstance{Task: "load", State: types.TaskFailed, Attempt: 3, LastError: "warehouse unavailable"}
	}
	return r, nil
}

func salesRequest() scheduler.TriggerRequest {
	start := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	return scheduler.TriggerRequest{DAG: "sales", Window: types.NewWindow(start, start.Add(24*time.Hour))}
}

func TestTriggerRunWorkflow_NoWait(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	orch := &fakeOrchestrator{states: []types.RunState{types.RunRunning}}
	env.RegisterActivity(&TriggerActivities{Orchestrator: orch})

	env.ExecuteWorkflow(TriggerRunWorkflow, TriggerRunInput{Request: salesRequest()})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out TriggerRunOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, "run-1", out.Trigger.RunID)
	assert.True(t, out.Trigger.Created)
	assert.Equal(t, types.RunRunning, out.State)
}

func TestTriggerRunWorkflow_WaitsForTerminalState(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	orch := &fakeOrchestrator{states: []types.RunState{types.RunRunning, types.RunRunning, types.RunFailed}}
	env.RegisterActivity(&TriggerActivities{Orchestrator: orch})

	env.ExecuteWorkflow(TriggerRunWorkflow, TriggerRunInput{
		Request:      salesRequest(),
		Wait:         true,
		PollInterval: time.Minute,
	})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out TriggerRunOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, types.RunFailed, out.State)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, "load", out.Failures[0].Task)
	assert.Equal(t, "warehouse unavailable", out.Failures[0].Error)
}

func TestTriggerRunWorkflow_UnknownDAGIsNotRetried(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	orch := &fakeOrchestrator{triggerErr: scheduler.ErrUnknownDAG}
	env.RegisterActivity(&TriggerActivities{Orchestrator: orch})

	env.ExecuteWorkflow(TriggerRunWorkflow, TriggerRunInput{Request: salesRequest()})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrTypeInvalidTrigger, appErr.Type())
	assert.Equal(t, 1, orch.triggers)
}

func TestTriggerRunWorkflow_TransientErrorsAreRetried(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	acts := &TriggerActivities{}
	env.RegisterActivity(acts)

	req := salesRequest()
	env.OnActivity(acts.TriggerRun, mock.Anything, req).
		Return(scheduler.TriggerResult{}, errors.New("database is locked")).Once()
	env.OnActivity(acts.TriggerRun, mock.Anything, req).
		Return(scheduler.TriggerResult{RunID: "run-2", DAG: "sales", State: types.RunRunning}, nil).Once()

	env.ExecuteWorkflow(TriggerRunWorkflow, TriggerRunInput{Request: req})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out TriggerRunOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, "run-2", out.Trigger.RunID)
	assert.False(t, out.Trigger.Created)
}

func TestTriggerActivities_GetRunStatus(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()

	acts := &TriggerActivities{Orchestrator: &fakeOrchestrator{states: []types.RunState{types.RunSucceeded}}}
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.GetRunStatus, "run-1")
	require.NoError(t, err)

	var st RunStatus
	require.NoError(t, val.Get(&st))
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, types.RunSucceeded, st.State)
	assert.Empty(t, st.Failures)

	acts.Orchestrator = &fakeOrchestrator{getErr: errors.New("not found")}
	_, err = env.ExecuteActivity(acts.GetRunStatus, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}

func TestTriggerWorkflowID(t *testing.T) {
	req := salesRequest()
	assert.Equal(t, "etlflow-trigger-sales-2025-05-01T00:00:00Z-2025-05-02T00:00:00Z", TriggerWorkflowID(req))

	other := req
	other.Params = map[string]string{"full": "true"}
	assert.Equal(t, TriggerWorkflowID(req), TriggerWorkflowID(other), "params do not change the window key")
}

func TestStartTrigger(t *testing.T) {
	c := &mocks.Client{}
	wr := &mocks.WorkflowRun{}
	input := TriggerRunInput{Request: salesRequest(), Wait: true}

	c.On("ExecuteWorkflow", mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.TaskQueue == "etl" && o.ID == TriggerWorkflowID(input.Request)
		}),
		mock.Anything, input).Return(wr, nil).Once()

	got, err := StartTrigger(context.Background(), c, "etl", input)
	require.NoError(t, err)
	assert.Same(t, wr, got)

	c.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("unavailable")).Once()
	_, err = StartTrigger(context.Background(), c, "etl", input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start trigger workflow")

	c.AssertExpectations(t)
}
