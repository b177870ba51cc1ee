package dag

import (
	"context"
	"errors"

	"etlflow/pkg/types"
)

// ErrSkip may be returned by an action to mark its task Skipped instead of Failed.
var ErrSkip = errors.New("task skipped")

// Output is an opaque reference to the data a task produced (a path, a table, a row count).
type Output string

// TaskContext is resolved before dispatch and handed to the action.
type TaskContext struct {
	RunID   string
	DAG     string
	Task    string
	Window  types.Window
	Attempt int

	// Params is the run's caller-supplied parameter bag
	Params map[string]string

	// Inputs maps each upstream task name to the output it recorded
	Inputs map[string]Output
}

// Input returns the output recorded by upstream task name.
func (tc TaskContext) Input(name string) (Output, bool) {
	out, ok := tc.Inputs[name]
	return out, ok
}

// Param returns a run parameter or def when absent.
func (tc TaskContext) Param(key, def string) string {
	if v, ok := tc.Params[key]; ok {
		return v
	}
	return def
}

// Action is the unit of work a task performs. The engine treats it as opaque.
type Action interface {
	Execute(ctx context.Context, tc TaskContext) (Output, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, tc TaskContext) (Output, error)

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, tc TaskContext) (Output, error) {
	return f(ctx, tc)
}
