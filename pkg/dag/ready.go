package dag

import (
	"etlflow/pkg/types"
)

// BlockedTask is a Pending task that can never become ready, and the state it must take.
type BlockedTask struct {
	Name   string
	State  types.TaskState
	Reason string
}

type readiness int

const (
	waiting readiness = iota
	ready
	blocked
)

// ReadyTasks returns the Pending tasks of run whose every dependency is
// satisfied, in topological order. Tasks missing from run are ignored.
func (d *DAG) ReadyTasks(run *types.Run) []string {
	var out []string
	for _, name := range d.order {
		ti := run.Task(name)
		if ti == nil || ti.State != types.TaskPending {
			continue
		}
		if r, _ := d.evaluate(run, d.index[name]); r == ready {
			out = append(out, name)
		}
	}
	return out
}

// Blocked returns the Pending tasks of run that can never become ready because
// an upstream reached a terminal state that does not satisfy the edge. A failed
// upstream yields UpstreamFailed, a cancelled one Cancelled and a skipped one
// Skipped, in that order of precedence.
func (d *DAG) Blocked(run *types.Run) []BlockedTask {
	var out []BlockedTask
	for _, name := range d.order {
		ti := run.Task(name)
		if ti == nil || ti.State != types.TaskPending {
			continue
		}
		if r, b := d.evaluate(run, d.index[name]); r == blocked {
			b.Name = name
			out = append(out, b)
		}
	}
	return out
}

func (d *DAG) evaluate(run *types.Run, t *Task) (readiness, BlockedTask) {
	result := ready
	var block BlockedTask
	for _, dep := range t.Deps {
		up := run.Task(dep.Upstream)
		if up == nil || !up.IsTerminal() {
			if result == ready {
				result = waiting
			}
			continue
		}
		if dep.predicate()(*up) {
			continue
		}
		state := blockedState(up.State)
		if result != blocked || rank(state) > rank(block.State) {
			block = BlockedTask{State: state, Reason: "upstream " + dep.Upstream + " is " + string(up.State)}
		}
		result = blocked
	}
	return result, block
}

func blockedState(upstream types.TaskState) types.TaskState {
	switch upstream {
	case types.TaskFailed, types.TaskUpstreamFailed:
		return types.TaskUpstreamFailed
	case types.TaskCancelled:
		return types.TaskCancelled
	default:
		// skipped, or succeeded but rejected by a custom predicate
		return types.TaskSkipped
	}
}

func rank(s types.TaskState) int {
	switch s {
	case types.TaskUpstreamFailed:
		return 3
	case types.TaskCancelled:
		return 2
	case types.TaskSkipped:
		return 1
	default:
		return 0
	}
}
