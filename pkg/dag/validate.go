package dag

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

var (
	// ErrCyclicDependency means the dependency relation contains a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownTaskReference means a dependency names a task that is not in the DAG.
	ErrUnknownTaskReference = errors.New("unknown task reference")

	// ErrDuplicateTask means two tasks share a name.
	ErrDuplicateTask = errors.New("duplicate task name")

	// ErrInvalidDAG covers attribute errors (missing names, negative limits, bad policies).
	ErrInvalidDAG = errors.New("invalid DAG")
)

// ValidationError is returned when a DAG definition is rejected at load time.
type ValidationError struct {
	DAG  string
	Task string

	// Path lists the cycle for ErrCyclicDependency, first node repeated at the end
	Path []string

	Err error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("dag")
	if e.DAG != "" {
		fmt.Fprintf(&b, " %q", e.DAG)
	}
	if e.Task != "" {
		fmt.Fprintf(&b, " task %q", e.Task)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if len(e.Path) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Path, " -> "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// validateGraph rejects dangling references and cycles, then computes the
// topological order and the reverse adjacency used by Downstream.
func (d *DAG) validateGraph() error {
	for _, t := range d.tasks {
		seen := make(map[string]bool, len(t.Deps))
		for _, dep := range t.Deps {
			if _, ok := d.index[dep.Upstream]; !ok {
				return &ValidationError{
					DAG:  d.Name,
					Task: t.Name,
					Err:  fmt.Errorf("%w: %q", ErrUnknownTaskReference, dep.Upstream),
				}
			}
			if seen[dep.Upstream] {
				return &ValidationError{
					DAG:  d.Name,
					Task: t.Name,
					Err:  fmt.Errorf("%w: dependency on %q declared twice", ErrInvalidDAG, dep.Upstream),
				}
			}
			seen[dep.Upstream] = true
		}
	}

	if path := d.findCycle(); path != nil {
		return &ValidationError{DAG: d.Name, Task: path[0], Path: path, Err: ErrCyclicDependency}
	}

	order, err := d.buildExecutionOrder()
	if err != nil {
		return &ValidationError{DAG: d.Name, Err: fmt.Errorf("%w: %w", ErrCyclicDependency, err)}
	}
	d.order = order
	d.position = make(map[string]int, len(order))
	for i, name := range order {
		d.position[name] = i
	}

	d.downstream = make(map[string][]string, len(d.tasks))
	for _, t := range d.tasks {
		for _, dep := range t.Deps {
			d.downstream[dep.Upstream] = append(d.downstream[dep.Upstream], t.Name)
		}
	}
	return nil
}

// findCycle walks upstream edges depth-first from every task and returns the
// first cycle found, or nil.
func (d *DAG) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)
	color := make(map[string]int, len(d.tasks))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = inProgress
		stack = append(stack, name)
		for _, dep := range d.index[name].Deps {
			switch color[dep.Upstream] {
			case inProgress:
				start := 0
				for i, n := range stack {
					if n == dep.Upstream {
						start = i
						break
					}
				}
				// stack holds downstream->upstream; report in dependency direction
				cycle := append([]string(nil), stack[start:]...)
				cycle = append(cycle, dep.Upstream)
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return cycle
			case unvisited:
				if c := visit(dep.Upstream); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = done
		return nil
	}

	for _, t := range d.tasks {
		if color[t.Name] == unvisited {
			if c := visit(t.Name); c != nil {
				return c
			}
		}
	}
	return nil
}

// buildExecutionOrder sorts the tasks topologically and then stably by depth
// and declaration index so the order does not depend on map iteration.
func (d *DAG) buildExecutionOrder() ([]string, error) {
	if len(d.tasks) == 0 {
		return []string{}, nil
	}

	edges := make([]toposort.Edge, 0)
	for _, t := range d.tasks {
		for _, dep := range t.Deps {
			edges = append(edges, toposort.Edge{dep.Upstream, t.Name})
		}
	}

	sorted := make([]string, 0, len(d.tasks))
	inSorted := make(map[string]bool, len(d.tasks))
	if len(edges) > 0 {
		nodes, err := toposort.Toposort(edges)
		if err != nil {
			return nil, err
		}
		for _, node := range nodes {
			name := node.(string)
			inSorted[name] = true
			sorted = append(sorted, name)
		}
	}
	// tasks without edges are roots
	for _, t := range d.tasks {
		if !inSorted[t.Name] {
			sorted = append([]string{t.Name}, sorted...)
		}
	}

	depth := make(map[string]int, len(sorted))
	for _, name := range sorted {
		for _, dep := range d.index[name].Deps {
			if depth[dep.Upstream]+1 > depth[name] {
				depth[name] = depth[dep.Upstream] + 1
			}
		}
	}
	declared := make(map[string]int, len(d.tasks))
	for i, t := range d.tasks {
		declared[t.Name] = i
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if depth[a] != depth[b] {
			return depth[a] < depth[b]
		}
		return declared[a] < declared[b]
	})
	return sorted, nil
}
