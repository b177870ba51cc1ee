package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNilDAG is returned when registering a nil DAG.
var ErrNilDAG = errors.New("nil DAG")

// Registry holds the current definition of every known DAG.
//
// Lifecycle: the process builds a Registry, Loads the configured DAGs, and
// passes it to the Scheduler and Executor. A reload calls Load again with the
// full new set; runs that already started keep the *DAG they were created with.
type Registry struct {
	mu      sync.RWMutex
	dags    map[string]*DAG
	version int64
}

// LoadResult reports what a Load changed.
type LoadResult struct {
	Added   []string
	Updated []string
	Removed []string
}

func NewRegistry() *Registry {
	return &Registry{dags: make(map[string]*DAG)}
}

// Register adds or replaces a single DAG and assigns it the next version.
func (r *Registry) Register(d *DAG) error {
	if d == nil {
		return ErrNilDAG
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	d.Version = r.version
	r.dags[d.Name] = d
	return nil
}

// Load atomically replaces the whole set of DAGs.
func (r *Registry) Load(dags []*DAG) (LoadResult, error) {
	next := make(map[string]*DAG, len(dags))
	for _, d := range dags {
		if d == nil {
			return LoadResult{}, ErrNilDAG
		}
		if _, dup := next[d.Name]; dup {
			return LoadResult{}, fmt.Errorf("dag %q defined more than once", d.Name)
		}
		next[d.Name] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var res LoadResult
	for _, d := range dags {
		r.version++
		d.Version = r.version
		if _, ok := r.dags[d.Name]; ok {
			res.Updated = append(res.Updated, d.Name)
		} else {
			res.Added = append(res.Added, d.Name)
		}
	}
	for name := range r.dags {
		if _, ok := next[name]; !ok {
			res.Removed = append(res.Removed, name)
		}
	}
	sort.Strings(res.Added)
	sort.Strings(res.Updated)
	sort.Strings(res.Removed)
	r.dags = next
	return res, nil
}

// Get returns the current definition of name.
func (r *Registry) Get(name string) (*DAG, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dags[name]
	return d, ok
}

// List returns all DAGs sorted by name.
func (r *Registry) List() []*DAG {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DAG, 0, len(r.dags))
	for _, d := range r.dags {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
