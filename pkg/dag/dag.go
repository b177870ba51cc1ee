package dag

import (
	"fmt"
	"time"
)

// Schedule produces the boundaries of consecutive logical windows.
// A nil Schedule means the DAG only runs when triggered manually.
type Schedule interface {
	// Next returns the first boundary strictly after t.
	Next(t time.Time) time.Time
	String() string
}

// DAG is an immutable, validated graph of tasks.
//
// A DAG is replaced, never modified: registering a DAG under an existing name
// publishes a new value while runs already in flight keep the one they started with.
type DAG struct {
	Name string

	// Schedule is nil for manual DAGs
	Schedule  Schedule
	StartDate time.Time

	// MaxActiveRuns bounds concurrently running runs of this DAG
	MaxActiveRuns int

	// MaxConcurrentTasks bounds concurrently running tasks of one DAG; zero means only the global limit applies
	MaxConcurrentTasks int

	// Catchup creates every missed window when true, only the latest one otherwise
	Catchup bool

	// DispatchRate limits task starts per second across runs of this DAG; zero means unlimited
	DispatchRate float64

	DefaultRetry   RetryPolicy
	DefaultTimeout time.Duration

	// Version is assigned by the Registry
	Version int64

	tasks      []*Task
	index      map[string]*Task
	order      []string
	position   map[string]int
	downstream map[string][]string
}

// Option configures a DAG at build time.
type Option func(*DAG)

func WithSchedule(s Schedule) Option { return func(d *DAG) { d.Schedule = s } }

func WithStartDate(t time.Time) Option { return func(d *DAG) { d.StartDate = t.UTC() } }

func WithMaxActiveRuns(n int) Option { return func(d *DAG) { d.MaxActiveRuns = n } }

func WithMaxConcurrentTasks(n int) Option { return func(d *DAG) { d.MaxConcurrentTasks = n } }

func WithCatchup(enabled bool) Option { return func(d *DAG) { d.Catchup = enabled } }

func WithDispatchRate(perSecond float64) Option { return func(d *DAG) { d.DispatchRate = perSecond } }

// WithDefaultRetry sets the retry policy inherited by tasks that do not set one.
func WithDefaultRetry(p RetryPolicy) Option { return func(d *DAG) { d.DefaultRetry = p } }

// WithDefaultTimeout sets the timeout inherited by tasks that do not set one.
func WithDefaultTimeout(t time.Duration) Option { return func(d *DAG) { d.DefaultTimeout = t } }

// New builds a DAG, resolves inherited defaults and validates the graph.
// Validation failures are returned as *ValidationError.
func New(name string, tasks []Task, opts ...Option) (*DAG, error) {
	d := &DAG{
		Name:          name,
		MaxActiveRuns: 1,
		Catchup:       true,
		DefaultRetry:  RetryPolicy{Backoff: BackoffExponential},
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.checkAttributes(); err != nil {
		return nil, err
	}

	d.tasks = make([]*Task, 0, len(tasks))
	d.index = make(map[string]*Task, len(tasks))
	for i := range tasks {
		t := resolveTask(tasks[i], d.DefaultRetry, d.DefaultTimeout)
		if t.Name == "" {
			return nil, &ValidationError{DAG: name, Err: fmt.Errorf("%w: task %d has no name", ErrInvalidDAG, i)}
		}
		if _, dup := d.index[t.Name]; dup {
			return nil, &ValidationError{DAG: name, Task: t.Name, Err: ErrDuplicateTask}
		}
		if t.Action == nil {
			return nil, &ValidationError{DAG: name, Task: t.Name, Err: fmt.Errorf("%w: task has no action", ErrInvalidDAG)}
		}
		if err := t.Retry.validate(); err != nil {
			return nil, &ValidationError{DAG: name, Task: t.Name, Err: fmt.Errorf("%w: %w", ErrInvalidDAG, err)}
		}
		if t.Timeout < 0 {
			return nil, &ValidationError{DAG: name, Task: t.Name, Err: fmt.Errorf("%w: negative timeout", ErrInvalidDAG)}
		}
		d.tasks = append(d.tasks, t)
		d.index[t.Name] = t
	}

	if err := d.validateGraph(); err != nil {
		return nil, err
	}
	return d, nil
}

// MustNew is New that panics on error, for statically defined DAGs.
func MustNew(name string, tasks []Task, opts ...Option) *DAG {
	d, err := New(name, tasks, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func resolveTask(t Task, retry RetryPolicy, timeout time.Duration) *Task {
	out := t
	out.Deps = make([]Dependency, len(t.Deps))
	for i, dep := range t.Deps {
		if dep.Rule == "" {
			dep.Rule = AllSucceeded
		}
		out.Deps[i] = dep
	}
	if t.Retry == nil {
		p := retry
		out.Retry = &p
	} else {
		p := *t.Retry
		out.Retry = &p
	}
	if out.Retry.Backoff == "" {
		out.Retry.Backoff = BackoffExponential
	}
	if out.Timeout == 0 {
		out.Timeout = timeout
	}
	return &out
}

func (d *DAG) checkAttributes() error {
	if d.Name == "" {
		return &ValidationError{Err: fmt.Errorf("%w: DAG has no name", ErrInvalidDAG)}
	}
	if d.MaxActiveRuns < 1 {
		return &ValidationError{DAG: d.Name, Err: fmt.Errorf("%w: max_active_runs must be at least 1", ErrInvalidDAG)}
	}
	if d.MaxConcurrentTasks < 0 {
		return &ValidationError{DAG: d.Name, Err: fmt.Errorf("%w: max_concurrent_tasks must be non-negative", ErrInvalidDAG)}
	}
	if d.DispatchRate < 0 {
		return &ValidationError{DAG: d.Name, Err: fmt.Errorf("%w: dispatch_rate must be non-negative", ErrInvalidDAG)}
	}
	if err := d.DefaultRetry.validate(); err != nil {
		return &ValidationError{DAG: d.Name, Err: fmt.Errorf("%w: %w", ErrInvalidDAG, err)}
	}
	if d.DefaultTimeout < 0 {
		return &ValidationError{DAG: d.Name, Err: fmt.Errorf("%w: negative task_timeout", ErrInvalidDAG)}
	}
	return nil
}

// Manual reports whether the DAG only runs on trigger.
func (d *DAG) Manual() bool {
	return d.Schedule == nil
}

// Task returns the resolved task by name.
func (d *DAG) Task(name string) (*Task, bool) {
	t, ok := d.index[name]
	return t, ok
}

// Tasks returns the resolved tasks in declaration order.
func (d *DAG) Tasks() []*Task {
	out := make([]*Task, len(d.tasks))
	copy(out, d.tasks)
	return out
}

// TaskNames returns the task names in declaration order.
func (d *DAG) TaskNames() []string {
	names := make([]string, len(d.tasks))
	for i, t := range d.tasks {
		names[i] = t.Name
	}
	return names
}

// Order returns the task names in a deterministic topological order.
func (d *DAG) Order() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Downstream returns every task that transitively depends on name, in topological order.
func (d *DAG) Downstream(name string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), d.downstream[name]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, d.downstream[n]...)
	}
	out := make([]string, 0, len(seen))
	for _, n := range d.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}
