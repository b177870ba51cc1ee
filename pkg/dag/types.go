package dag

import (
	"fmt"
	"math"
	"strings"
	"time"

	"etlflow/pkg/types"
)

// Task is one node of a DAG. Tasks are immutable once the DAG is built.
type Task struct {
	Name   string
	Action Action
	Deps   []Dependency

	// Retry overrides the DAG default when non-nil
	Retry *RetryPolicy

	// Timeout overrides the DAG default when non-zero; zero after resolution means no limit
	Timeout time.Duration
}

// Upstreams returns the names of the task's dependencies.
func (t *Task) Upstreams() []string {
	names := make([]string, 0, len(t.Deps))
	for _, d := range t.Deps {
		names = append(names, d.Upstream)
	}
	return names
}

// RetryPolicy returns the effective retry policy.
func (t *Task) RetryPolicy() RetryPolicy {
	if t.Retry == nil {
		return RetryPolicy{}
	}
	return *t.Retry
}

// MaxAttempts is retries+1.
func (t *Task) MaxAttempts() int {
	return t.RetryPolicy().Retries + 1
}

// ============================================================================
// DEPENDENCIES
// ============================================================================

// TriggerRule names a built-in dependency predicate.
type TriggerRule string

const (
	// AllSucceeded is satisfied only by a Succeeded upstream. A skipped upstream propagates Skipped.
	AllSucceeded TriggerRule = "all_succeeded"

	// SucceededOrSkipped is satisfied by a Succeeded or Skipped upstream.
	SucceededOrSkipped TriggerRule = "succeeded_or_skipped"
)

// ParseTriggerRule maps a config value to a rule. Empty means AllSucceeded.
func ParseTriggerRule(s string) (TriggerRule, error) {
	switch TriggerRule(strings.ToLower(strings.TrimSpace(s))) {
	case "", AllSucceeded:
		return AllSucceeded, nil
	case SucceededOrSkipped:
		return SucceededOrSkipped, nil
	default:
		return "", fmt.Errorf("unknown trigger rule %q", s)
	}
}

// Predicate reports whether a terminal upstream instance satisfies a dependency.
type Predicate func(upstream types.TaskInstance) bool

// Predicate returns the function implementing the rule.
func (r TriggerRule) Predicate() Predicate {
	switch r {
	case SucceededOrSkipped:
		return func(up types.TaskInstance) bool {
			return up.State == types.TaskSucceeded || up.State == types.TaskSkipped
		}
	default:
		return func(up types.TaskInstance) bool {
			return up.State == types.TaskSucceeded
		}
	}
}

// Dependency is one upstream edge of a task.
type Dependency struct {
	Upstream string
	Rule     TriggerRule

	// Satisfied replaces Rule when set
	Satisfied Predicate
}

func (d Dependency) predicate() Predicate {
	if d.Satisfied != nil {
		return d.Satisfied
	}
	return d.Rule.Predicate()
}

// After declares AllSucceeded dependencies on the named tasks.
func After(names ...string) []Dependency {
	deps := make([]Dependency, 0, len(names))
	for _, n := range names {
		deps = append(deps, Dependency{Upstream: n, Rule: AllSucceeded})
	}
	return deps
}

// ============================================================================
// RETRY POLICY
// ============================================================================

// Backoff selects how the retry delay grows between attempts.
type Backoff string

const (
	BackoffExponential Backoff = "exponential"
	BackoffFixed       Backoff = "fixed"
)

// ParseBackoff maps a config value to a Backoff. Empty means exponential.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackoffExponential:
		return BackoffExponential, nil
	case BackoffFixed:
		return BackoffFixed, nil
	default:
		return "", fmt.Errorf("unknown retry backoff %q", s)
	}
}

// RetryPolicy controls how often and how soon a failed task is retried.
type RetryPolicy struct {
	// Retries is the number of retries after the first attempt
	Retries int

	// Delay is the wait before the first retry
	Delay time.Duration

	Backoff Backoff

	// MaxDelay caps the computed delay when positive
	MaxDelay time.Duration
}

// DelayFor returns the wait before retrying after the given failed attempt (1-based).
// Exponential backoff doubles the delay with every attempt.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Delay
	if p.Backoff != BackoffFixed {
		factor := math.Pow(2, float64(attempt-1))
		scaled := float64(p.Delay) * factor
		if scaled > float64(math.MaxInt64) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(scaled)
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// CanRetry reports whether another attempt is allowed after attempt failed.
func (p RetryPolicy) CanRetry(attempt int) bool {
	return attempt < p.Retries+1
}

func (p RetryPolicy) validate() error {
	if p.Retries < 0 {
		return fmt.Errorf("retries must be non-negative, got %d", p.Retries)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry delay must be non-negative, got %s", p.Delay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("max retry delay must be non-negative, got %s", p.MaxDelay)
	}
	if p.Backoff != "" && p.Backoff != BackoffFixed && p.Backoff != BackoffExponential {
		return fmt.Errorf("unknown retry backoff %q", p.Backoff)
	}
	return nil
}
