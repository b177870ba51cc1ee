// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"etlflow/internal/actions"
	"etlflow/internal/scheduler"
	"etlflow/pkg/dag"
)

// DAGFile is the declarative form of a DAG shared by the YAML and HCL loaders.
type DAGFile struct {
	Name               string  `yaml:"name" hcl:"name,label"`
	ScheduleInterval   string  `yaml:"schedule_interval" hcl:"schedule_interval,optional"`
	StartDate          string  `yaml:"start_date" hcl:"start_date,optional"`
	MaxActiveRuns      *int    `yaml:"max_active_runs" hcl:"max_active_runs,optional"`
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks" hcl:"max_concurrent_tasks,optional"`
	Catchup            *bool   `yaml:"catchup" hcl:"catchup,optional"`
	DispatchRate       float64 `yaml:"dispatch_rate" hcl:"dispatch_rate,optional"`

	Retries       int    `yaml:"retries" hcl:"retries,optional"`
	RetryDelay    string `yaml:"retry_delay" hcl:"retry_delay,optional"`
	RetryBackoff  string `yaml:"retry_backoff" hcl:"retry_backoff,optional"`
	MaxRetryDelay string `yaml:"max_retry_delay" hcl:"max_retry_delay,optional"`
	TaskTimeout   string `yaml:"task_timeout" hcl:"task_timeout,optional"`

	Tasks []TaskFile `yaml:"tasks" hcl:"task,block"`
}

// TaskFile declares one task. Unset retry fields inherit the DAG defaults.
type TaskFile struct {
	Name        string   `yaml:"name" hcl:"name,label"`
	DependsOn   []string `yaml:"depends_on" hcl:"depends_on,optional"`
	TriggerRule string   `yaml:"trigger_rule" hcl:"trigger_rule,optional"`

	Retries       *int   `yaml:"retries" hcl:"retries,optional"`
	RetryDelay    string `yaml:"retry_delay" hcl:"retry_delay,optional"`
	RetryBackoff  string `yaml:"retry_backoff" hcl:"retry_backoff,optional"`
	MaxRetryDelay string `yaml:"max_retry_delay" hcl:"max_retry_delay,optional"`
	Timeout       string `yaml:"timeout" hcl:"timeout,optional"`

	Action actions.Spec `yaml:"action" hcl:"action,block"`
}

type hclDAGFile struct {
	DAGs []DAGFile `hcl:"dag,block"`
}

// LoadDAGs reads every DAG file under paths and builds the DAGs. A path may
// be a file or a directory; directories are scanned (not recursively) for
// .yaml, .yml and .hcl files in name order. All file errors are reported.
func LoadDAGs(paths []string, registry *actions.Registry) ([]*dag.DAG, error) {
	files, err := expand(paths)
	if err != nil {
		return nil, err
	}

	var dags []*dag.DAG
	var errs []error
	for _, file := range files {
		defs, err := ReadDAGFile(file)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, def := range defs {
			d, err := def.Build(registry)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", file, err))
				continue
			}
			dags = append(dags, d)
		}
	}
	return dags, errors.Join(errs...)
}

func expand(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read DAG path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("failed to list DAG directory %s: %w", p, err)
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && isDAGFile(e.Name()) {
				found = append(found, filepath.Join(p, e.Name()))
			}
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

func isDAGFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".hcl":
		return true
	}
	return false
}

// ReadDAGFile decodes the DAG definitions in one file. YAML files may hold
// several documents; HCL files may hold several dag blocks.
func ReadDAGFile(path string) ([]DAGFile, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return readHCL(path)
	case ".yaml", ".yml":
		return readYAML(path)
	default:
		return nil, fmt.Errorf("unsupported DAG file type: %s", path)
	}
}

func readYAML(path string) ([]DAGFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DAG file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	var defs []DAGFile
	for {
		var def DAGFile
		err := dec.Decode(&def)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse DAG file %s: %w", path, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func readHCL(path string) ([]DAGFile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	var parsed hclDAGFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}
	return parsed.DAGs, nil
}

// Build validates the definition and resolves its actions.
func (f DAGFile) Build(registry *actions.Registry) (*dag.DAG, error) {
	sched, err := scheduler.ParseSchedule(f.ScheduleInterval)
	if err != nil {
		return nil, fmt.Errorf("dag %q: %w", f.Name, err)
	}

	defaults, err := retryPolicy(dag.RetryPolicy{}, &f.Retries, f.RetryDelay, f.RetryBackoff, f.MaxRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("dag %q: %w", f.Name, err)
	}
	timeout, err := duration("task_timeout", f.TaskTimeout)
	if err != nil {
		return nil, fmt.Errorf("dag %q: %w", f.Name, err)
	}

	opts := []dag.Option{
		dag.WithSchedule(sched),
		dag.WithMaxConcurrentTasks(f.MaxConcurrentTasks),
		dag.WithDispatchRate(f.DispatchRate),
		dag.WithDefaultRetry(defaults),
		dag.WithDefaultTimeout(timeout),
	}
	if f.StartDate != "" {
		start, err := ParseDate(f.StartDate)
		if err != nil {
			return nil, fmt.Errorf("dag %q: %w", f.Name, err)
		}
		opts = append(opts, dag.WithStartDate(start))
	}
	if f.MaxActiveRuns != nil {
		opts = append(opts, dag.WithMaxActiveRuns(*f.MaxActiveRuns))
	}
	if f.Catchup != nil {
		opts = append(opts, dag.WithCatchup(*f.Catchup))
	}

	tasks := make([]dag.Task, 0, len(f.Tasks))
	for _, tf := range f.Tasks {
		t, err := tf.build(registry, defaults)
		if err != nil {
			return nil, fmt.Errorf("dag %q task %q: %w", f.Name, tf.Name, err)
		}
		tasks = append(tasks, t)
	}
	return dag.New(f.Name, tasks, opts...)
}

func (tf TaskFile) build(registry *actions.Registry, defaults dag.RetryPolicy) (dag.Task, error) {
	action, err := registry.Build(tf.Action)
	if err != nil {
		return dag.Task{}, err
	}
	rule, err := dag.ParseTriggerRule(tf.TriggerRule)
	if err != nil {
		return dag.Task{}, err
	}
	timeout, err := duration("timeout", tf.Timeout)
	if err != nil {
		return dag.Task{}, err
	}

	t := dag.Task{Name: tf.Name, Action: action, Timeout: timeout}
	for _, up := range tf.DependsOn {
		t.Deps = append(t.Deps, dag.Dependency{Upstream: up, Rule: rule})
	}
	if tf.Retries != nil || tf.RetryDelay != "" || tf.RetryBackoff != "" || tf.MaxRetryDelay != "" {
		p, err := retryPolicy(defaults, tf.Retries, tf.RetryDelay, tf.RetryBackoff, tf.MaxRetryDelay)
		if err != nil {
			return dag.Task{}, err
		}
		t.Retry = &p
	}
	return t, nil
}

// retryPolicy overrides the set fields of base.
func retryPolicy(base dag.RetryPolicy, retries *int, delay, backoff, maxDelay string) (dag.RetryPolicy, error) {
	p := base
	if retries != nil {
		p.Retries = *retries
	}
	var err error
	if delay != "" {
		if p.Delay, err = duration("retry_delay", delay); err != nil {
			return p, err
		}
	}
	if maxDelay != "" {
		if p.MaxDelay, err = duration("max_retry_delay", maxDelay); err != nil {
			return p, err
		}
	}
	if backoff != "" {
		if p.Backoff, err = dag.ParseBackoff(backoff); err != nil {
			return p, err
		}
	}
	return p, nil
}

func duration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return d, nil
}

// ParseDate parses an RFC 3339 timestamp, a timestamp without zone, or a
// YYYY-MM-DD date. Times without a zone are UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want RFC 3339 or YYYY-MM-DD", s)
}
