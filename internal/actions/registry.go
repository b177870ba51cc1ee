// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package actions provides the concrete task actions DAG files can refer to
// by type name, and the registry that builds them.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"etlflow/pkg/dag"
)

// Action type names understood by the default registry
const (
	TypeShell     = "shell"
	TypeContainer = "container"
	TypeNoop      = "noop"
)

// SkipExitCode makes shell and container actions report dag.ErrSkip.
const SkipExitCode = 99

var (
	// ErrUnknownActionType is returned by Build for an unregistered type.
	ErrUnknownActionType = errors.New("unknown action type")

	// ErrInvalidSpec is returned when a spec lacks a field its type requires.
	ErrInvalidSpec = errors.New("invalid action spec")
)

// Spec is the declarative form of an action as written in a DAG file.
type Spec struct {
	Type    string            `yaml:"type" hcl:"type"`
	Command string            `yaml:"command,omitempty" hcl:"command,optional"`
	Image   string            `yaml:"image,omitempty" hcl:"image,optional"`
	Args    []string          `yaml:"args,omitempty" hcl:"args,optional"`
	Env     map[string]string `yaml:"env,omitempty" hcl:"env,optional"`
	Pull    bool              `yaml:"pull,omitempty" hcl:"pull,optional"`
}

// Factory builds an action from its spec.
type Factory func(Spec) (dag.Action, error)

// Registry maps action type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry registers the shell and noop actions, and the container
// action when runtime is not nil.
func NewDefaultRegistry(runtime ContainerAPI) *Registry {
	r := NewRegistry()
	r.Register(TypeNoop, func(Spec) (dag.Action, error) { return Noop(), nil })
	r.Register(TypeShell, func(s Spec) (dag.Action, error) {
		if s.Command == "" {
			return nil, fmt.Errorf("%w: shell action needs a command", ErrInvalidSpec)
		}
		return &ShellAction{Command: s.Command, Env: s.Env}, nil
	})
	if runtime != nil {
		r.Register(TypeContainer, func(s Spec) (dag.Action, error) {
			if s.Image == "" {
				return nil, fmt.Errorf("%w: container action needs an image", ErrInvalidSpec)
			}
			return &ContainerAction{Runtime: runtime, Image: s.Image, Cmd: s.Args, Env: s.Env, Pull: s.Pull}, nil
		})
	}
	return r
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Build resolves spec to an action.
func (r *Registry) Build(spec Spec) (dag.Action, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownActionType, spec.Type)
	}
	return f(spec)
}

// Types lists the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Noop returns an action that succeeds with an empty output.
func Noop() dag.Action {
	return dag.ActionFunc(func(context.Context, dag.TaskContext) (dag.Output, error) {
		return "", nil
	})
}
