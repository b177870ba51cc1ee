// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"etlflow/pkg/types"
)

// MemoryStore implements Store in process memory. Runs are deep-copied on
// the way in and out so callers never share instances with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	runs    map[string]*types.Run  // id -> run
	byKey   map[string]string      // dag@window -> id
	history map[string][]types.Transition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*types.Run),
		byKey:   make(map[string]string),
		history: make(map[string][]types.Transition),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateRun(_ context.Context, r *types.Run) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := r.Key().String()
	if id, ok := s.byKey[key]; ok {
		return s.runs[id].Clone(), fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	if _, ok := s.runs[r.ID]; ok {
		return nil, fmt.Errorf("%w: run id %s is taken", ErrConflict, r.ID)
	}

	c := r.Clone()
	c.Version = 1
	s.runs[c.ID] = c
	s.byKey[key] = c.ID
	return c.Clone(), nil
}

func (s *MemoryStore) GetRun(_ context.Context, dag string, window types.Window) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := types.RunKey{DAG: dag, Window: window}.String()
	id, ok := s.byKey[key]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, key)
	}
	return s.runs[id].Clone(), nil
}

func (s *MemoryStore) GetRunByID(_ context.Context, id string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) RecordTransition(_ context.Context, tr types.Transition) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[tr.RunID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, tr.RunID)
	}
	ti, ok := r.Tasks[tr.Task]
	if !ok {
		return nil, fmt.Errorf("%w: task %s in run %s", ErrNotFound, tr.Task, tr.RunID)
	}

	noop, err := CheckTransition(ti, tr)
	if err != nil {
		return nil, err
	}
	if noop {
		return r.Clone(), nil
	}

	tr.Apply(ti)
	r.Version++
	s.history[r.ID] = append(s.history[r.ID], tr)
	return r.Clone(), nil
}

func (s *MemoryStore) FinishRun(_ context.Context, runID string, state types.RunState, at time.Time) (*types.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	noop, err := CheckFinish(r, state)
	if err != nil {
		return nil, err
	}
	if noop {
		return r.Clone(), nil
	}
	ended := at.UTC()
	r.State = state
	r.EndedAt = &ended
	r.Version++
	return r.Clone(), nil
}

func (s *MemoryStore) ListActiveRuns(_ context.Context) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Run
	for _, r := range s.runs {
		if !r.State.IsTerminal() {
			out = append(out, r.Clone())
		}
	}
	sortRuns(out, false)
	return out, nil
}

func (s *MemoryStore) LatestScheduledRun(_ context.Context, dag string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.Run
	for _, r := range s.runs {
		if r.DAG != dag || r.Manual() {
			continue
		}
		if latest == nil || r.Window.Start.After(latest.Window.Start) {
			latest = r
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no scheduled runs for dag %s", ErrNotFound, dag)
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, dag string, limit int) ([]*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Run
	for _, r := range s.runs {
		if r.DAG == dag {
			out = append(out, r)
		}
	}
	sortRuns(out, true)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, r := range out {
		out[i] = r.Clone()
	}
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, runID string) ([]types.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	out := make([]types.Transition, len(s.history[runID]))
	copy(out, s.history[runID])
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// sortRuns orders by window start, then DAG name and ID for stability.
func sortRuns(runs []*types.Run, latestFirst bool) {
	sort.Slice(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if !a.Window.Start.Equal(b.Window.Start) {
			if latestFirst {
				return a.Window.Start.After(b.Window.Start)
			}
			return a.Window.Start.Before(b.Window.Start)
		}
		if a.DAG != b.DAG {
			return a.DAG < b.DAG
		}
		return a.ID < b.ID
	})
}
