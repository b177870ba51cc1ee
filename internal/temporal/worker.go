// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
)

// WorkerOptions contains configuration for TemporalWorker.
type WorkerOptions struct {
	// HostPort is the Temporal frontend address (default: client.DefaultHostPort).
	HostPort string
	// TaskQueue is the task queue name for this worker.
	TaskQueue string
	// Namespace is the Temporal namespace (default: "default").
	Namespace string
	// MaxConcurrent is max concurrent activity executions (default: 10).
	MaxConcurrent int
	Logger        *slog.Logger
}

// TemporalWorker serves TriggerRunWorkflow and its activities.
type TemporalWorker struct {
	client  client.Client
	worker  worker.Worker
	opts    WorkerOptions
	started bool
	mu      sync.Mutex
}

// NewTemporalWorker creates a worker bound to orch. The client connects
// lazily, so no Temporal server is contacted until Start.
func NewTemporalWorker(opts WorkerOptions, orch Orchestrator) (*TemporalWorker, error) {
	if opts.TaskQueue == "" {
		return nil, errors.New("task_queue is required")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}

	if opts.HostPort == "" {
		opts.HostPort = client.DefaultHostPort
	}
	if opts.Namespace == "" {
		opts.Namespace = client.DefaultNamespace
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c, err := client.NewLazyClient(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
		Logger:    tlog.NewStructuredLogger(opts.Logger.With("component", "temporal")),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create temporal client: %w", err)
	}

	w := worker.New(c, opts.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: opts.MaxConcurrent,
	})
	w.RegisterWorkflow(TriggerRunWorkflow)
	w.RegisterActivity(&TriggerActivities{Orchestrator: orch})

	return &TemporalWorker{client: c, worker: w, opts: opts}, nil
}

// Client returns the worker's Temporal client.
func (w *TemporalWorker) Client() client.Client {
	return w.client
}

// Start begins polling the task queue.
// Idempotent: calling Start multiple times is safe.
func (w *TemporalWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}
	if err := w.worker.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	w.started = true
	w.opts.Logger.Info("Temporal worker started", "host_port", w.opts.HostPort, "task_queue", w.opts.TaskQueue)
	return nil
}

// Stop gracefully shuts down the worker.
// Idempotent: calling Stop multiple times is safe.
func (w *TemporalWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}
	w.worker.Stop()
	w.started = false
}

// Run starts the worker and blocks until ctx is done, then stops it.
// The client stays open until Close.
func (w *TemporalWorker) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	w.Stop()
	return nil
}

// Close stops the worker and closes the client connection.
func (w *TemporalWorker) Close() {
	w.Stop()
	w.client.Close()
}
