// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"etlflow/internal/api"
	"etlflow/internal/orchestration"
	"etlflow/internal/temporal"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, executor and HTTP API",
	Long: `Run the scheduler, executor and HTTP API until SIGINT or SIGTERM.

Active runs left by a previous process are resumed on start. SIGHUP
reloads the DAG files; if any file is invalid the loaded DAGs are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		coord, err := orchestration.NewCoordinator(ctx, cfg, orchestration.Options{Logger: logger})
		if err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := coord.Close(closeCtx); err != nil {
				logger.Error("Shutdown failed", "error", err)
			}
		}()

		server := api.NewServer(cfg.HTTP.Addr, coord, api.Options{
			Logger:       logger,
			TriggerRate:  cfg.HTTP.TriggerRate,
			TriggerBurst: cfg.HTTP.TriggerBurst,
			Metrics:      coord.MetricsHandler(),
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return coord.Run(gctx) })
		g.Go(func() error { return server.Run(gctx) })
		g.Go(func() error { return reloadOnHangup(gctx, coord, logger) })

		if cfg.Temporal.Enabled {
			w, err := temporal.NewTemporalWorker(temporal.WorkerOptions{
				HostPort:      cfg.Temporal.HostPort,
				Namespace:     cfg.Temporal.Namespace,
				TaskQueue:     cfg.Temporal.TaskQueue,
				MaxConcurrent: cfg.Executor.MaxConcurrentTasks,
				Logger:        logger,
			}, coord)
			if err != nil {
				stop()
				_ = g.Wait()
				return err
			}
			defer w.Close()
			g.Go(func() error { return w.Run(gctx) })
		}

		logger.Info("etlflow started", "addr", cfg.HTTP.Addr, "dags", len(coord.DAGs()))
		err = g.Wait()
		logger.Info("etlflow stopped")
		return err
	},
}

// reloadOnHangup reloads the DAG files on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, coord *orchestration.Coordinator, logger *slog.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if _, err := coord.Reload(); err != nil {
				logger.Error("DAG reload failed, keeping loaded DAGs", "error", err)
			}
		}
	}
}
