// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"etlflow/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "etlflow",
	Short: "etlflow schedules and runs ETL pipelines defined as DAGs",
	Long: `etlflow is a workflow orchestrator for ETL pipelines.

Pipelines are DAGs of tasks declared in YAML or HCL files. The server
schedules a run for every data interval of a DAG, executes its tasks in
dependency order with retries and timeouts, and records every state
change so that interrupted runs resume after a restart.

Common workflows:

  Check DAG files before deploying them:
    etlflow validate dags/

  Start the scheduler, executor and HTTP API:
    etlflow serve --config etlflow.yaml

  Trigger a run for one interval and wait for it:
    etlflow trigger sales --start 2025-05-01 --end 2025-05-02 --wait

  Inspect runs:
    etlflow runs sales
    etlflow status <run-id>

Configuration:
  Settings come from the config file and ETLFLOW_* environment variables,
  e.g. ETLFLOW_STORE_DSN or ETLFLOW_URL for the client commands.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "etlflow API URL used by client commands")
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(serveCmd, validateCmd, dagsCmd, triggerCmd, runsCmd, statusCmd, abortCmd)
}

// loadConfig loads the runtime configuration through the global viper so that
// bound flags take precedence over the file and environment.
func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetViper(), cfgFile)
}

// newLogger builds the slog logger selected by the log settings.
func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	level, err := lc.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(lc.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
	return slog.New(handler), nil
}

func newClient() *Client {
	return NewClient(viper.GetString("url"))
}
