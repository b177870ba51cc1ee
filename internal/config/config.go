// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package config loads runtime settings and DAG definition files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"etlflow/internal/store/sqlstore"
)

// EnvPrefix prefixes every environment override, e.g. ETLFLOW_STORE_DSN.
const EnvPrefix = "ETLFLOW"

// Config represents the complete etlflow runtime configuration
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	DAGPaths  []string        `mapstructure:"dag_paths"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Docker    DockerConfig    `mapstructure:"docker"`
}

// StoreConfig selects the state store
type StoreConfig struct {
	// Driver is memory, sqlite3 or postgres
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// HTTPConfig controls the API server
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`

	// TriggerRate limits manual trigger requests per second; zero disables the limit
	TriggerRate  float64 `mapstructure:"trigger_rate"`
	TriggerBurst int     `mapstructure:"trigger_burst"`
}

// SchedulerConfig controls the scheduling loop
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// ExecutorConfig controls task execution
type ExecutorConfig struct {
	MaxConcurrentTasks int `mapstructure:"max_concurrent_tasks"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	// Format is text or json
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// TelemetryConfig controls tracing and metrics
type TelemetryConfig struct {
	Tracing      bool   `mapstructure:"tracing"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Metrics      bool   `mapstructure:"metrics"`
}

// TemporalConfig enables the Temporal trigger bridge
type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// DockerConfig enables the container action
type DockerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults registers the default value of every setting on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite3")
	v.SetDefault("store.dsn", "etlflow.db")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trigger_rate", 5.0)
	v.SetDefault("http.trigger_burst", 10)
	v.SetDefault("scheduler.tick_interval", "30s")
	v.SetDefault("executor.max_concurrent_tasks", 16)
	v.SetDefault("dag_paths", []string{"dags"})
	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")
	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4318")
	v.SetDefault("telemetry.metrics", true)
	v.SetDefault("temporal.enabled", false)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "etlflow-triggers")
	v.SetDefault("docker.enabled", false)
}

// Load reads settings from the optional config file and ETLFLOW_* environment
// variables on top of the defaults. Flags bound to v beforehand take precedence.
func Load(v *viper.Viper, file string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Store.Driver != "memory" {
		if _, err := sqlstore.ParseDialect(c.Store.Driver); err != nil {
			errs = append(errs, fmt.Errorf("invalid store.driver: %w", err))
		} else if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	}

	if c.Executor.MaxConcurrentTasks < 1 {
		errs = append(errs, fmt.Errorf("executor.max_concurrent_tasks must be at least 1"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval must be positive"))
	}
	if c.HTTP.TriggerRate < 0 {
		errs = append(errs, fmt.Errorf("http.trigger_rate must be non-negative"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
		errs = append(errs, fmt.Errorf("temporal.task_queue is required when temporal is enabled"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", l.Level, err)
	}
	return level, nil
}
