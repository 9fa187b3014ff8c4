// Copyright 2026 The Pipewright Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads worker configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete worker configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Worker   WorkerConfig   `yaml:"worker"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// BackendConfig configures the storage backend.
type BackendConfig struct {
	// Type selects the backend: "memory", "sqlite", or "postgres".
	// Environment: PIPEWRIGHT_BACKEND
	// Default: sqlite
	Type string `yaml:"type,omitempty"`

	// SQLite contains SQLite settings, used when Type is "sqlite".
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`

	// Postgres contains PostgreSQL settings, used when Type is "postgres".
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite connection settings.
type SQLiteConfig struct {
	// Path is the database file path.
	// Environment: PIPEWRIGHT_SQLITE_PATH
	// Default: pipewright.db
	Path string `yaml:"path,omitempty"`

	// WAL enables Write-Ahead Logging mode.
	// Default: true
	WAL *bool `yaml:"wal,omitempty"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	// ConnectionString is the PostgreSQL connection URL.
	// Environment: PIPEWRIGHT_DATABASE_URL
	ConnectionString string `yaml:"connection_string,omitempty"`

	// MaxOpenConns limits concurrent database connections.
	// Default: 25
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`

	// MaxIdleConns limits idle pooled connections.
	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns,omitempty"`

	// ConnMaxLifetimeSeconds bounds how long a pooled connection lives.
	// Default: 300
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime_seconds,omitempty"`
}

// WorkerConfig configures run claiming and step execution.
type WorkerConfig struct {
	// Claimers is the number of concurrent claim loops.
	// Environment: PIPEWRIGHT_CLAIMERS
	// Default: 2
	Claimers int `yaml:"claimers,omitempty"`

	// MaxParallelSteps caps concurrently running steps within one run.
	// Default: 8
	MaxParallelSteps int `yaml:"max_parallel_steps,omitempty"`

	// PollInterval is the base delay between empty claim polls. Each
	// poll is jittered around this value to avoid thundering herds.
	// Default: 500ms
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// DrainTimeout is how long shutdown waits for in-flight runs.
	// Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// RecoveryConfig configures crash recovery of stuck runs.
type RecoveryConfig struct {
	// Interval between recovery sweeps. Zero disables periodic sweeps;
	// the startup sweep still runs unless OnStartup is false.
	// Default: 5m
	Interval time.Duration `yaml:"interval,omitempty"`

	// Staleness is how old a running run must be before recovery
	// considers it stuck.
	// Default: 10m
	Staleness time.Duration `yaml:"staleness,omitempty"`

	// OnStartup runs a recovery sweep before claiming begins.
	// Default: true
	OnStartup *bool `yaml:"on_startup,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Default: info
	Level string `yaml:"level,omitempty"`

	// Format sets the output format (json, text).
	// Default: json
	Format string `yaml:"format,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled exposes /metrics over HTTP.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the address the metrics server binds to.
	// Default: 127.0.0.1:9190
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	wal := true
	onStartup := true
	return &Config{
		Backend: BackendConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "pipewright.db",
				WAL:  &wal,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:           25,
				MaxIdleConns:           5,
				ConnMaxLifetimeSeconds: 300,
			},
		},
		Worker: WorkerConfig{
			Claimers:         2,
			MaxParallelSteps: 8,
			PollInterval:     500 * time.Millisecond,
			DrainTimeout:     30 * time.Second,
		},
		Recovery: RecoveryConfig{
			Interval:  5 * time.Minute,
			Staleness: 10 * time.Minute,
			OnStartup: &onStartup,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9190",
		},
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates the result. An empty path loads defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration from environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("PIPEWRIGHT_BACKEND"); v != "" {
		c.Backend.Type = v
	}
	if v := os.Getenv("PIPEWRIGHT_SQLITE_PATH"); v != "" {
		c.Backend.SQLite.Path = v
	}
	if v := os.Getenv("PIPEWRIGHT_DATABASE_URL"); v != "" {
		c.Backend.Postgres.ConnectionString = v
	}
	if v := os.Getenv("PIPEWRIGHT_CLAIMERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Worker.Claimers = n
		}
	}
	if v := os.Getenv("PIPEWRIGHT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.PollInterval = d
		}
	}
	if v := os.Getenv("PIPEWRIGHT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, c.Backend.Type)
	}

	if c.Backend.Type == "sqlite" && c.Backend.SQLite.Path == "" {
		return fmt.Errorf("%w: sqlite backend requires a path", ErrInvalidConfig)
	}
	if c.Backend.Type == "postgres" && c.Backend.Postgres.ConnectionString == "" {
		return fmt.Errorf("%w: postgres backend requires a connection string", ErrInvalidConfig)
	}

	if c.Worker.Claimers < 1 {
		return fmt.Errorf("%w: claimers must be >= 1", ErrInvalidConfig)
	}
	if c.Worker.MaxParallelSteps < 1 {
		return fmt.Errorf("%w: max_parallel_steps must be >= 1", ErrInvalidConfig)
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("%w: poll_interval must be positive", ErrInvalidConfig)
	}
	if c.Recovery.Staleness <= 0 {
		return fmt.Errorf("%w: recovery staleness must be positive", ErrInvalidConfig)
	}
	return nil
}
