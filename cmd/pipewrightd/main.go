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

// pipewrightd runs a pipeline worker: claim loops, recovery, and the
// optional Prometheus endpoint. Pipeline modules are registered by the
// embedding build; the stock binary ships only the demo pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/service"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/internal/store/memory"
	"github.com/pipewright/pipewright/internal/store/postgres"
	"github.com/pipewright/pipewright/internal/store/sqlite"
	"github.com/pipewright/pipewright/internal/worker"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	flagConfig      string
	flagBackend     string
	flagPostgresURL string
	flagSQLitePath  string
	flagClaimers    int
	flagDemo        bool
)

func main() {
	root := &cobra.Command{
		Use:          "pipewrightd",
		Short:        "Durable pipeline execution worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	root.Flags().StringVarP(&flagConfig, "config", "c", "", "Path to config file")
	root.Flags().StringVar(&flagBackend, "backend", "", "Storage backend (memory, sqlite, postgres)")
	root.Flags().StringVar(&flagPostgresURL, "postgres-url", "", "PostgreSQL connection URL")
	root.Flags().StringVar(&flagSQLitePath, "sqlite-path", "", "SQLite database file path")
	root.Flags().IntVar(&flagClaimers, "claimers", 0, "Number of claim loops")
	root.Flags().BoolVar(&flagDemo, "demo", false, "Register the built-in demo pipeline")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pipewrightd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(flagConfig)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		return err
	}
	applyFlags(cfg)

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open store", log.Error(err))
		return err
	}
	defer st.Close()

	registry := pipeline.NewRegistry()
	if flagDemo {
		if err := registerDemo(registry); err != nil {
			return err
		}
	}
	if len(registry.List()) == 0 {
		logger.Warn("no pipelines registered; claimed runs for unknown pipelines will fail")
	}

	svc := service.New(st, registry, nil, logger)
	if err := svc.SyncCatalog(ctx); err != nil {
		logger.Error("failed to sync pipeline catalog", log.Error(err))
		return err
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	w := worker.New(cfg, st, registry, logger)
	logger.Info("pipewrightd starting",
		slog.String("version", version),
		slog.String("backend", cfg.Backend.Type),
		slog.Int("claimers", cfg.Worker.Claimers),
	)
	return w.Run(ctx)
}

func applyFlags(cfg *config.Config) {
	if flagBackend != "" {
		cfg.Backend.Type = flagBackend
	}
	if flagPostgresURL != "" {
		cfg.Backend.Postgres.ConnectionString = flagPostgresURL
	}
	if flagSQLitePath != "" {
		cfg.Backend.SQLite.Path = flagSQLitePath
	}
	if flagClaimers > 0 {
		cfg.Worker.Claimers = flagClaimers
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Backend.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		wal := cfg.Backend.SQLite.WAL == nil || *cfg.Backend.SQLite.WAL
		return sqlite.New(sqlite.Config{
			Path: cfg.Backend.SQLite.Path,
			WAL:  wal,
		})
	case "postgres":
		return postgres.New(postgres.Config{
			ConnectionString: cfg.Backend.Postgres.ConnectionString,
			MaxOpenConns:     cfg.Backend.Postgres.MaxOpenConns,
			MaxIdleConns:     cfg.Backend.Postgres.MaxIdleConns,
			ConnMaxLifetime:  time.Duration(cfg.Backend.Postgres.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend.Type)
	}
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics endpoint listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics endpoint failed", log.Error(err))
	}
}
