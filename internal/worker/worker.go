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

// Package worker composes the claim loops and the recovery
// orchestrator into one process-level unit with graceful drain.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Worker hosts the claimers and the recovery orchestrator of one
// process. It owns the process-local metrics value and the executor
// shared by all loops.
type Worker struct {
	store        store.Store
	registry     *pipeline.Registry
	executor     *engine.Executor
	metrics      *engine.Metrics
	recovery     *Recovery
	logger       *slog.Logger
	claimers     []*Claimer
	drainTimeout time.Duration
	startupSweep bool
}

// New builds a worker from configuration. The store and registry are
// constructed by the caller so tests can inject either.
func New(cfg *config.Config, st store.Store, reg *pipeline.Registry, logger *slog.Logger) *Worker {
	metrics := engine.NewMetrics()
	executor := engine.New(st, logger, engine.Options{
		MaxParallelSteps: cfg.Worker.MaxParallelSteps,
	})

	hostname, _ := os.Hostname()
	claimers := make([]*Claimer, cfg.Worker.Claimers)
	for i := range claimers {
		id := fmt.Sprintf("%s-%d-%s", hostname, i, uuid.NewString()[:8])
		claimers[i] = NewClaimer(id, st, reg, executor, metrics, logger, cfg.Worker.PollInterval)
	}

	startupSweep := cfg.Recovery.OnStartup == nil || *cfg.Recovery.OnStartup

	return &Worker{
		store:        st,
		registry:     reg,
		executor:     executor,
		metrics:      metrics,
		recovery:     NewRecovery(st, reg, executor, logger, cfg.Recovery.Interval, cfg.Recovery.Staleness),
		logger:       log.WithComponent(logger, "worker"),
		claimers:     claimers,
		drainTimeout: cfg.Worker.DrainTimeout,
		startupSweep: startupSweep,
	}
}

// Metrics returns the process-local execution counters for the facade.
func (w *Worker) Metrics() *engine.Metrics {
	return w.metrics
}

// Executor returns the shared run executor.
func (w *Worker) Executor() *engine.Executor {
	return w.executor
}

// Run starts the recovery orchestrator and all claim loops, then
// blocks until ctx is canceled. Cancellation stops claiming at once;
// in-flight runs get the drain window to finish, after which their
// contexts are canceled and the runs are left for the next recovery
// sweep.
func (w *Worker) Run(ctx context.Context) error {
	// execCtx outlives ctx by up to drainTimeout so in-flight runs can
	// finish after shutdown is requested.
	execCtx, cancelExec := context.WithCancel(context.Background())
	defer cancelExec()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(w.drainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			w.logger.Warn("drain window elapsed, abandoning in-flight runs")
			cancelExec()
		case <-execCtx.Done():
		}
	}()

	if w.startupSweep {
		if err := w.recovery.Sweep(execCtx); err != nil {
			w.logger.Error("startup recovery sweep failed", log.Error(err))
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.recovery.Run(ctx)
	}()

	for _, c := range w.claimers {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Run(ctx, execCtx)
		}()
	}

	w.logger.Info("worker started", slog.Int("claimers", len(w.claimers)))
	wg.Wait()
	cancelExec()
	w.logger.Info("worker stopped")
	return nil
}
