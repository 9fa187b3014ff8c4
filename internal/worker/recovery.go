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

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Recovery finds runs stuck in running state after a worker crash and
// resumes them. A sweep is idempotent: successful steps are never
// re-invoked, and each pass only sees runs still stuck.
type Recovery struct {
	store     store.Store
	registry  *pipeline.Registry
	executor  *engine.Executor
	logger    *slog.Logger
	interval  time.Duration
	staleness time.Duration
}

// NewRecovery creates a recovery orchestrator. staleness must exceed
// the slowest expected step's combined timeout and retries, or an
// in-flight run executing a long wave will be resumed concurrently.
func NewRecovery(st store.Store, reg *pipeline.Registry, exec *engine.Executor, logger *slog.Logger, interval, staleness time.Duration) *Recovery {
	return &Recovery{
		store:     st,
		registry:  reg,
		executor:  exec,
		logger:    log.WithComponent(logger, "recovery"),
		interval:  interval,
		staleness: staleness,
	}
}

// Run sweeps on the configured interval until ctx is canceled. A zero
// interval disables periodic sweeps.
func (r *Recovery) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("recovery sweep failed", log.Error(err))
			}
		}
	}
}

// Sweep processes every currently stuck run once.
func (r *Recovery) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-r.staleness)
	runs, err := r.store.FindStuckRunningRuns(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find stuck runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	r.logger.Info("recovery sweep started", slog.Int("stuck_runs", len(runs)))
	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.recover(ctx, run)
	}
	return nil
}

// recover drives one stuck run toward a terminal state.
func (r *Recovery) recover(ctx context.Context, run *store.Run) {
	logger := r.logger.With(slog.String(log.RunIDKey, run.ID))

	steps, err := r.store.GetStepsForRun(ctx, run.ID)
	if err != nil {
		logger.Error("failed to load steps of stuck run", log.Error(err))
		return
	}

	for _, step := range steps {
		if step.Status == store.StepStatusFailed {
			// A terminal step failure means the run should already be
			// failed; finish the bookkeeping without touching handlers.
			now := time.Now()
			if uerr := r.store.UpdateRunStatus(ctx, run.ID, store.RunStatusFailed, &now,
				"cannot auto-resume; has failed steps"); uerr != nil {
				logger.Error("failed to fail unrecoverable run", log.Error(uerr))
				return
			}
			engine.RecordRecovery("failed_steps")
			logger.Warn("stuck run has failed steps, marked failed",
				slog.String(log.StepKey, step.Name))
			return
		}
	}

	pl, err := r.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		logger.Error("failed to load pipeline of stuck run", log.Error(err))
		return
	}

	def, err := r.registry.Get(pl.Name)
	if err != nil {
		// Pipeline code is gone from this worker. Leave the run in
		// running state so a deployment that restores the code can
		// recover it later.
		engine.RecordRecovery("no_definition")
		logger.Warn("stuck run references unregistered pipeline, leaving for later",
			slog.String(log.PipelineKey, pl.Name))
		return
	}

	logger.Info("resuming stuck run", slog.String(log.PipelineKey, pl.Name))
	if err := r.executor.Execute(ctx, run, pl.Name, def); err != nil {
		engine.RecordRecovery("resume_failed")
		logger.Warn("resumed run did not succeed", log.Error(err))
		return
	}
	engine.RecordRecovery("resumed")
	logger.Info("stuck run resumed to success")
}
