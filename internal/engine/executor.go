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

// Package engine executes claimed runs: it plans a definition into
// dependency waves, drives each step through its attempt loop, and
// persists every transition so a crashed run can be resumed.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Executor drives one run at a time to a terminal state. A single
// Executor may be shared by claimers; each Execute call owns its run
// exclusively (the claim guarantees this) so no two writers ever touch
// the same run's rows.
type Executor struct {
	store       store.Store
	logger      *slog.Logger
	runner      *stepRunner
	maxParallel int
	tracer      trace.Tracer
}

// Options tunes executor behaviour.
type Options struct {
	// MaxParallelSteps caps concurrently running steps within one wave.
	// Default: 8
	MaxParallelSteps int

	// Backoff overrides the retry delay schedule. Tests use this to
	// avoid real sleeps.
	Backoff func(attempt int) time.Duration
}

// New creates an Executor backed by st.
func New(st store.Store, logger *slog.Logger, opts Options) *Executor {
	if opts.MaxParallelSteps <= 0 {
		opts.MaxParallelSteps = 8
	}
	runner := newStepRunner(st, log.WithComponent(logger, "steprunner"))
	if opts.Backoff != nil {
		runner.backoff = opts.Backoff
	}
	return &Executor{
		store:       st,
		logger:      log.WithComponent(logger, "executor"),
		runner:      runner,
		maxParallel: opts.MaxParallelSteps,
		tracer:      tracer(),
	}
}

// Execute drives run to a terminal state using def. Steps already in
// success state are skipped and their persisted results feed later
// waves, so the same entry point serves both freshly claimed runs and
// crash-recovery resumes. The run must be in running state.
//
// A nil return means the run ended in success. A *errors.StepError or
// *errors.PlanError return means the run was marked failed. Any other
// error is an engine-level fault that leaves the run in running state
// for a later recovery sweep.
func (e *Executor) Execute(ctx context.Context, run *store.Run, pipelineName string, def *pipeline.Definition) error {
	t0 := time.Now()
	logger := log.WithRunContext(e.logger, run.ID, pipelineName)

	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("pipewright.run_id", run.ID),
		attribute.String("pipewright.pipeline", pipelineName),
	))
	defer span.End()

	waves, err := Plan(def)
	if err != nil {
		logger.Error("planning failed", log.Error(err))
		span.SetStatus(codes.Error, err.Error())
		if ferr := e.finishRun(ctx, run, store.RunStatusFailed, err.Error(), pipelineName, t0); ferr != nil {
			return ferr
		}
		return err
	}

	rows, prevResults, err := e.loadSteps(ctx, run.ID, def)
	if err != nil {
		return err
	}

	logger.Info("run execution started",
		slog.Int("waves", len(waves)),
		slog.Int("steps", len(def.Steps)),
		slog.Int("completed_steps", len(prevResults)),
	)

	for i, wave := range waves {
		pending := make([]string, 0, len(wave))
		for _, name := range wave {
			if _, done := prevResults[name]; !done {
				pending = append(pending, name)
			}
		}
		if len(pending) == 0 {
			continue
		}

		waveResults, stepErr, fatalErr := e.runWave(ctx, run, def, pipelineName, rows, pending, prevResults)
		for name, res := range waveResults {
			prevResults[name] = res
		}

		if fatalErr != nil {
			logger.Error("run execution aborted", slog.Int("wave", i), log.Error(fatalErr))
			span.SetStatus(codes.Error, fatalErr.Error())
			return fatalErr
		}
		if stepErr != nil {
			span.SetStatus(codes.Error, stepErr.Error())
			if ferr := e.finishRun(ctx, run, store.RunStatusFailed, stepErr.Error(), pipelineName, t0); ferr != nil {
				return ferr
			}
			logger.Info("run failed", slog.Int("wave", i), log.Error(stepErr))
			return stepErr
		}
	}

	if err := e.finishRun(ctx, run, store.RunStatusSuccess, "", pipelineName, t0); err != nil {
		return err
	}
	logger.Info("run succeeded", log.Duration("duration", time.Since(t0).Milliseconds()))
	return nil
}

// loadSteps fetches the run's step rows, creating any the trigger did
// not persist, and seeds prevResults from already-successful steps.
func (e *Executor) loadSteps(ctx context.Context, runID string, def *pipeline.Definition) (map[string]*store.Step, map[string]pipeline.StepResult, error) {
	existing, err := e.store.GetStepsForRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load steps: %w", err)
	}

	rows := make(map[string]*store.Step, len(def.Steps))
	for _, s := range existing {
		rows[s.Name] = s
	}

	prevResults := make(map[string]pipeline.StepResult)
	for _, name := range def.StepNames() {
		row, ok := rows[name]
		if !ok {
			row = &store.Step{RunID: runID, Name: name, Status: store.StepStatusPending}
			if err := e.store.CreateStep(ctx, row); err != nil {
				return nil, nil, fmt.Errorf("failed to create step row: %w", err)
			}
			rows[name] = row
			continue
		}
		if row.Status == store.StepStatusSuccess {
			// The result column holds the handler's data payload; the
			// envelope is reconstructed around it.
			var data any
			if len(row.Result) > 0 {
				if err := json.Unmarshal(row.Result, &data); err != nil {
					return nil, nil, fmt.Errorf("failed to decode result of step %s: %w", name, err)
				}
			}
			prevResults[name] = pipeline.StepResult{Success: true, Data: data}
		}
	}
	return rows, prevResults, nil
}

// runWave executes the pending steps of one wave concurrently, bounded
// by maxParallel. All started steps are awaited even when a sibling
// fails, so no handler is orphaned; the first terminal step failure is
// returned as stepErr, and any engine-level fault as fatalErr.
func (e *Executor) runWave(ctx context.Context, run *store.Run, def *pipeline.Definition, pipelineName string, rows map[string]*store.Step, pending []string, prevResults map[string]pipeline.StepResult) (map[string]pipeline.StepResult, error, error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]pipeline.StepResult, len(pending))
		stepErr error
		fatal   error
	)
	sem := make(chan struct{}, e.maxParallel)

	for _, name := range pending {
		stepDef := def.Step(name)
		row := rows[name]

		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			sc := &pipeline.StepContext{
				RunID:       run.ID,
				PipelineID:  run.PipelineID,
				PrevResults: snapshotResults(prevResults),
				Metadata:    run.Metadata,
			}

			stepCtx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
				attribute.String("pipewright.run_id", run.ID),
				attribute.String("pipewright.step", stepDef.Name),
			))
			defer span.End()

			result, err := e.runner.run(stepCtx, row, stepDef, sc, pipelineName)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				if errors.IsStepError(err) {
					if stepErr == nil {
						stepErr = err
					}
				} else if fatal == nil {
					fatal = err
				}
				return
			}
			results[stepDef.Name] = *result
		}()
	}

	wg.Wait()
	return results, stepErr, fatal
}

// finishRun moves the run to a terminal state and records metrics.
func (e *Executor) finishRun(ctx context.Context, run *store.Run, status store.RunStatus, errMsg string, pipelineName string, t0 time.Time) error {
	now := time.Now()
	if err := e.store.UpdateRunStatus(ctx, run.ID, status, &now, errMsg); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	recordRunCompleted(pipelineName, string(status), time.Since(t0))
	return nil
}

func snapshotResults(src map[string]pipeline.StepResult) map[string]pipeline.StepResult {
	out := make(map[string]pipeline.StepResult, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
