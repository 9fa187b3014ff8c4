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

// Package service is the trigger and query facade over the engine: it
// validates requests against the registry, creates runs, and exposes
// run and pipeline state to callers.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Service exposes the trigger/query surface consumed by callers
// embedding the engine.
type Service struct {
	store    store.Store
	registry *pipeline.Registry
	metrics  *engine.Metrics
	logger   *slog.Logger
}

// New creates a Service. metrics may be nil when the process runs no
// claimers.
func New(st store.Store, reg *pipeline.Registry, metrics *engine.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		registry: reg,
		metrics:  metrics,
		logger:   log.WithComponent(logger, "service"),
	}
}

// PipelineSummary is one row of ListPipelines.
type PipelineSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Stats       *store.RunStats `json:"stats"`
}

// RunDetail is the full state of one run.
type RunDetail struct {
	Run      *store.Run      `json:"run"`
	Steps    []*store.Step   `json:"steps"`
	Pipeline *store.Pipeline `json:"pipeline"`
}

// SyncCatalog ensures every registered definition has a catalog row.
// Called once at startup, after all pipeline modules have registered.
func (s *Service) SyncCatalog(ctx context.Context) error {
	for _, def := range s.registry.List() {
		_, err := s.store.GetPipelineByName(ctx, def.Name)
		if err == nil {
			continue
		}
		if !errors.IsNotFound(err) {
			return fmt.Errorf("failed to look up pipeline %s: %w", def.Name, err)
		}
		p := &store.Pipeline{
			Name:        def.Name,
			Description: def.Description,
			Schedule:    def.Schedule,
		}
		if err := s.store.CreatePipeline(ctx, p); err != nil {
			return fmt.Errorf("failed to create catalog row for %s: %w", def.Name, err)
		}
		s.logger.Info("pipeline registered in catalog",
			slog.String(log.PipelineKey, def.Name), slog.String("id", p.ID))
	}
	return nil
}

// TriggerRun creates a pending run for the named pipeline and returns
// its id. The run and its step rows are created in one transaction; a
// claimer picks the run up asynchronously.
func (s *Service) TriggerRun(ctx context.Context, pipelineName, triggeredBy string, metadata map[string]string) (string, error) {
	def, err := s.registry.Get(pipelineName)
	if err != nil {
		return "", err
	}

	p, err := s.store.GetPipelineByName(ctx, pipelineName)
	if err != nil {
		return "", fmt.Errorf("pipeline %s is registered but missing from the catalog: %w", pipelineName, err)
	}

	run, _, err := s.store.CreateRunWithSteps(ctx, p.ID, def.StepNames(), triggeredBy, metadata)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	s.logger.Info("run triggered",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.PipelineKey, pipelineName),
		slog.String("triggered_by", triggeredBy),
	)
	return run.ID, nil
}

// ListPipelines returns every catalog pipeline with its run stats.
func (s *Service) ListPipelines(ctx context.Context) ([]*PipelineSummary, error) {
	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	out := make([]*PipelineSummary, 0, len(pipelines))
	for _, p := range pipelines {
		stats, err := s.store.PipelineStats(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get stats for %s: %w", p.Name, err)
		}
		out = append(out, &PipelineSummary{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Stats:       stats,
		})
	}
	return out, nil
}

// GetRun returns the run, its steps in declaration order, and its
// pipeline, so operators can diagnose failures step by step.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.GetStepsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps: %w", err)
	}
	p, err := s.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	return &RunDetail{Run: run, Steps: steps, Pipeline: p}, nil
}

// ListRuns lists a pipeline's runs, newest first.
func (s *Service) ListRuns(ctx context.Context, pipelineName string, filter store.RunFilter) ([]*store.Run, error) {
	p, err := s.store.GetPipelineByName(ctx, pipelineName)
	if err != nil {
		return nil, err
	}
	return s.store.ListRunsByPipeline(ctx, p.ID, filter)
}

// RetryRun creates a fresh run for the pipeline of a failed run and
// returns the new run id. Only terminally failed runs can be retried;
// the original run is never re-executed in place.
func (s *Service) RetryRun(ctx context.Context, runID string) (string, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != store.RunStatusFailed {
		return "", &errors.StateError{
			Entity: "run",
			ID:     runID,
			From:   string(run.Status),
			To:     "retried",
		}
	}

	p, err := s.store.GetPipeline(ctx, run.PipelineID)
	if err != nil {
		return "", fmt.Errorf("failed to load pipeline: %w", err)
	}
	def, err := s.registry.Get(p.Name)
	if err != nil {
		return "", err
	}

	newRun, _, err := s.store.CreateRunWithSteps(ctx, p.ID, def.StepNames(), "manual_retry", run.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to create retry run: %w", err)
	}

	s.logger.Info("run retried",
		slog.String(log.RunIDKey, runID),
		slog.String("new_run_id", newRun.ID),
		slog.String(log.PipelineKey, p.Name),
	)
	return newRun.ID, nil
}

// MetricsSnapshot returns the process-local execution counters, or a
// zero snapshot when this process runs no claimers.
func (s *Service) MetricsSnapshot() engine.Snapshot {
	if s.metrics == nil {
		return engine.Snapshot{}
	}
	return s.metrics.Snapshot()
}
