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

// Package memory provides an in-memory store implementation for tests
// and single-process development. The claim primitive is serialized by
// the store mutex, which gives the same at-most-one-winner guarantee
// the SQL backends get from their transactions.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.PipelineStore = (*Store)(nil)
	_ store.RunStore      = (*Store)(nil)
	_ store.StepStore     = (*Store)(nil)
	_ store.Store         = (*Store)(nil)
)

// Store is an in-memory store.
type Store struct {
	mu        sync.RWMutex
	pipelines map[string]*store.Pipeline
	runs      map[string]*store.Run
	steps     map[string]*store.Step
	stepSeq   map[string]int
	nextSeq   int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		pipelines: make(map[string]*store.Pipeline),
		runs:      make(map[string]*store.Run),
		steps:     make(map[string]*store.Step),
		stepSeq:   make(map[string]int),
	}
}

// CreatePipeline inserts a catalog row.
func (s *Store) CreatePipeline(ctx context.Context, p *store.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.pipelines {
		if existing.Name == p.Name {
			return &errors.ValidationError{
				Field:   "name",
				Message: "pipeline already exists: " + p.Name,
			}
		}
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

// GetPipeline retrieves a pipeline by ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (*store.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: id}
	}
	cp := *p
	return &cp, nil
}

// GetPipelineByName retrieves a pipeline by its unique name.
func (s *Store) GetPipelineByName(ctx context.Context, name string) (*store.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pipelines {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, &errors.NotFoundError{Resource: "pipeline", ID: name}
}

// ListPipelines returns all catalog rows ordered by name.
func (s *Store) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PipelineStats summarises run outcomes for one pipeline.
func (s *Store) PipelineStats(ctx context.Context, pipelineID string) (*store.RunStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.RunStats{}
	for _, r := range s.runs {
		if r.PipelineID != pipelineID {
			continue
		}
		stats.Total++
		switch r.Status {
		case store.RunStatusSuccess:
			stats.Succeeded++
		case store.RunStatusFailed:
			stats.Failed++
		}
		if stats.LastRunAt == nil || r.StartedAt.After(*stats.LastRunAt) {
			t := r.StartedAt
			stats.LastRunAt = &t
		}
	}
	return stats, nil
}

// CreateRunWithSteps inserts a pending run and its pending steps.
func (s *Store) CreateRunWithSteps(ctx context.Context, pipelineID string, stepNames []string, triggeredBy string, metadata map[string]string) (*store.Run, []*store.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[pipelineID]; !ok {
		return nil, nil, &errors.NotFoundError{Resource: "pipeline", ID: pipelineID}
	}

	run := &store.Run{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		Status:      store.RunStatusPending,
		TriggeredBy: triggeredBy,
		Metadata:    copyMetadata(metadata),
		StartedAt:   time.Now(),
	}
	s.runs[run.ID] = run

	steps := make([]*store.Step, 0, len(stepNames))
	for _, name := range stepNames {
		step := &store.Step{
			ID:     uuid.NewString(),
			RunID:  run.ID,
			Name:   name,
			Status: store.StepStatusPending,
		}
		s.steps[step.ID] = step
		s.stepSeq[step.ID] = s.nextSeq
		s.nextSeq++
		steps = append(steps, step)
	}

	return copyRun(run), copySteps(steps), nil
}

// ClaimOnePendingRun atomically claims the oldest pending run.
func (s *Store) ClaimOnePendingRun(ctx context.Context, claimedBy string) (*store.ClaimedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *store.Run
	for _, r := range s.runs {
		if r.Status != store.RunStatusPending {
			continue
		}
		if oldest == nil || r.StartedAt.Before(oldest.StartedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = store.RunStatusRunning
	oldest.ClaimedBy = claimedBy

	p, ok := s.pipelines[oldest.PipelineID]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: oldest.PipelineID}
	}

	return &store.ClaimedRun{Run: *copyRun(oldest), PipelineName: p.Name}, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return copyRun(r), nil
}

// ListRunsByPipeline lists runs for a pipeline, newest first.
func (s *Store) ListRunsByPipeline(ctx context.Context, pipelineID string, filter store.RunFilter) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Run
	for _, r := range s.runs {
		if r.PipelineID != pipelineID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, copyRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateRunStatus moves a run to status, guarding permitted transitions.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, finishedAt *time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	if !runTransitionAllowed(r.Status, status) {
		return &errors.StateError{Entity: "run", ID: id, From: string(r.Status), To: string(status)}
	}

	r.Status = status
	r.FinishedAt = finishedAt
	if errMsg != "" {
		r.Error = errMsg
	}
	return nil
}

// FindStuckRunningRuns returns running runs older than olderThan.
func (s *Store) FindStuckRunningRuns(ctx context.Context, olderThan time.Time) ([]*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Run
	for _, r := range s.runs {
		if r.Status == store.RunStatusRunning && r.StartedAt.Before(olderThan) {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// CreateStep inserts a pending step row.
func (s *Store) CreateStep(ctx context.Context, step *store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[step.RunID]; !ok {
		return &errors.NotFoundError{Resource: "run", ID: step.RunID}
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = store.StepStatusPending
	}
	cp := *step
	s.steps[step.ID] = &cp
	s.stepSeq[step.ID] = s.nextSeq
	s.nextSeq++
	return nil
}

// GetStepsForRun returns all steps of a run in creation order.
func (s *Store) GetStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Step
	for _, st := range s.steps {
		if st.RunID == runID {
			cp := *st
			out = append(out, &cp)
		}
	}
	s.sortStepsBySeq(out)
	return out, nil
}

// GetCompletedStepsForRun returns the run's successful steps.
func (s *Store) GetCompletedStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*store.Step
	for _, st := range s.steps {
		if st.RunID == runID && st.Status == store.StepStatusSuccess {
			cp := *st
			out = append(out, &cp)
		}
	}
	s.sortStepsBySeq(out)
	return out, nil
}

// UpdateStepStatus applies a partial update to a step row.
func (s *Store) UpdateStepStatus(ctx context.Context, id string, upd store.StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[id]
	if !ok {
		return &errors.NotFoundError{Resource: "step", ID: id}
	}
	if st.Status.Terminal() {
		return &errors.StateError{Entity: "step", ID: id, From: string(st.Status), To: string(upd.Status)}
	}

	if upd.Status != "" {
		st.Status = upd.Status
	}
	if upd.AttemptCount != nil {
		st.AttemptCount = *upd.AttemptCount
	}
	if upd.StartedAt != nil {
		st.StartedAt = upd.StartedAt
	}
	if upd.FinishedAt != nil {
		st.FinishedAt = upd.FinishedAt
	}
	// NextRetryAt is cleared whenever the step leaves retrying.
	st.NextRetryAt = upd.NextRetryAt
	return nil
}

// UpdateStepResult records the serialized result or error on a step.
func (s *Store) UpdateStepResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.steps[id]
	if !ok {
		return &errors.NotFoundError{Resource: "step", ID: id}
	}

	if result != nil {
		st.Result = append(json.RawMessage(nil), result...)
	}
	st.Error = errMsg
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

func runTransitionAllowed(from, to store.RunStatus) bool {
	switch from {
	case store.RunStatusPending:
		return to == store.RunStatusRunning
	case store.RunStatusRunning:
		return to == store.RunStatusSuccess || to == store.RunStatusFailed
	default:
		return false
	}
}

func copyRun(r *store.Run) *store.Run {
	cp := *r
	cp.Metadata = copyMetadata(r.Metadata)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func copySteps(steps []*store.Step) []*store.Step {
	out := make([]*store.Step, len(steps))
	for i, st := range steps {
		cp := *st
		out[i] = &cp
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// sortStepsBySeq orders steps by insertion sequence, matching the SQL
// backends' creation-order listing. Caller must hold at least a read lock.
func (s *Store) sortStepsBySeq(steps []*store.Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return s.stepSeq[steps[i].ID] < s.stepSeq[steps[j].ID]
	})
}
