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

// Package store defines the durable state model for pipelines, runs,
// and steps, and the typed repository interface implemented by the
// memory, sqlite, and postgres backends.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on
// what they use:
//
//   - PipelineStore: catalog rows (created administratively, never
//     mutated by the engine)
//   - RunStore: run rows, including the atomic claim primitive
//   - StepStore: step rows and their state transitions
//
// The Store interface composes all of these plus io.Closer.
package store

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the status is success or failed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending  StepStatus = "pending"
	StepStatusRunning  StepStatus = "running"
	StepStatusRetrying StepStatus = "retrying"
	StepStatusSuccess  StepStatus = "success"
	StepStatusFailed   StepStatus = "failed"
)

// Terminal reports whether the status is success or failed. Terminal
// step rows are immutable.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailed
}

// Pipeline is an immutable-by-name catalog record, created the first
// time a definition is registered.
type Pipeline struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Schedule    string    `json:"schedule,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Run is a single execution attempt of one pipeline.
//
// StartedAt is the logical enqueue time, set at creation; FIFO claim
// ordering uses it. FinishedAt is non-nil iff the status is terminal.
type Run struct {
	ID          string            `json:"id"`
	PipelineID  string            `json:"pipeline_id"`
	Status      RunStatus         `json:"status"`
	TriggeredBy string            `json:"triggered_by"`
	ClaimedBy   string            `json:"claimed_by,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// ClaimedRun is a run returned by ClaimOnePendingRun, enriched with its
// parent pipeline metadata so the claimer can resolve the definition
// without a second round trip.
type ClaimedRun struct {
	Run
	PipelineName string `json:"pipeline_name"`
}

// Step is one step's record for one run.
//
// Result is non-empty iff the status is success; Error is non-empty iff
// the status is failed (or the step is between retry attempts);
// NextRetryAt is non-nil iff the status is retrying.
type Step struct {
	ID           string          `json:"id"`
	RunID        string          `json:"run_id"`
	Name         string          `json:"name"`
	Status       StepStatus      `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
}

// StepUpdate describes a partial step-row update. Nil fields are left
// untouched.
type StepUpdate struct {
	Status       StepStatus
	AttemptCount *int
	StartedAt    *time.Time
	FinishedAt   *time.Time
	NextRetryAt  *time.Time
}

// RunFilter narrows ListRunsByPipeline results.
type RunFilter struct {
	Status RunStatus
	Limit  int
}

// RunStats is the per-pipeline summary exposed by the facade.
type RunStats struct {
	Total     int64      `json:"total"`
	Succeeded int64      `json:"succeeded"`
	Failed    int64      `json:"failed"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// PipelineStore manages catalog rows.
type PipelineStore interface {
	// CreatePipeline inserts a catalog row. Fails if the name exists.
	CreatePipeline(ctx context.Context, p *Pipeline) error

	// GetPipeline retrieves a pipeline by ID.
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)

	// GetPipelineByName retrieves a pipeline by its unique name.
	GetPipelineByName(ctx context.Context, name string) (*Pipeline, error)

	// ListPipelines returns all catalog rows ordered by name.
	ListPipelines(ctx context.Context) ([]*Pipeline, error)

	// PipelineStats summarises run outcomes for one pipeline.
	PipelineStats(ctx context.Context, pipelineID string) (*RunStats, error)
}

// RunStore manages run rows.
type RunStore interface {
	// CreateRunWithSteps inserts a pending run and one pending step per
	// name in a single transaction. All-or-nothing.
	CreateRunWithSteps(ctx context.Context, pipelineID string, stepNames []string, triggeredBy string, metadata map[string]string) (*Run, []*Step, error)

	// ClaimOnePendingRun atomically selects the pending run with the
	// smallest StartedAt, flips it to running, stamps claimedBy, and
	// returns it enriched with pipeline metadata. Returns (nil, nil)
	// when no pending run exists. Each pending row is awarded to at
	// most one caller; contention returns nil rather than waits.
	ClaimOnePendingRun(ctx context.Context, claimedBy string) (*ClaimedRun, error)

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRunsByPipeline lists runs for a pipeline, newest first.
	ListRunsByPipeline(ctx context.Context, pipelineID string, filter RunFilter) ([]*Run, error)

	// UpdateRunStatus moves a run to status, guarding the permitted
	// transitions (pending->running, running->success|failed). The
	// optional error message is recorded on failure transitions.
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, finishedAt *time.Time, errMsg string) error

	// FindStuckRunningRuns returns runs still in running whose
	// StartedAt is older than olderThan, for crash recovery.
	FindStuckRunningRuns(ctx context.Context, olderThan time.Time) ([]*Run, error)
}

// StepStore manages step rows.
type StepStore interface {
	// CreateStep inserts a pending step row.
	CreateStep(ctx context.Context, s *Step) error

	// GetStepsForRun returns all steps of a run in creation order.
	GetStepsForRun(ctx context.Context, runID string) ([]*Step, error)

	// GetCompletedStepsForRun returns the run's steps in success state,
	// used by recovery to reconstruct prior results.
	GetCompletedStepsForRun(ctx context.Context, runID string) ([]*Step, error)

	// UpdateStepStatus applies a partial update to a step row. Writes
	// against a terminal row fail with a StateError.
	UpdateStepStatus(ctx context.Context, id string, upd StepUpdate) error

	// UpdateStepResult records the serialized handler result or the
	// attempt error on a step row.
	UpdateStepResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error
}

// Store is the composite interface implemented by full backends.
type Store interface {
	PipelineStore
	RunStore
	StepStore
	io.Closer
}
