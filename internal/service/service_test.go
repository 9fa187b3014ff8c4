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

package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/internal/store/memory"
	"github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

func okHandler(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
	return &pipeline.StepResult{Success: true}, nil
}

func newTestService(t *testing.T, defs ...*pipeline.Definition) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	reg := pipeline.NewRegistry()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	svc := New(st, reg, nil, log.New(&log.Config{Level: "error"}))
	require.NoError(t, svc.SyncCatalog(context.Background()))
	return svc, st
}

func etlDefinition() *pipeline.Definition {
	return &pipeline.Definition{
		Name:        "etl",
		Description: "nightly ETL",
		Steps: []pipeline.StepDefinition{
			{Name: "extract", Handler: okHandler},
			{Name: "load", Handler: okHandler},
		},
	}
}

func TestSyncCatalogIdempotent(t *testing.T) {
	svc, st := newTestService(t, etlDefinition())

	// A second sync must not duplicate rows.
	require.NoError(t, svc.SyncCatalog(context.Background()))

	pipelines, err := st.ListPipelines(context.Background())
	require.NoError(t, err)
	require.Len(t, pipelines, 1)
	assert.Equal(t, "etl", pipelines[0].Name)
	assert.Equal(t, "nightly ETL", pipelines[0].Description)
}

func TestTriggerRun(t *testing.T) {
	svc, st := newTestService(t, etlDefinition())
	ctx := context.Background()

	runID, err := svc.TriggerRun(ctx, "etl", "manual", map[string]string{"tenant": "acme"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPending, run.Status)
	assert.Equal(t, "manual", run.TriggeredBy)
	assert.Equal(t, "acme", run.Metadata["tenant"])

	steps, err := st.GetStepsForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "extract", steps[0].Name)
	assert.Equal(t, "load", steps[1].Name)
}

func TestTriggerRunUnknownPipeline(t *testing.T) {
	svc, _ := newTestService(t, etlDefinition())
	_, err := svc.TriggerRun(context.Background(), "ghost", "manual", nil)
	require.True(t, errors.IsNotFound(err), "expected not found, got %v", err)
}

func TestGetRunDetail(t *testing.T) {
	svc, st := newTestService(t, etlDefinition())
	ctx := context.Background()

	runID, err := svc.TriggerRun(ctx, "etl", "manual", nil)
	require.NoError(t, err)

	detail, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, runID, detail.Run.ID)
	assert.Len(t, detail.Steps, 2)
	assert.Equal(t, "etl", detail.Pipeline.Name)

	_, err = svc.GetRun(ctx, "missing")
	require.True(t, errors.IsNotFound(err))

	_ = st
}

func TestListPipelinesWithStats(t *testing.T) {
	svc, st := newTestService(t, etlDefinition())
	ctx := context.Background()

	runID, err := svc.TriggerRun(ctx, "etl", "manual", nil)
	require.NoError(t, err)
	_, err = st.ClaimOnePendingRun(ctx, "w1")
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, st.UpdateRunStatus(ctx, runID, store.RunStatusSuccess, &now, ""))

	summaries, err := svc.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "etl", summaries[0].Name)
	assert.EqualValues(t, 1, summaries[0].Stats.Total)
	assert.EqualValues(t, 1, summaries[0].Stats.Succeeded)
}

func TestRetryRunOnlyFailed(t *testing.T) {
	svc, st := newTestService(t, etlDefinition())
	ctx := context.Background()

	runID, err := svc.TriggerRun(ctx, "etl", "manual", nil)
	require.NoError(t, err)

	// Pending runs cannot be retried.
	_, err = svc.RetryRun(ctx, runID)
	require.True(t, errors.IsState(err), "expected state error, got %v", err)

	_, err = st.ClaimOnePendingRun(ctx, "w1")
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, st.UpdateRunStatus(ctx, runID, store.RunStatusFailed, &now, "boom"))

	newID, err := svc.RetryRun(ctx, runID)
	require.NoError(t, err)
	require.NotEqual(t, runID, newID, "retry creates a fresh run")

	newRun, err := st.GetRun(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusPending, newRun.Status)
	assert.Equal(t, "manual_retry", newRun.TriggeredBy)

	// The original run is untouched.
	old, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, old.Status)
}

func TestListRuns(t *testing.T) {
	svc, st := newTestService(t, etlDefinition())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.TriggerRun(ctx, "etl", "manual", nil)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := st.ClaimOnePendingRun(ctx, "w1")
	require.NoError(t, err)

	pending, err := svc.ListRuns(ctx, "etl", store.RunFilter{Status: store.RunStatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := svc.ListRuns(ctx, "etl", store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
