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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/errors"
)

// createTestStore creates a SQLite store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestPipeline(t *testing.T, s *Store, name string) string {
	t.Helper()
	p := &store.Pipeline{Name: name}
	if err := s.CreatePipeline(context.Background(), p); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p.ID
}

// seedRunAt inserts a pending run with an explicit started_at so tests
// control claim order.
func seedRunAt(t *testing.T, s *Store, pipelineID string, startedAt time.Time) string {
	t.Helper()
	id := "run-" + startedAt.UTC().Format("150405.000000000")
	_, err := s.DB().Exec(`
		INSERT INTO runs (id, pipeline_id, status, triggered_by, started_at)
		VALUES (?, ?, 'pending', 'test', ?)
	`, id, pipelineID, formatTime(startedAt))
	if err != nil {
		t.Fatalf("failed to seed run: %v", err)
	}
	return id
}

func TestPipelineRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := &store.Pipeline{Name: "etl", Description: "nightly ETL", Schedule: "0 2 * * *"}
	if err := s.CreatePipeline(ctx, p); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := s.GetPipelineByName(ctx, "etl")
	if err != nil {
		t.Fatalf("get by name failed: %v", err)
	}
	if got.ID != p.ID || got.Description != "nightly ETL" || got.Schedule != "0 2 * * *" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if _, err := s.GetPipeline(ctx, "ghost"); !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRunWithStepsTransactional(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	run, steps, err := s.CreateRunWithSteps(ctx, pid, []string{"a", "b"}, "manual", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != store.RunStatusPending || got.Metadata["k"] != "v" {
		t.Errorf("unexpected run: %+v", got)
	}

	// Duplicate step names violate UNIQUE(run_id, name) and roll back
	// the whole transaction.
	if _, _, err := s.CreateRunWithSteps(ctx, pid, []string{"x", "x"}, "manual", nil); err == nil {
		t.Fatal("expected duplicate step names to fail")
	}
}

// Sub-second timestamps must still claim in chronological order; this
// is why started_at uses a fixed-width layout.
func TestClaimFIFOSubsecond(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	first := seedRunAt(t, s, pid, base.Add(500*time.Millisecond))
	second := seedRunAt(t, s, pid, base.Add(time.Second))
	third := seedRunAt(t, s, pid, base.Add(time.Second+250*time.Millisecond))

	for i, want := range []string{first, second, third} {
		claimed, err := s.ClaimOnePendingRun(ctx, "w1")
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if claimed == nil || claimed.ID != want {
			t.Fatalf("claim %d: expected %s, got %+v", i, want, claimed)
		}
	}

	claimed, err := s.ClaimOnePendingRun(ctx, "w1")
	if err != nil {
		t.Fatalf("claim on drained store failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil claim, got %+v", claimed)
	}
}

func TestClaimStampsClaimer(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")
	seedRunAt(t, s, pid, time.Now())

	claimed, err := s.ClaimOnePendingRun(ctx, "worker-7")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Status != store.RunStatusRunning || claimed.ClaimedBy != "worker-7" {
		t.Errorf("unexpected claim: %+v", claimed)
	}
	if claimed.PipelineName != "etl" {
		t.Errorf("expected pipeline name, got %q", claimed.PipelineName)
	}

	got, err := s.GetRun(ctx, claimed.ID)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.Status != store.RunStatusRunning || got.ClaimedBy != "worker-7" {
		t.Errorf("claim not persisted: %+v", got)
	}
}

func TestUpdateRunStatusGuards(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")
	id := seedRunAt(t, s, pid, time.Now())

	now := time.Now()
	if err := s.UpdateRunStatus(ctx, id, store.RunStatusSuccess, &now, ""); !errors.IsState(err) {
		t.Fatalf("expected state error for pending->success, got %v", err)
	}

	if _, err := s.ClaimOnePendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, id, store.RunStatusSuccess, &now, ""); err != nil {
		t.Fatalf("running->success rejected: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, id, store.RunStatusFailed, &now, "late"); !errors.IsState(err) {
		t.Fatalf("expected state error on terminal run, got %v", err)
	}

	got, err := s.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("get run failed: %v", err)
	}
	if got.FinishedAt == nil || got.Error != "" {
		t.Errorf("success run invariant violated: %+v", got)
	}
}

func TestStepUpdateAndTerminalImmutability(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	run, steps, err := s.CreateRunWithSteps(ctx, pid, []string{"a", "b"}, "manual", nil)
	if err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	id := steps[0].ID

	one := 1
	now := time.Now()
	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{
		Status:       store.StepStatusRunning,
		AttemptCount: &one,
		StartedAt:    &now,
	}); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}

	retryAt := now.Add(5 * time.Second)
	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{
		Status:      store.StepStatusRetrying,
		NextRetryAt: &retryAt,
	}); err != nil {
		t.Fatalf("mark retrying failed: %v", err)
	}

	loaded, err := s.GetStepsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("load steps failed: %v", err)
	}
	if loaded[0].NextRetryAt == nil {
		t.Error("expected nextRetryAt while retrying")
	}

	if err := s.UpdateStepResult(ctx, id, []byte(`{"v":1}`), ""); err != nil {
		t.Fatalf("record result failed: %v", err)
	}
	fin := time.Now()
	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{
		Status:     store.StepStatusSuccess,
		FinishedAt: &fin,
	}); err != nil {
		t.Fatalf("mark success failed: %v", err)
	}

	loaded, err = s.GetStepsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("load steps failed: %v", err)
	}
	st := loaded[0]
	if st.Status != store.StepStatusSuccess || st.NextRetryAt != nil || st.Error != "" {
		t.Errorf("success step invariant violated: %+v", st)
	}

	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{Status: store.StepStatusRunning}); !errors.IsState(err) {
		t.Fatalf("expected state error on terminal step, got %v", err)
	}

	completed, err := s.GetCompletedStepsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("load completed failed: %v", err)
	}
	if len(completed) != 1 || completed[0].Name != "a" {
		t.Errorf("expected only step a completed, got %v", completed)
	}
}

func TestStepsCreationOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	run, _, err := s.CreateRunWithSteps(ctx, pid, []string{"z", "a", "m"}, "manual", nil)
	if err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	steps, err := s.GetStepsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("load steps failed: %v", err)
	}
	want := []string{"z", "a", "m"}
	for i, name := range want {
		if steps[i].Name != name {
			t.Errorf("steps[%d] = %s, want %s", i, steps[i].Name, name)
		}
	}
}

func TestFindStuckRunningRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	old := seedRunAt(t, s, pid, time.Now().Add(-15*time.Minute))
	fresh := seedRunAt(t, s, pid, time.Now())

	// Claim both so they are running. FIFO claims the old one first.
	for i := 0; i < 2; i++ {
		if _, err := s.ClaimOnePendingRun(ctx, "w1"); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
	}

	stuck, err := s.FindStuckRunningRuns(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != old {
		t.Fatalf("expected only the old run, got %v", stuck)
	}
	if stuck[0].ID == fresh {
		t.Error("fresh run must not be stuck")
	}
}

func TestPipelineStats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	a := seedRunAt(t, s, pid, time.Now().Add(-2*time.Second))
	b := seedRunAt(t, s, pid, time.Now().Add(-time.Second))
	for i := 0; i < 2; i++ {
		if _, err := s.ClaimOnePendingRun(ctx, "w1"); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
	}
	now := time.Now()
	if err := s.UpdateRunStatus(ctx, a, store.RunStatusSuccess, &now, ""); err != nil {
		t.Fatalf("finish a failed: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, b, store.RunStatusFailed, &now, "boom"); err != nil {
		t.Fatalf("finish b failed: %v", err)
	}

	stats, err := s.PipelineStats(ctx, pid)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.LastRunAt == nil {
		t.Error("expected lastRunAt")
	}
}

// Corrupted rows surface decode errors instead of zero values.
func TestCorruptedRowsSurfaceErrors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	run, _, err := s.CreateRunWithSteps(ctx, pid, []string{"only"}, "manual", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	if _, err := s.DB().Exec(`UPDATE runs SET metadata = 'not-json' WHERE id = ?`, run.ID); err != nil {
		t.Fatalf("failed to corrupt metadata: %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error for corrupted metadata")
	}

	if _, err := s.DB().Exec(`UPDATE runs SET metadata = NULL, started_at = 'garbage' WHERE id = ?`, run.ID); err != nil {
		t.Fatalf("failed to corrupt timestamp: %v", err)
	}
	if _, err := s.GetRun(ctx, run.ID); err == nil {
		t.Error("expected error for malformed timestamp")
	}
}
