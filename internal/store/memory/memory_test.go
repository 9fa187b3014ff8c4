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

package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/errors"
)

// createTestPipeline inserts a catalog row and returns its id.
func createTestPipeline(t *testing.T, s *Store, name string) string {
	t.Helper()
	p := &store.Pipeline{Name: name}
	if err := s.CreatePipeline(context.Background(), p); err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p.ID
}

func TestCreatePipelineDuplicateName(t *testing.T) {
	s := New()
	createTestPipeline(t, s, "etl")

	err := s.CreatePipeline(context.Background(), &store.Pipeline{Name: "etl"})
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateRunWithSteps(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	run, steps, err := s.CreateRunWithSteps(ctx, pid, []string{"a", "b", "c"}, "manual", map[string]string{"env": "test"})
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.Status != store.RunStatusPending {
		t.Errorf("expected pending run, got %s", run.Status)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for _, st := range steps {
		if st.Status != store.StepStatusPending {
			t.Errorf("step %s: expected pending, got %s", st.Name, st.Status)
		}
		if st.AttemptCount != 0 {
			t.Errorf("step %s: expected 0 attempts, got %d", st.Name, st.AttemptCount)
		}
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Metadata["env"] != "test" {
		t.Errorf("metadata not persisted: %v", got.Metadata)
	}
	if got.FinishedAt != nil {
		t.Error("pending run must not have finishedAt")
	}
}

func TestCreateRunUnknownPipeline(t *testing.T) {
	s := New()
	_, _, err := s.CreateRunWithSteps(context.Background(), "ghost", []string{"a"}, "manual", nil)
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	s := New()
	claimed, err := s.ClaimOnePendingRun(context.Background(), "w1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected nil claim on empty store, got %v", claimed)
	}
}

func TestClaimFIFO(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	var ids []string
	for i := 0; i < 3; i++ {
		run, _, err := s.CreateRunWithSteps(ctx, pid, []string{"a"}, "manual", nil)
		if err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		ids = append(ids, run.ID)
		time.Sleep(time.Millisecond)
	}

	for i, want := range ids {
		claimed, err := s.ClaimOnePendingRun(ctx, "w1")
		if err != nil {
			t.Fatalf("claim %d failed: %v", i, err)
		}
		if claimed == nil {
			t.Fatalf("claim %d returned nil", i)
		}
		if claimed.ID != want {
			t.Errorf("claim %d: expected %s, got %s", i, want, claimed.ID)
		}
		if claimed.Status != store.RunStatusRunning {
			t.Errorf("claim %d: expected running, got %s", i, claimed.Status)
		}
		if claimed.ClaimedBy != "w1" {
			t.Errorf("claim %d: expected claimed_by w1, got %s", i, claimed.ClaimedBy)
		}
		if claimed.PipelineName != "etl" {
			t.Errorf("claim %d: expected pipeline name etl, got %s", i, claimed.PipelineName)
		}
	}
}

// Seed 5 pending runs, launch 10 concurrent claimers: exactly 5 win
// distinct runs in FIFO order, the rest get nothing.
func TestClaimAtomicUnderContention(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	var seeded []string
	for i := 0; i < 5; i++ {
		run, _, err := s.CreateRunWithSteps(ctx, pid, []string{"a"}, "manual", nil)
		if err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		seeded = append(seeded, run.ID)
		time.Sleep(time.Millisecond)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.ClaimOnePendingRun(ctx, "w")
			if err != nil {
				t.Errorf("claim failed: %v", err)
				return
			}
			if c != nil {
				mu.Lock()
				claimed = append(claimed, c.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 5 {
		t.Fatalf("expected 5 winners, got %d", len(claimed))
	}
	seen := make(map[string]bool)
	for _, id := range claimed {
		if seen[id] {
			t.Fatalf("run %s claimed twice", id)
		}
		seen[id] = true
	}
	for _, id := range seeded {
		if !seen[id] {
			t.Errorf("run %s never claimed", id)
		}
	}
}

func TestRunTransitionGuards(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")
	run, _, err := s.CreateRunWithSteps(ctx, pid, []string{"a"}, "manual", nil)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// pending -> success skips running.
	now := time.Now()
	if err := s.UpdateRunStatus(ctx, run.ID, store.RunStatusSuccess, &now, ""); !errors.IsState(err) {
		t.Fatalf("expected state error for pending->success, got %v", err)
	}

	if _, err := s.ClaimOnePendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, run.ID, store.RunStatusFailed, &now, "boom"); err != nil {
		t.Fatalf("running->failed rejected: %v", err)
	}

	// Terminal runs are immutable.
	if err := s.UpdateRunStatus(ctx, run.ID, store.RunStatusSuccess, &now, ""); !errors.IsState(err) {
		t.Fatalf("expected state error for failed->success, got %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Error != "boom" {
		t.Errorf("expected error recorded, got %q", got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("terminal run must have finishedAt")
	}
}

func TestStepLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")
	_, steps, err := s.CreateRunWithSteps(ctx, pid, []string{"a"}, "manual", nil)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
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

	retryAt := now.Add(time.Second)
	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{
		Status:      store.StepStatusRetrying,
		NextRetryAt: &retryAt,
	}); err != nil {
		t.Fatalf("mark retrying failed: %v", err)
	}

	two := 2
	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{
		Status:       store.StepStatusRunning,
		AttemptCount: &two,
	}); err != nil {
		t.Fatalf("second attempt failed: %v", err)
	}

	if err := s.UpdateStepResult(ctx, id, json.RawMessage(`{"v":1}`), ""); err != nil {
		t.Fatalf("record result failed: %v", err)
	}
	fin := time.Now()
	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{
		Status:     store.StepStatusSuccess,
		FinishedAt: &fin,
	}); err != nil {
		t.Fatalf("mark success failed: %v", err)
	}

	got, err := s.GetStepsForRun(ctx, steps[0].RunID)
	if err != nil {
		t.Fatalf("failed to load steps: %v", err)
	}
	st := got[0]
	if st.AttemptCount != 2 {
		t.Errorf("expected 2 attempts, got %d", st.AttemptCount)
	}
	if st.NextRetryAt != nil {
		t.Error("nextRetryAt must be cleared when leaving retrying")
	}
	if st.Result == nil || st.Error != "" || st.FinishedAt == nil {
		t.Errorf("success step invariant violated: result=%s error=%q finishedAt=%v",
			st.Result, st.Error, st.FinishedAt)
	}

	// Terminal steps are immutable.
	if err := s.UpdateStepStatus(ctx, id, store.StepUpdate{Status: store.StepStatusRunning}); !errors.IsState(err) {
		t.Fatalf("expected state error on terminal step write, got %v", err)
	}
}

func TestStepsCreationOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")
	run, _, err := s.CreateRunWithSteps(ctx, pid, []string{"z", "a", "m"}, "manual", nil)
	if err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	steps, err := s.GetStepsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to load steps: %v", err)
	}
	want := []string{"z", "a", "m"}
	for i, name := range want {
		if steps[i].Name != name {
			t.Errorf("steps[%d] = %s, want %s", i, steps[i].Name, name)
		}
	}
}

func TestFindStuckRunningRuns(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	if _, _, err := s.CreateRunWithSteps(ctx, pid, []string{"a"}, "manual", nil); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	claimed, err := s.ClaimOnePendingRun(ctx, "w1")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// A cutoff in the past finds nothing.
	stuck, err := s.FindStuckRunningRuns(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected no stuck runs, got %d", len(stuck))
	}

	// A future cutoff makes the running run stuck.
	stuck, err = s.FindStuckRunningRuns(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(stuck) != 1 || stuck[0].ID != claimed.ID {
		t.Fatalf("expected the running run, got %v", stuck)
	}
}

func TestPipelineStats(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	for i := 0; i < 3; i++ {
		run, _, err := s.CreateRunWithSteps(ctx, pid, []string{"a"}, "manual", nil)
		if err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		if _, err := s.ClaimOnePendingRun(ctx, "w1"); err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		now := time.Now()
		status := store.RunStatusSuccess
		if i == 2 {
			status = store.RunStatusFailed
		}
		if err := s.UpdateRunStatus(ctx, run.ID, status, &now, ""); err != nil {
			t.Fatalf("finish failed: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	stats, err := s.PipelineStats(ctx, pid)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.LastRunAt == nil {
		t.Error("expected lastRunAt to be set")
	}
}

func TestListRunsByPipelineFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	pid := createTestPipeline(t, s, "etl")

	for i := 0; i < 3; i++ {
		if _, _, err := s.CreateRunWithSteps(ctx, pid, []string{"a"}, "manual", nil); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := s.ClaimOnePendingRun(ctx, "w1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	pending, err := s.ListRunsByPipeline(ctx, pid, store.RunFilter{Status: store.RunStatusPending})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending runs, got %d", len(pending))
	}

	limited, err := s.ListRunsByPipeline(ctx, pid, store.RunFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 run with limit, got %d", len(limited))
	}
}
