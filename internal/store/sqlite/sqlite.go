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

// Package sqlite provides a SQLite store implementation for
// single-node deployments. SQLite serializes writes on a single
// connection, so the claim's select-then-update transaction is the
// transactional compare-and-set the claim contract requires; claimers
// in other processes wait on busy_timeout rather than double-claim.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

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

// timeLayout is a fixed-width RFC3339 form so TEXT timestamps sort
// lexicographically in chronological order (FIFO claim depends on it).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			schedule TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			claimed_by TEXT,
			metadata TEXT,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			FOREIGN KEY (pipeline_id) REFERENCES pipelines(id) ON DELETE RESTRICT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_started_at ON runs(status, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_id ON runs(pipeline_id)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			error TEXT,
			started_at TEXT,
			finished_at TEXT,
			next_retry_at TEXT,
			seq INTEGER,
			UNIQUE(run_id, name),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_status_next_retry_at ON steps(status, next_retry_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreatePipeline inserts a catalog row.
func (s *Store) CreatePipeline(ctx context.Context, p *store.Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, description, schedule, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, p.Schedule, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetPipeline retrieves a pipeline by ID.
func (s *Store) GetPipeline(ctx context.Context, id string) (*store.Pipeline, error) {
	return s.getPipeline(ctx, "id", id)
}

// GetPipelineByName retrieves a pipeline by its unique name.
func (s *Store) GetPipelineByName(ctx context.Context, name string) (*store.Pipeline, error) {
	return s.getPipeline(ctx, "name", name)
}

func (s *Store) getPipeline(ctx context.Context, column, value string) (*store.Pipeline, error) {
	query := fmt.Sprintf(`
		SELECT id, name, COALESCE(description, ''), COALESCE(schedule, ''), created_at, updated_at
		FROM pipelines WHERE %s = ?
	`, column)

	var p store.Pipeline
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&p.ID, &p.Name, &p.Description, &p.Schedule, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "pipeline", ID: value}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPipelines returns all catalog rows ordered by name.
func (s *Store) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), COALESCE(schedule, ''), created_at, updated_at
		FROM pipelines ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*store.Pipeline
	for rows.Next() {
		var p store.Pipeline
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Schedule, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		pipelines = append(pipelines, &p)
	}
	return pipelines, rows.Err()
}

// PipelineStats summarises run outcomes for one pipeline.
func (s *Store) PipelineStats(ctx context.Context, pipelineID string) (*store.RunStats, error) {
	var stats store.RunStats
	var lastRun sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			MAX(started_at)
		FROM runs WHERE pipeline_id = ?
	`, pipelineID).Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &lastRun)
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline stats: %w", err)
	}
	if lastRun.Valid {
		t, err := parseTime(lastRun.String)
		if err != nil {
			return nil, err
		}
		stats.LastRunAt = &t
	}
	return &stats, nil
}

// CreateRunWithSteps inserts a pending run and its pending steps in one
// transaction.
func (s *Store) CreateRunWithSteps(ctx context.Context, pipelineID string, stepNames []string, triggeredBy string, metadata map[string]string) (*store.Run, []*store.Step, error) {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	run := &store.Run{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		Status:      store.RunStatusPending,
		TriggeredBy: triggeredBy,
		Metadata:    metadata,
		StartedAt:   time.Now(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline_id, status, triggered_by, metadata, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.PipelineID, run.Status, run.TriggeredBy, string(metadataJSON), formatTime(run.StartedAt))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}

	steps := make([]*store.Step, 0, len(stepNames))
	for i, name := range stepNames {
		step := &store.Step{
			ID:     uuid.NewString(),
			RunID:  run.ID,
			Name:   name,
			Status: store.StepStatusPending,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (id, run_id, name, status, attempt_count, seq)
			VALUES (?, ?, ?, ?, 0, ?)
		`, step.ID, step.RunID, step.Name, step.Status, i)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create step %s: %w", name, err)
		}
		steps = append(steps, step)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return run, steps, nil
}

// ClaimOnePendingRun claims the oldest pending run. The select and
// update run in one transaction on the store's single write connection,
// so no two claimers can be awarded the same row.
func (s *Store) ClaimOnePendingRun(ctx context.Context, claimedBy string) (*store.ClaimedRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var claimed store.ClaimedRun
	var metadataJSON sql.NullString
	var startedAt string

	err = tx.QueryRowContext(ctx, `
		SELECT r.id, r.pipeline_id, r.triggered_by, r.metadata, r.started_at, p.name
		FROM runs r
		JOIN pipelines p ON p.id = r.pipeline_id
		WHERE r.status = 'pending'
		ORDER BY r.started_at ASC
		LIMIT 1
	`).Scan(&claimed.ID, &claimed.PipelineID, &claimed.TriggeredBy, &metadataJSON, &startedAt, &claimed.PipelineName)
	if err == sql.ErrNoRows {
		return nil, nil // No pending runs
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending run: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = 'running', claimed_by = ?
		WHERE id = ? AND status = 'pending'
	`, claimedBy, claimed.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// Lost the row to another claimer between select and update.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &claimed.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode run metadata: %w", err)
		}
	}
	claimed.Status = store.RunStatusRunning
	claimed.ClaimedBy = claimedBy
	if claimed.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	return &claimed, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `
		SELECT id, pipeline_id, status, triggered_by, COALESCE(claimed_by, ''), metadata, COALESCE(error, ''), started_at, finished_at
		FROM runs WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRunsByPipeline lists runs for a pipeline, newest first.
func (s *Store) ListRunsByPipeline(ctx context.Context, pipelineID string, filter store.RunFilter) ([]*store.Run, error) {
	query := `
		SELECT id, pipeline_id, status, triggered_by, COALESCE(claimed_by, ''), metadata, COALESCE(error, ''), started_at, finished_at
		FROM runs WHERE pipeline_id = ?
	`
	args := []any{pipelineID}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a run to status, guarding permitted transitions.
func (s *Store) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, finishedAt *time.Time, errMsg string) error {
	from, ok := allowedRunSource(status)
	if !ok {
		return &errors.StateError{Entity: "run", ID: id, From: "?", To: string(status)}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, error = NULLIF(?, '')
		WHERE id = ? AND status = ?
	`, status, formatNullableTime(finishedAt), errMsg, id, from)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		current, err := s.GetRun(ctx, id)
		if err != nil {
			return err
		}
		return &errors.StateError{Entity: "run", ID: id, From: string(current.Status), To: string(status)}
	}
	return nil
}

// FindStuckRunningRuns returns running runs whose StartedAt is older
// than olderThan, oldest first.
func (s *Store) FindStuckRunningRuns(ctx context.Context, olderThan time.Time) ([]*store.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline_id, status, triggered_by, COALESCE(claimed_by, ''), metadata, COALESCE(error, ''), started_at, finished_at
		FROM runs
		WHERE status = 'running' AND started_at < ?
		ORDER BY started_at ASC
	`, formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateStep inserts a pending step row.
func (s *Store) CreateStep(ctx context.Context, step *store.Step) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = store.StepStatusPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, name, status, attempt_count, seq)
		VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM steps WHERE run_id = ?))
	`, step.ID, step.RunID, step.Name, step.Status, step.AttemptCount, step.RunID)
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// GetStepsForRun returns all steps of a run in creation order.
func (s *Store) GetStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	return s.listSteps(ctx, `
		SELECT id, run_id, name, status, attempt_count, result, COALESCE(error, ''), started_at, finished_at, next_retry_at
		FROM steps WHERE run_id = ? ORDER BY seq ASC
	`, runID)
}

// GetCompletedStepsForRun returns the run's successful steps.
func (s *Store) GetCompletedStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	return s.listSteps(ctx, `
		SELECT id, run_id, name, status, attempt_count, result, COALESCE(error, ''), started_at, finished_at, next_retry_at
		FROM steps WHERE run_id = ? AND status = 'success' ORDER BY seq ASC
	`, runID)
}

func (s *Store) listSteps(ctx context.Context, query string, runID string) ([]*store.Step, error) {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStepStatus applies a partial update to a step row. Terminal
// rows are immutable; a write against one fails with a StateError.
func (s *Store) UpdateStepStatus(ctx context.Context, id string, upd store.StepUpdate) error {
	sets := []string{"next_retry_at = ?"}
	args := []any{formatNullableTime(upd.NextRetryAt)}

	if upd.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, upd.Status)
	}
	if upd.AttemptCount != nil {
		sets = append(sets, "attempt_count = ?")
		args = append(args, *upd.AttemptCount)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*upd.StartedAt))
	}
	if upd.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, formatTime(*upd.FinishedAt))
	}

	args = append(args, id)
	query := fmt.Sprintf(`
		UPDATE steps SET %s
		WHERE id = ? AND status NOT IN ('success', 'failed')
	`, strings.Join(sets, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		current, err := s.getStep(ctx, id)
		if err != nil {
			return err
		}
		return &errors.StateError{Entity: "step", ID: id, From: string(current.Status), To: string(upd.Status)}
	}
	return nil
}

// UpdateStepResult records the serialized result or error on a step.
func (s *Store) UpdateStepResult(ctx context.Context, id string, resultJSON json.RawMessage, errMsg string) error {
	var resultArg any
	if len(resultJSON) > 0 {
		resultArg = string(resultJSON)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE steps SET result = ?, error = NULLIF(?, '') WHERE id = ?
	`, resultArg, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to update step result: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return &errors.NotFoundError{Resource: "step", ID: id}
	}
	return nil
}

func (s *Store) getStep(ctx context.Context, id string) (*store.Step, error) {
	step, err := scanStep(s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, status, attempt_count, result, COALESCE(error, ''), started_at, finished_at, next_retry_at
		FROM steps WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection, used by integration
// tests to seed rows directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

func allowedRunSource(to store.RunStatus) (store.RunStatus, bool) {
	switch to {
	case store.RunStatusRunning:
		return store.RunStatusPending, true
	case store.RunStatusSuccess, store.RunStatusFailed:
		return store.RunStatusRunning, true
	default:
		return "", false
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	var run store.Run
	var metadataJSON sql.NullString
	var startedAt string
	var finishedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.PipelineID, &run.Status, &run.TriggeredBy, &run.ClaimedBy,
		&metadataJSON, &run.Error, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode run metadata: %w", err)
		}
	}
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		run.FinishedAt = &t
	}
	return &run, nil
}

func scanStep(row rowScanner) (*store.Step, error) {
	var step store.Step
	var result sql.NullString
	var startedAt, finishedAt, nextRetryAt sql.NullString

	err := row.Scan(
		&step.ID, &step.RunID, &step.Name, &step.Status, &step.AttemptCount,
		&result, &step.Error, &startedAt, &finishedAt, &nextRetryAt,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid && result.String != "" {
		step.Result = json.RawMessage(result.String)
	}
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		step.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		step.FinishedAt = &t
	}
	if nextRetryAt.Valid {
		t, err := parseTime(nextRetryAt.String)
		if err != nil {
			return nil, err
		}
		step.NextRetryAt = &t
	}
	return &step, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}
