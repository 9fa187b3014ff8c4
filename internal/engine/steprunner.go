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

package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Backoff constants for failed attempts.
const (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// defaultBackoff returns the delay before retrying after the given
// attempt number (1-based). Exponential with jitter in [50%, 100%] of
// the computed delay, capped at backoffCap.
func defaultBackoff(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// stepRunner drives one step through its attempt loop. Every state
// transition is persisted before the next action so a crashed worker
// leaves a resumable trail.
type stepRunner struct {
	steps  store.StepStore
	logger *slog.Logger

	// backoff and sleep are swapped out by tests.
	backoff func(attempt int) time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func newStepRunner(steps store.StepStore, logger *slog.Logger) *stepRunner {
	return &stepRunner{
		steps:   steps,
		logger:  logger,
		backoff: defaultBackoff,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one step to a terminal state. On success it returns the
// handler's result. A *errors.StepError return means the step failed
// terminally; any other error is an engine-level fault (store write
// failure or shutdown) that leaves the step and run for recovery.
func (r *stepRunner) run(ctx context.Context, row *store.Step, def *pipeline.StepDefinition, sc *pipeline.StepContext, pipelineName string) (*pipeline.StepResult, error) {
	logger := log.WithStepContext(r.logger, row.RunID, def.Name)

	// Attempt numbering continues from any persisted count so it never
	// decreases across a crash-resume boundary.
	attempt := row.AttemptCount
	maxAttempts := def.MaxRetries + 1
	firstAttempt := row.StartedAt == nil

	for {
		attempt++

		upd := store.StepUpdate{
			Status:       store.StepStatusRunning,
			AttemptCount: &attempt,
		}
		if firstAttempt {
			now := time.Now()
			upd.StartedAt = &now
			firstAttempt = false
		}
		if err := r.steps.UpdateStepStatus(ctx, row.ID, upd); err != nil {
			return nil, fmt.Errorf("failed to mark step running: %w", err)
		}

		logger.Debug("step attempt started", slog.Int(log.AttemptKey, attempt))

		result, attemptErr := r.invoke(ctx, def, sc)
		if attemptErr == nil {
			if err := r.finishSuccess(ctx, row, def, result, attempt, pipelineName, logger); err != nil {
				return nil, err
			}
			return result, nil
		}

		// A canceled parent context is a shutdown, not a handler
		// failure; leave the step running for recovery.
		if stderrors.Is(attemptErr, context.Canceled) && ctx.Err() != nil {
			return nil, attemptErr
		}

		errMsg := attemptErr.Error()

		if attempt >= maxAttempts {
			if err := r.steps.UpdateStepResult(ctx, row.ID, nil, errMsg); err != nil {
				return nil, fmt.Errorf("failed to record step error: %w", err)
			}
			now := time.Now()
			if err := r.steps.UpdateStepStatus(ctx, row.ID, store.StepUpdate{
				Status:     store.StepStatusFailed,
				FinishedAt: &now,
			}); err != nil {
				return nil, fmt.Errorf("failed to mark step failed: %w", err)
			}
			recordStepCompleted(pipelineName, def.Name, string(store.StepStatusFailed))
			logger.Error("step failed", slog.Int(log.AttemptKey, attempt), slog.String("error", errMsg))
			return nil, &errors.StepError{Step: def.Name, Attempts: attempt, Message: errMsg}
		}

		delay := r.backoff(attempt)
		nextRetry := time.Now().Add(delay)
		if err := r.steps.UpdateStepResult(ctx, row.ID, nil, errMsg); err != nil {
			return nil, fmt.Errorf("failed to record step error: %w", err)
		}
		if err := r.steps.UpdateStepStatus(ctx, row.ID, store.StepUpdate{
			Status:      store.StepStatusRetrying,
			NextRetryAt: &nextRetry,
		}); err != nil {
			return nil, fmt.Errorf("failed to mark step retrying: %w", err)
		}
		recordStepRetry(pipelineName, def.Name)
		logger.Warn("step attempt failed, retrying",
			slog.Int(log.AttemptKey, attempt),
			slog.String("error", errMsg),
			log.Duration("retry_in", delay.Milliseconds()),
		)

		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// finishSuccess serializes the result data and moves the step to
// success. The result column holds only the handler's data payload;
// the success flag is implied by the step status. Data that cannot be
// serialized is a non-retryable failure.
func (r *stepRunner) finishSuccess(ctx context.Context, row *store.Step, def *pipeline.StepDefinition, result *pipeline.StepResult, attempt int, pipelineName string, logger *slog.Logger) error {
	data, err := json.Marshal(result.Data)
	if err != nil {
		errMsg := "unserializable result"
		if uerr := r.steps.UpdateStepResult(ctx, row.ID, nil, errMsg); uerr != nil {
			return fmt.Errorf("failed to record step error: %w", uerr)
		}
		now := time.Now()
		if uerr := r.steps.UpdateStepStatus(ctx, row.ID, store.StepUpdate{
			Status:     store.StepStatusFailed,
			FinishedAt: &now,
		}); uerr != nil {
			return fmt.Errorf("failed to mark step failed: %w", uerr)
		}
		recordStepCompleted(pipelineName, def.Name, string(store.StepStatusFailed))
		return &errors.StepError{Step: def.Name, Attempts: attempt, Message: errMsg}
	}

	// Clear any retry-attempt error before the terminal transition so
	// a success row never carries an error message.
	if err := r.steps.UpdateStepResult(ctx, row.ID, data, ""); err != nil {
		return fmt.Errorf("failed to record step result: %w", err)
	}
	now := time.Now()
	if err := r.steps.UpdateStepStatus(ctx, row.ID, store.StepUpdate{
		Status:     store.StepStatusSuccess,
		FinishedAt: &now,
	}); err != nil {
		return fmt.Errorf("failed to mark step success: %w", err)
	}
	recordStepCompleted(pipelineName, def.Name, string(store.StepStatusSuccess))
	logger.Info("step succeeded", slog.Int(log.AttemptKey, attempt))
	return nil
}

// invoke runs the handler once, racing it against the step's timeout.
// The handler runs in its own goroutine; panics are captured and
// surface as attempt errors. On timeout the handler is asked to cancel
// via its context and its eventual result is abandoned.
func (r *stepRunner) invoke(ctx context.Context, def *pipeline.StepDefinition, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
	attemptCtx := ctx
	if def.Timeout != nil {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, *def.Timeout)
		defer cancel()
	}

	type outcome struct {
		result *pipeline.StepResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		result, err := def.Handler(attemptCtx, sc)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if o.result == nil {
			return nil, stderrors.New("handler returned nil result")
		}
		if !o.result.Success {
			if o.result.Error != "" {
				return nil, stderrors.New(o.result.Error)
			}
			return nil, stderrors.New("handler reported failure")
		}
		return o.result, nil
	case <-attemptCtx.Done():
		if def.Timeout != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("timeout after %dms", def.Timeout.Milliseconds())
		}
		return nil, attemptCtx.Err()
	}
}
