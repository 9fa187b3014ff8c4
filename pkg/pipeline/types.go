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

package pipeline

import (
	"context"
)

// StepContext is handed to every handler invocation. It identifies the
// run the step belongs to and carries the results of every step that
// terminated in an earlier wave.
type StepContext struct {
	// RunID is the durable run identifier.
	RunID string

	// PipelineID is the durable pipeline identifier.
	PipelineID string

	// PrevResults maps already-terminated step names to their results.
	// Data values are deserialized JSON. The map is a snapshot; writes
	// to it are not observed by the engine or by sibling steps.
	PrevResults map[string]StepResult

	// Metadata carries opaque trigger metadata through to handlers.
	Metadata map[string]string
}

// StepResult is returned by every handler invocation.
//
// Data must round-trip through JSON; a value that does not serialize is
// treated by the engine as a non-retryable step failure. The engine
// never introspects Data.
type StepResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandlerFunc is the capability behind a pipeline step.
//
// A handler reports failure either by returning a non-nil error or by
// returning a StepResult with Success=false and an Error string; both
// forms are retryable up to the step's MaxRetries. Handlers must honour
// ctx cancellation cooperatively: the engine abandons a handler that
// outlives its timeout and will not record any result it produces after
// the deadline.
//
// Handlers are invoked at least once per non-terminal step and must be
// idempotent: after a crash between a handler's side effect and the
// step-row update, the step runs again.
type HandlerFunc func(ctx context.Context, sc *StepContext) (*StepResult, error)
