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

package errors

import (
	"fmt"
)

// ValidationError represents pipeline or step definition validation failures.
// Use this for invalid names, duplicate steps, or constraint violations
// raised at registration time, before any run exists.
type ValidationError struct {
	// Field identifies which definition field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested pipeline, run, or step does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "pipeline", "run", "step")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// PlanError represents a failure to build an execution plan from a
// pipeline definition. Raised when a dependency names an unknown step,
// references a step declared later in the pipeline, or forms a cycle.
type PlanError struct {
	// Step is the step whose dependency declaration is invalid
	Step string

	// Dependency is the offending dependency name, if any
	Dependency string

	// Reason explains why planning failed
	Reason string
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("plan error at step %q (dependency %q): %s", e.Step, e.Dependency, e.Reason)
	}
	if e.Step != "" {
		return fmt.Sprintf("plan error at step %q: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("plan error: %s", e.Reason)
}

// StateError represents an illegal state-machine transition on a
// durable row. The store rejects writes that would move a run or step
// out of a terminal state, or skip over an intermediate state.
type StateError struct {
	// Entity is the row kind ("run" or "step")
	Entity string

	// ID is the row identifier
	ID string

	// From is the state the row was in
	From string

	// To is the state the write attempted to reach
	To string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("illegal %s transition for %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// StepError represents a terminal step failure inside a run. It carries
// enough context for the run executor to fail the run with a message an
// operator can act on.
type StepError struct {
	// Step is the step name
	Step string

	// Attempts is the number of attempts made before giving up
	Attempts int

	// Message is the last attempt's error
	Message string
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("step %q failed after %d attempts: %s", e.Step, e.Attempts, e.Message)
	}
	return fmt.Sprintf("step %q failed: %s", e.Step, e.Message)
}
