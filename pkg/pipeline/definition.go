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

// Package pipeline defines pipelines as ordered step lists with
// handlers, and the process-local registry that maps pipeline names to
// their in-memory definitions.
package pipeline

import (
	"regexp"
	"time"

	"github.com/pipewright/pipewright/pkg/errors"
)

// namePattern constrains pipeline and step names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// StepDefinition describes one step of a pipeline.
type StepDefinition struct {
	// Name is unique within the pipeline.
	Name string

	// Handler is invoked once per attempt.
	Handler HandlerFunc

	// MaxRetries is the number of retries after the first attempt.
	// Zero means a single attempt.
	MaxRetries int

	// Timeout bounds a single attempt. Nil means unbounded; a non-nil
	// value must be positive.
	Timeout *time.Duration

	// DependsOn names the steps this step waits for. The zero value
	// (nil) means the step depends on every step declared before it.
	// An explicitly empty slice means the step has no dependencies.
	// Every named dependency must appear earlier in the step list.
	DependsOn []string
}

// Definition is the in-memory code behind a named pipeline.
type Definition struct {
	// Name is unique across the registry.
	Name string

	// Description is optional free text shown by the facade.
	Description string

	// Schedule is an optional cron expression. The engine stores it on
	// the catalog row but never interprets it.
	Schedule string

	// Steps is the ordered step list. Must be non-empty.
	Steps []StepDefinition
}

// Validate checks the definition's structural invariants. It is called
// at registration time, before any run exists.
func (d *Definition) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "pipeline name must match ^[A-Za-z0-9_-]{1,100}$",
			Suggestion: "use letters, digits, underscores, and hyphens only",
		}
	}

	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: "pipeline must declare at least one step",
		}
	}

	seen := make(map[string]int, len(d.Steps))
	for i, step := range d.Steps {
		if !namePattern.MatchString(step.Name) {
			return &errors.ValidationError{
				Field:   "steps[" + step.Name + "].name",
				Message: "step name must match ^[A-Za-z0-9_-]{1,100}$",
			}
		}
		if _, dup := seen[step.Name]; dup {
			return &errors.ValidationError{
				Field:   "steps",
				Message: "duplicate step name: " + step.Name,
			}
		}
		if step.Handler == nil {
			return &errors.ValidationError{
				Field:   "steps[" + step.Name + "].handler",
				Message: "step handler must not be nil",
			}
		}
		if step.MaxRetries < 0 {
			return &errors.ValidationError{
				Field:   "steps[" + step.Name + "].maxRetries",
				Message: "maxRetries must be >= 0",
			}
		}
		if step.Timeout != nil && *step.Timeout <= 0 {
			return &errors.ValidationError{
				Field:      "steps[" + step.Name + "].timeout",
				Message:    "timeout must be positive when set",
				Suggestion: "omit the timeout for an unbounded step",
			}
		}

		// Dependencies must name steps declared earlier in the list.
		for _, dep := range step.DependsOn {
			if _, ok := seen[dep]; !ok {
				if dep == step.Name {
					return &errors.ValidationError{
						Field:   "steps[" + step.Name + "].dependsOn",
						Message: "step cannot depend on itself",
					}
				}
				return &errors.ValidationError{
					Field:      "steps[" + step.Name + "].dependsOn",
					Message:    "dependency " + dep + " is not declared earlier in the pipeline",
					Suggestion: "declare dependencies before the steps that use them",
				}
			}
		}

		seen[step.Name] = i
	}

	return nil
}

// Step returns the definition of the named step, or nil if absent.
func (d *Definition) Step(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepNames returns the step names in declaration order.
func (d *Definition) StepNames() []string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return names
}
