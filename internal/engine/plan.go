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
	"github.com/pipewright/pipewright/pkg/errors"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Plan computes the wave schedule for a pipeline definition. Each wave
// is a set of step names whose dependencies are all satisfied by
// earlier waves; steps within a wave may execute concurrently, and
// every step in wave i reaches a terminal state before wave i+1 starts.
//
// A step with nil DependsOn depends on every step declared before it;
// an explicitly empty slice means no dependencies. Planning is
// deterministic: steps keep their declaration order within a wave.
func Plan(def *pipeline.Definition) ([][]string, error) {
	deps := make(map[string][]string, len(def.Steps))
	order := make([]string, 0, len(def.Steps))

	for i, step := range def.Steps {
		if step.DependsOn == nil {
			// Implicit dependency on all earlier steps.
			prior := make([]string, i)
			copy(prior, order)
			deps[step.Name] = prior
		} else {
			deps[step.Name] = step.DependsOn
		}
		order = append(order, step.Name)
	}

	declared := make(map[string]bool, len(order))
	for _, name := range order {
		declared[name] = true
	}
	for _, name := range order {
		for _, dep := range deps[name] {
			if !declared[dep] {
				return nil, &errors.PlanError{
					Step:       name,
					Dependency: dep,
					Reason:     "dependency is not a step of this pipeline",
				}
			}
		}
	}

	// Kahn's algorithm, collecting each round of ready steps as a wave.
	done := make(map[string]bool, len(order))
	var waves [][]string
	remaining := len(order)

	for remaining > 0 {
		var wave []string
		for _, name := range order {
			if done[name] {
				continue
			}
			ready := true
			for _, dep := range deps[name] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, name)
			}
		}

		if len(wave) == 0 {
			// Nothing became ready: a cycle among the remaining steps.
			for _, name := range order {
				if !done[name] {
					return nil, &errors.PlanError{
						Step:   name,
						Reason: "dependency cycle detected",
					}
				}
			}
		}

		for _, name := range wave {
			done[name] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}

	return waves, nil
}
