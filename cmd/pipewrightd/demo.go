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

package main

import (
	"context"
	"strings"

	"github.com/pipewright/pipewright/pkg/pipeline"
)

// registerDemo installs a small three-step pipeline used to smoke-test
// a deployment end to end: greet produces a message, process uppercases
// it, finish passes it through.
func registerDemo(reg *pipeline.Registry) error {
	return reg.Register(&pipeline.Definition{
		Name:        "demo",
		Description: "Built-in demo pipeline",
		Steps: []pipeline.StepDefinition{
			{
				Name: "greet",
				Handler: func(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
					return &pipeline.StepResult{
						Success: true,
						Data:    map[string]any{"m": "Hello"},
					}, nil
				},
			},
			{
				Name: "process",
				Handler: func(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
					prev := sc.PrevResults["greet"]
					m, _ := prev.Data.(map[string]any)
					s, _ := m["m"].(string)
					return &pipeline.StepResult{
						Success: true,
						Data:    map[string]any{"u": strings.ToUpper(s)},
					}, nil
				},
			},
			{
				Name: "finish",
				Handler: func(ctx context.Context, sc *pipeline.StepContext) (*pipeline.StepResult, error) {
					prev := sc.PrevResults["process"]
					m, _ := prev.Data.(map[string]any)
					return &pipeline.StepResult{
						Success: true,
						Data:    map[string]any{"f": m["u"]},
					}, nil
				},
			},
		},
	})
}
