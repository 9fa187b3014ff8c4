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

package worker

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/pipewright/pipewright/internal/engine"
	"github.com/pipewright/pipewright/internal/log"
	"github.com/pipewright/pipewright/internal/store"
	"github.com/pipewright/pipewright/pkg/pipeline"
)

// Claimer is one claim loop: it repeatedly claims the oldest pending
// run and hands it to the executor. Correctness under many concurrent
// claimers rests entirely on the store's atomic claim primitive.
type Claimer struct {
	id           string
	store        store.Store
	registry     *pipeline.Registry
	executor     *engine.Executor
	metrics      *engine.Metrics
	logger       *slog.Logger
	pollInterval time.Duration
	limiter      *rate.Limiter
}

// NewClaimer creates a claim loop identified by id.
func NewClaimer(id string, st store.Store, reg *pipeline.Registry, exec *engine.Executor, metrics *engine.Metrics, logger *slog.Logger, pollInterval time.Duration) *Claimer {
	return &Claimer{
		id:           id,
		store:        st,
		registry:     reg,
		executor:     exec,
		metrics:      metrics,
		logger:       log.WithComponent(logger, "claimer").With(slog.String(log.ClaimerKey, id)),
		pollInterval: pollInterval,
		// Caps claim attempts so a flood of short runs cannot hammer
		// the store's claim transaction.
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	}
}

// Run claims and executes runs until loopCtx is canceled. In-flight
// runs execute under execCtx, which the worker keeps alive through the
// drain window so shutdown does not abandon a run mid-step.
func (c *Claimer) Run(loopCtx, execCtx context.Context) {
	c.logger.Info("claimer started")
	defer c.logger.Info("claimer stopped")

	for {
		if loopCtx.Err() != nil {
			return
		}
		if err := c.limiter.Wait(loopCtx); err != nil {
			return
		}

		claimed, err := c.store.ClaimOnePendingRun(loopCtx, c.id)
		if err != nil {
			c.logger.Error("claim failed", log.Error(err))
			if serr := c.sleepJittered(loopCtx); serr != nil {
				return
			}
			continue
		}
		if claimed == nil {
			if serr := c.sleepJittered(loopCtx); serr != nil {
				return
			}
			continue
		}

		c.execute(execCtx, claimed)
		// Next iteration immediately: no sleep while there is work.
	}
}

func (c *Claimer) execute(ctx context.Context, claimed *store.ClaimedRun) {
	logger := log.WithRunContext(c.logger, claimed.ID, claimed.PipelineName)
	engine.RecordRunClaimed(claimed.PipelineName)
	logger.Info("run claimed")

	def, err := c.registry.Get(claimed.PipelineName)
	if err != nil {
		// The run references pipeline code this worker does not carry.
		now := time.Now()
		if uerr := c.store.UpdateRunStatus(ctx, claimed.ID, store.RunStatusFailed, &now,
			"pipeline not registered: "+claimed.PipelineName); uerr != nil {
			logger.Error("failed to fail unregistered run", log.Error(uerr))
		}
		logger.Warn("claimed run for unregistered pipeline")
		return
	}

	t0 := time.Now()
	execErr := c.executor.Execute(ctx, &claimed.Run, claimed.PipelineName, def)
	c.metrics.RecordRun(time.Since(t0), execErr == nil)
}

// sleepJittered waits around pollInterval, uniformly jittered between
// 50% and 150%, so idle claimers do not poll in lockstep.
func (c *Claimer) sleepJittered(ctx context.Context) error {
	half := c.pollInterval / 2
	d := half + time.Duration(rand.Int63n(int64(c.pollInterval)+1))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
