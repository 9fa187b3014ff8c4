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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsClaimed tracks runs claimed by pipeline name
	runsClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_runs_claimed_total",
			Help: "Total runs claimed by pipeline name",
		},
		[]string{"pipeline"},
	)

	// runsCompleted tracks terminal run outcomes
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_runs_completed_total",
			Help: "Total completed runs by pipeline name and terminal status",
		},
		[]string{"pipeline", "status"},
	)

	// runDuration tracks run wall-clock time
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipewright_run_duration_seconds",
			Help:    "Run execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"pipeline"},
	)

	// stepsCompleted tracks terminal step outcomes
	stepsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_steps_completed_total",
			Help: "Total completed steps by pipeline, step name, and terminal status",
		},
		[]string{"pipeline", "step", "status"},
	)

	// stepRetries tracks retry attempts scheduled
	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_step_retries_total",
			Help: "Total step retries scheduled by pipeline and step name",
		},
		[]string{"pipeline", "step"},
	)

	// runsRecovered tracks recovery sweep outcomes
	runsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipewright_runs_recovered_total",
			Help: "Total stuck runs handled by recovery, by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordRunClaimed increments the claim counter.
func RecordRunClaimed(pipelineName string) {
	runsClaimed.WithLabelValues(pipelineName).Inc()
}

// recordRunCompleted records a terminal run outcome and its duration.
func recordRunCompleted(pipelineName, status string, d time.Duration) {
	runsCompleted.WithLabelValues(pipelineName, status).Inc()
	runDuration.WithLabelValues(pipelineName).Observe(d.Seconds())
}

// recordStepCompleted records a terminal step outcome.
func recordStepCompleted(pipelineName, stepName, status string) {
	stepsCompleted.WithLabelValues(pipelineName, stepName, status).Inc()
}

// recordStepRetry increments the retry counter.
func recordStepRetry(pipelineName, stepName string) {
	stepRetries.WithLabelValues(pipelineName, stepName).Inc()
}

// RecordRecovery records a recovery sweep outcome: "resumed",
// "failed_steps", or "no_definition".
func RecordRecovery(outcome string) {
	runsRecovered.WithLabelValues(outcome).Inc()
}

// windowSize bounds the rolling sample window kept for Snapshot.
const windowSize = 100

type sample struct {
	duration time.Duration
	success  bool
}

// Metrics keeps process-local execution counters for the facade. It is
// owned by the worker's composition root and injected, never global.
// Prometheus export happens independently via the package counters.
type Metrics struct {
	mu        sync.Mutex
	total     int64
	succeeded int64
	failed    int64
	totalDur  time.Duration
	minDur    time.Duration
	maxDur    time.Duration
	window    []sample
	next      int
	filled    bool
}

// Snapshot is a point-in-time view of the execution counters.
type Snapshot struct {
	RunsExecuted  int64         `json:"runs_executed"`
	RunsSucceeded int64         `json:"runs_succeeded"`
	RunsFailed    int64         `json:"runs_failed"`
	MinDuration   time.Duration `json:"min_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`

	// Rolling window over the most recent runs (up to 100).
	WindowRuns        int           `json:"window_runs"`
	WindowSuccessRate float64       `json:"window_success_rate"`
	WindowAvgDuration time.Duration `json:"window_avg_duration"`
}

// NewMetrics creates an empty Metrics value.
func NewMetrics() *Metrics {
	return &Metrics{
		window: make([]sample, windowSize),
	}
}

// RecordRun records one run's outcome and duration.
func (m *Metrics) RecordRun(d time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	if success {
		m.succeeded++
	} else {
		m.failed++
	}
	m.totalDur += d
	if m.total == 1 || d < m.minDur {
		m.minDur = d
	}
	if d > m.maxDur {
		m.maxDur = d
	}

	m.window[m.next] = sample{duration: d, success: success}
	m.next++
	if m.next == windowSize {
		m.next = 0
		m.filled = true
	}
}

// Snapshot returns the current counters and derived rates.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		RunsExecuted:  m.total,
		RunsSucceeded: m.succeeded,
		RunsFailed:    m.failed,
		MinDuration:   m.minDur,
		MaxDuration:   m.maxDur,
	}
	if m.total > 0 {
		snap.AvgDuration = m.totalDur / time.Duration(m.total)
	}

	n := m.next
	if m.filled {
		n = windowSize
	}
	snap.WindowRuns = n
	if n > 0 {
		var ok int
		var sum time.Duration
		for i := 0; i < n; i++ {
			if m.window[i].success {
				ok++
			}
			sum += m.window[i].duration
		}
		snap.WindowSuccessRate = float64(ok) / float64(n)
		snap.WindowAvgDuration = sum / time.Duration(n)
	}
	return snap
}
