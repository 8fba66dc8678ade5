// Copyright 2025 Tom Barlow
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

// Package metrics exposes the Prometheus series flowstated emits for
// execution throughput, batch fan-out, call latency, and queue depth.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	executionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowstate_executions_started_total",
		Help: "Total executions that entered status=scheduled.",
	})

	executionsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowstate_executions_finished_total",
			Help: "Total executions that reached a terminal status, by outcome.",
		},
		[]string{"outcome"}, // completed, failed
	)

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowstate_execution_duration_seconds",
		Help:    "Wall-clock time from start_execution to a terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowstate_batch_size",
		Help:    "Number of calls opened per suspended batch.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
	})

	callLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowstate_call_duration_seconds",
			Help:    "Time from a call being opened to complete_call, by function.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function_name", "outcome"}, // outcome: ok, error
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowstate_queue_depth",
			Help: "Number of executions or calls currently in a given state.",
		},
		[]string{"state"}, // waiting, non_terminal_calls
	)

	resumeConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flowstate_resume_conflicts_total",
		Help: "claim_resume attempts that lost the race to another caller.",
	})
)

// RecordExecutionStarted increments the started counter.
func RecordExecutionStarted() {
	executionsStarted.Inc()
}

// RecordExecutionFinished increments the finished counter and observes total
// duration, keyed by outcome ("completed" or "failed").
func RecordExecutionFinished(outcome string, duration time.Duration) {
	executionsFinished.WithLabelValues(outcome).Inc()
	executionDuration.Observe(duration.Seconds())
}

// RecordBatchOpened observes the size of a newly-opened batch.
func RecordBatchOpened(size int) {
	batchSize.Observe(float64(size))
}

// RecordCallCompleted observes one call's latency, keyed by function name and
// outcome ("ok" or "error").
func RecordCallCompleted(functionName, outcome string, duration time.Duration) {
	callLatency.WithLabelValues(functionName, outcome).Observe(duration.Seconds())
}

// SetQueueDepth reports the current count of executions or calls in state.
func SetQueueDepth(state string, n int) {
	queueDepth.WithLabelValues(state).Set(float64(n))
}

// RecordResumeConflict increments the resume-race counter.
func RecordResumeConflict() {
	resumeConflicts.Inc()
}

// Handler exposes the default Prometheus registry over HTTP, mounted at
// /metrics by the daemon.
func Handler() http.Handler {
	return promhttp.Handler()
}
