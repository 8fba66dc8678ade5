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

// Package worker drives progress on Executions. The loop holds no durable
// state of its own: every decision is made by re-reading the Store, so any
// number of worker instances can run the same loop against a shared Store.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowstate/flowstate/internal/executor"
	flog "github.com/flowstate/flowstate/internal/log"
	"github.com/flowstate/flowstate/internal/metrics"
	"github.com/flowstate/flowstate/internal/store"
)

// Advancer is the subset of the orchestrator Service the worker drives.
type Advancer interface {
	ClaimAndAdvance(ctx context.Context) (string, error)
	Resume(ctx context.Context, executionID string) error
}

// Poller is the subset of executor.PollingExecutor the worker needs. Only
// executors with a polling lifecycle satisfy this; push-based executors
// (webhook) are configured with a nil Poller.
type Poller interface {
	Poll(ctx context.Context, jobHandle string) (executor.PollResult, error)
}

// Completer reports a polled call's outcome back to the orchestrator.
type Completer interface {
	CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error
}

// Config controls loop cadence.
type Config struct {
	// PollInterval is the sleep between loop iterations.
	PollInterval time.Duration
	// MaxAdvancesPerTick caps how many scheduled executions one tick claims,
	// so a burst of submissions doesn't starve the resume/poll phases.
	MaxAdvancesPerTick int
}

// DefaultConfig returns sane loop cadence defaults.
func DefaultConfig() Config {
	return Config{PollInterval: time.Second, MaxAdvancesPerTick: 10}
}

// Worker runs the claim/resume/poll loop described by the orchestrator's
// scheduling model.
type Worker struct {
	store     store.Store
	svc       Advancer
	completer Completer
	poller    Poller // optional; nil for push-only executor configurations
	cfg       Config
	logger    *slog.Logger
}

// New creates a Worker. poller may be nil if the configured executor is
// push-only (webhook) and never needs refreshing.
func New(st store.Store, svc Advancer, completer Completer, poller Poller, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAdvancesPerTick <= 0 {
		cfg.MaxAdvancesPerTick = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: st, svc: svc, completer: completer, poller: poller, cfg: cfg, logger: logger}
}

// Run executes the loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker loop stopped", flog.Error(ctx.Err()))
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// RunUntilIdle repeatedly ticks until a pass makes no progress at all, or
// ctx is cancelled — useful in tests that want to drive an execution to a
// terminal state without a real-time loop.
func (w *Worker) RunUntilIdle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !w.Tick(ctx) {
			return
		}
	}
}

// Tick runs one pass of claim/resume/poll and reports whether any work was
// found.
func (w *Worker) Tick(ctx context.Context) bool {
	progressed := false

	for i := 0; i < w.cfg.MaxAdvancesPerTick; i++ {
		id, err := w.svc.ClaimAndAdvance(ctx)
		if err != nil {
			w.logger.Error("claim_and_advance failed", flog.Error(err))
			break
		}
		if id == "" {
			break
		}
		progressed = true
	}

	if w.resumeWaiting(ctx) {
		progressed = true
	}

	if w.poller != nil && w.pollNonTerminal(ctx) {
		progressed = true
	}

	w.reportQueueDepth(ctx)

	return progressed
}

// reportQueueDepth refreshes the gauges describing how much work is
// outstanding, for dashboards and autoscaling signals.
func (w *Worker) reportQueueDepth(ctx context.Context) {
	if waiting, err := w.store.ListWaiting(ctx); err == nil {
		metrics.SetQueueDepth("waiting", len(waiting))
	}
	if calls, err := w.store.ListNonTerminalCalls(ctx); err == nil {
		metrics.SetQueueDepth("non_terminal_calls", len(calls))
	}
}

func (w *Worker) resumeWaiting(ctx context.Context) bool {
	waiting, err := w.store.ListWaiting(ctx)
	if err != nil {
		w.logger.Error("list_waiting failed", flog.Error(err))
		return false
	}

	progressed := false
	for _, ex := range waiting {
		if ex.CurrentResumeGroup == "" {
			continue
		}
		status, err := w.store.BatchStatus(ctx, ex.CurrentResumeGroup)
		if err != nil {
			w.logger.Error("batch_status failed", flog.String(flog.ExecutionIDKey, ex.ID), flog.Error(err))
			continue
		}
		if !status.Done() {
			continue
		}
		if err := w.svc.Resume(ctx, ex.ID); err != nil {
			w.logger.Error("resume failed", flog.String(flog.ExecutionIDKey, ex.ID), flog.Error(err))
			continue
		}
		progressed = true
	}
	return progressed
}

func (w *Worker) pollNonTerminal(ctx context.Context) bool {
	calls, err := w.store.ListNonTerminalCalls(ctx)
	if err != nil {
		w.logger.Error("list_non_terminal_calls failed", flog.Error(err))
		return false
	}

	progressed := false
	for _, c := range calls {
		if c.JobHandle == "" {
			continue
		}
		result, err := w.poller.Poll(ctx, c.JobHandle)
		if err != nil {
			w.logger.Error("poll failed", flog.String("job_handle", c.JobHandle), flog.Error(err))
			continue
		}
		if result.Status == executor.PollPending {
			continue
		}

		errMsg := result.Err
		outcome := "ok"
		if result.Status == executor.PollFailed {
			outcome = "error"
			if errMsg == "" {
				errMsg = "call failed"
			}
		}
		if err := w.completer.CompleteCall(ctx, c.ExecutionID, c.ResumeGroupID, c.CallID, result.Result, errMsg); err != nil {
			w.logger.Error("complete_call failed",
				flog.String(flog.ExecutionIDKey, c.ExecutionID),
				flog.Int(flog.CallIDKey, c.CallID),
				flog.Error(err))
			continue
		}
		metrics.RecordCallCompleted(c.FunctionName, outcome, time.Since(c.CreatedAt))
		progressed = true
	}
	return progressed
}
