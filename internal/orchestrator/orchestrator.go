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

// Package orchestrator implements the stateless service that drives
// Executions through the state machine of start_execution, advance,
// complete_call, and resume. The Store is the sole source of truth; the
// Service holds no mutable execution state of its own.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	flog "github.com/flowstate/flowstate/internal/log"
	"github.com/flowstate/flowstate/internal/interp"
	"github.com/flowstate/flowstate/internal/metrics"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/internal/tracing"
)

// ErrNotScheduled is returned by Advance when the execution is not
// (or no longer) in status=scheduled; it is treated as a benign no-op.
var ErrNotScheduled = errors.New("orchestrator: execution is not scheduled")

// Dispatcher is the subset of the Executor the Service needs to hand off a
// newly-opened batch of calls for dispatch. The daemon wires the concrete
// Executor implementation through an adapter satisfying this interface.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID, resumeGroupID string, calls []store.NewCall) error
}

// PendingCallView is one call in the current batch, as returned by
// GetPendingCalls.
type PendingCallView struct {
	CallID       int
	FunctionName string
	Args         []byte
}

// StatusView is the read-only snapshot returned by Poll.
type StatusView struct {
	ExecutionID  string
	Status       store.Status
	Output       []byte
	Error        string
	PendingCalls []PendingCallView
}

// Service is the stateless orchestrator façade over Store + Adapter.
type Service struct {
	store      store.Store
	adapter    interp.Adapter
	dispatcher Dispatcher
	logger     *slog.Logger
	tracer     *tracing.Provider
}

// New creates a Service. dispatcher may be nil if the caller only ever
// drives calls to completion through some other path (e.g. tests).
func New(st store.Store, adapter interp.Adapter, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, adapter: adapter, dispatcher: dispatcher, logger: logger}
}

// SetTracer attaches a tracing.Provider; afterward ClaimAndAdvance and
// Advance open an "orchestrator.advance" span, Resume an
// "orchestrator.resume" span, and CompleteCall an
// "orchestrator.complete_call" span. Optional — a Service without a
// tracer behaves identically, just untraced.
func (s *Service) SetTracer(tracer *tracing.Provider) {
	s.tracer = tracer
}

func (s *Service) span(ctx context.Context, operation string, attrs tracing.Attrs) (context.Context, func(*error)) {
	if s.tracer == nil {
		return ctx, func(*error) {}
	}
	return s.tracer.OrchestratorSpan(ctx, operation, attrs)
}

// StartExecution creates a new Execution with status=scheduled. It does not
// invoke the interpreter.
func (s *Service) StartExecution(ctx context.Context, code string, allowedFunctions []string, inputs []byte) (string, error) {
	ex, err := s.store.CreateExecution(ctx, code, allowedFunctions, inputs)
	if err != nil {
		return "", fmt.Errorf("orchestrator: start_execution: %w", err)
	}
	metrics.RecordExecutionStarted()
	s.logger.Info("execution scheduled", flog.String(flog.ExecutionIDKey, ex.ID))
	return ex.ID, nil
}

// ClaimAndAdvance claims whichever scheduled Execution is next (per
// store.ClaimScheduled's own fairness policy), invokes interpreter.Start on
// it, and applies the resulting Outcome. It returns ("", nil) if nothing is
// currently scheduled. This is what the worker loop's claim step calls.
func (s *Service) ClaimAndAdvance(ctx context.Context) (id string, err error) {
	ctx, end := s.span(ctx, "advance", nil)
	defer end(&err)

	claimed, err := s.store.ClaimScheduled(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("orchestrator: claim_scheduled: %w", err)
	}

	if err := s.runOutcome(ctx, claimed, func() (interp.Outcome, error) {
		return s.adapter.Start(ctx, claimed.Code, claimed.Inputs, claimed.ExternalFunctions)
	}); err != nil {
		return claimed.ID, err
	}
	return claimed.ID, nil
}

// Advance is the idempotent, single-execution form of advance: if
// executionID is still scheduled, it claims the next scheduled execution
// via ClaimScheduled, invokes interpreter.Start on it, and applies the
// Outcome. When that claim returns an older scheduled execution, that one
// is advanced and executionID stays scheduled. It is a no-op, per spec, if
// executionID is not currently scheduled — including the case where
// another worker's ClaimAndAdvance already claimed it.
func (s *Service) Advance(ctx context.Context, executionID string) (err error) {
	ctx, end := s.span(ctx, "advance", tracing.Attrs{flog.ExecutionIDKey: executionID})
	defer end(&err)

	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: advance: %w", err)
	}
	if ex.Status != store.StatusScheduled {
		return ErrNotScheduled
	}

	claimed, err := s.store.ClaimScheduled(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("orchestrator: claim_scheduled: %w", err)
	}
	// ClaimScheduled may hand back a different (older) scheduled execution
	// than executionID. It is advanced here all the same, so it is not left
	// in running; executionID then remains scheduled for a future call.
	return s.runOutcome(ctx, claimed, func() (interp.Outcome, error) {
		return s.adapter.Start(ctx, claimed.Code, claimed.Inputs, claimed.ExternalFunctions)
	})
}

// runOutcome applies the Outcome produced by start or resume to the
// execution's state machine.
func (s *Service) runOutcome(ctx context.Context, ex *store.Execution, produce func() (interp.Outcome, error)) error {
	logger := flog.WithExecutionContext(s.logger, ex.ID)

	outcome, err := produce()
	if err != nil {
		logger.Error("interpreter failed", flog.Error(err))
		metrics.RecordExecutionFinished("failed", time.Since(ex.CreatedAt))
		return s.finishFailed(ctx, ex.ID, err.Error())
	}

	switch outcome.Kind {
	case interp.OutcomeComplete:
		logger.Info("execution completed")
		metrics.RecordExecutionFinished("completed", time.Since(ex.CreatedAt))
		return s.finishCompleted(ctx, ex.ID, outcome.Value)

	case interp.OutcomeSuspended:
		resumeGroupID := uuid.NewString()
		calls := make([]store.NewCall, 0, len(outcome.Calls))
		for _, c := range outcome.Calls {
			calls = append(calls, store.NewCall{CallID: c.CallID, FunctionName: c.FunctionName, Args: c.Args})
		}

		expected := ex.Status
		if err := s.store.SaveSuspension(ctx, ex.ID, expected, outcome.State, resumeGroupID, calls); err != nil {
			if errors.Is(err, store.ErrConflict) {
				logger.Warn("save_suspension lost its race", flog.String(flog.ResumeGroupIDKey, resumeGroupID))
				return nil
			}
			return fmt.Errorf("orchestrator: save_suspension: %w", err)
		}
		logger.Info("execution suspended",
			flog.String(flog.ResumeGroupIDKey, resumeGroupID),
			flog.Int("batch_size", len(calls)))
		metrics.RecordBatchOpened(len(calls))

		if len(calls) == 0 {
			// Degenerate batch: resume immediately.
			return s.Resume(ctx, ex.ID)
		}

		if s.dispatcher != nil {
			if err := s.dispatcher.Dispatch(ctx, ex.ID, resumeGroupID, calls); err != nil {
				return fmt.Errorf("orchestrator: dispatch: %w", err)
			}
		}
		return nil

	default:
		return fmt.Errorf("orchestrator: unknown outcome kind %v", outcome.Kind)
	}
}

func (s *Service) finishCompleted(ctx context.Context, executionID string, output []byte) error {
	if err := s.store.Finish(ctx, executionID, output, ""); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("orchestrator: finish: %w", err)
	}
	return nil
}

func (s *Service) finishFailed(ctx context.Context, executionID string, errMsg string) error {
	if err := s.store.Finish(ctx, executionID, nil, errMsg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		return fmt.Errorf("orchestrator: finish: %w", err)
	}
	return nil
}

// CompleteCall records the outcome of one external call. It does not
// itself drive resume — the worker loop observes the batch becoming
// complete and calls Resume.
func (s *Service) CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) (err error) {
	ctx, end := s.span(ctx, "complete_call", tracing.Attrs{
		flog.ExecutionIDKey:   executionID,
		flog.ResumeGroupIDKey: resumeGroupID,
	})
	defer end(&err)

	err = s.store.CompleteCall(ctx, executionID, resumeGroupID, callID, store.CallOutcome{Result: result, Err: errMsg})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			s.logger.Warn("complete_call conflict",
				flog.String(flog.ExecutionIDKey, executionID),
				flog.String(flog.ResumeGroupIDKey, resumeGroupID),
				flog.Int(flog.CallIDKey, callID))
			return err
		}
		return fmt.Errorf("orchestrator: complete_call: %w", err)
	}
	return nil
}

// Resume attempts claim_resume for executionID's current batch; if
// successful, it calls interpreter.Resume with the batch's results and
// applies the Outcome. It is idempotent: only the winning caller proceeds.
func (s *Service) Resume(ctx context.Context, executionID string) (err error) {
	ctx, end := s.span(ctx, "resume", tracing.Attrs{flog.ExecutionIDKey: executionID})
	defer end(&err)

	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume: %w", err)
	}
	if ex.Status != store.StatusWaiting || ex.CurrentResumeGroup == "" {
		return nil
	}

	won, err := s.store.ClaimResume(ctx, executionID, ex.CurrentResumeGroup)
	if err != nil {
		return fmt.Errorf("orchestrator: claim_resume: %w", err)
	}
	if !won {
		metrics.RecordResumeConflict()
		return nil
	}

	data, err := s.store.LoadForResume(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: load_for_resume: %w", err)
	}

	results := make(map[int]interp.CallResult, len(data.Results))
	for callID, outcome := range data.Results {
		results[callID] = interp.CallResult{Value: outcome.Result, Err: outcome.Err}
	}

	resuming, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("orchestrator: resume: %w", err)
	}

	return s.runOutcome(ctx, resuming, func() (interp.Outcome, error) {
		return s.adapter.Resume(ctx, data.State, results)
	})
}

// GetPendingCalls lists the current batch's non-terminal calls for
// executionID.
func (s *Service) GetPendingCalls(ctx context.Context, executionID string) ([]PendingCallView, error) {
	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: get_pending_calls: %w", err)
	}
	if ex.CurrentResumeGroup == "" {
		return nil, nil
	}

	calls, err := s.store.ListOpenCalls(ctx, executionID, ex.CurrentResumeGroup)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: get_pending_calls: %w", err)
	}

	var out []PendingCallView
	for _, c := range calls {
		out = append(out, PendingCallView{CallID: c.CallID, FunctionName: c.FunctionName, Args: c.Args})
	}
	return out, nil
}

// Poll returns a read-only status snapshot for executionID, including the
// current batch's pending calls when the execution is waiting or resuming.
func (s *Service) Poll(ctx context.Context, executionID string) (*StatusView, error) {
	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: poll: %w", err)
	}

	view := &StatusView{
		ExecutionID: ex.ID,
		Status:      ex.Status,
		Output:      ex.Output,
		Error:       ex.Error,
	}

	if ex.Status == store.StatusWaiting || ex.Status == store.StatusResuming {
		pending, err := s.GetPendingCalls(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: poll: %w", err)
		}
		view.PendingCalls = pending
	}

	return view, nil
}

// GetResult returns the completed output for executionID, or an error if
// the execution hasn't reached a terminal success state.
func (s *Service) GetResult(ctx context.Context, executionID string) ([]byte, error) {
	ex, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: get_result: %w", err)
	}
	switch ex.Status {
	case store.StatusCompleted:
		return ex.Output, nil
	case store.StatusFailed:
		return nil, fmt.Errorf("orchestrator: execution %s failed: %s", executionID, ex.Error)
	default:
		return nil, fmt.Errorf("orchestrator: execution %s is not terminal (status=%s)", executionID, ex.Status)
	}
}
