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

// Package local provides the synchronous, in-process reference Executor:
// it runs the registered function directly on Submit and reports the
// outcome immediately, without a job handle.
package local

import (
	"context"
	"sync/atomic"

	"github.com/flowstate/flowstate/internal/executor"
	"github.com/flowstate/flowstate/internal/executor/registry"
)

// Completer is the subset of the orchestrator service that executors use
// to report a call's outcome.
type Completer interface {
	CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error
}

// Executor dispatches calls synchronously against a Registry and reports
// the outcome to a Completer before Submit returns.
type Executor struct {
	registry  *registry.Registry
	completer Completer

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

var _ executor.Executor = (*Executor)(nil)

// New creates a local Executor bound to reg and completer.
func New(reg *registry.Registry, completer Completer) *Executor {
	return &Executor{registry: reg, completer: completer}
}

// Submit runs the registered function synchronously and reports its
// outcome to the Completer. job_handle is always empty: Local never polls.
func (e *Executor) Submit(ctx context.Context, call executor.Call) (string, error) {
	e.submitted.Add(1)

	fn, ok := e.registry.Lookup(call.FunctionName)
	if !ok {
		e.failed.Add(1)
		err := e.completer.CompleteCall(ctx, call.ExecutionID, call.ResumeGroupID, call.CallID, nil,
			"no function registered for "+call.FunctionName)
		return "", err
	}

	result, err := fn(ctx, call.Args)
	if err != nil {
		e.failed.Add(1)
		return "", e.completer.CompleteCall(ctx, call.ExecutionID, call.ResumeGroupID, call.CallID, nil, err.Error())
	}

	e.completed.Add(1)
	return "", e.completer.CompleteCall(ctx, call.ExecutionID, call.ResumeGroupID, call.CallID, result, "")
}

// Stats returns diagnostic counters.
func (e *Executor) Stats() executor.Stats {
	return executor.Stats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}
