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

// Package interptest provides a scripted fake interp.Adapter for driving
// the orchestrator through canned Outcome sequences in tests, the way the
// teacher substitutes fakes for its ExecutionAdapter rather than invoking a
// real LLM.
package interptest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowstate/flowstate/internal/interp"
)

// Step produces the next Outcome given the results of the previous batch
// (nil for the first step of a program). It may inspect results to decide
// between completing, failing, or suspending on a new batch — enough to
// express try/except-style recovery without a real interpreter.
type Step func(results map[int]interp.CallResult) (interp.Outcome, error)

// Adapter is a scripted interp.Adapter. Tests register one Step sequence
// per "program" (keyed by the Execution's code string) and drive it
// through Start/Resume exactly like a real interpreter would be driven.
type Adapter struct {
	mu       sync.Mutex
	programs map[string][]Step
}

var _ interp.Adapter = (*Adapter)(nil)

// New creates an empty scripted Adapter.
func New() *Adapter {
	return &Adapter{programs: make(map[string][]Step)}
}

// Register associates code with an ordered sequence of Steps: the first is
// consumed by Start, each subsequent by the next Resume call.
func (a *Adapter) Register(code string, steps ...Step) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.programs[code] = steps
}

type scriptState struct {
	Code string `json:"code"`
	Step int    `json:"step"`
}

// Start consumes the first registered Step for code.
func (a *Adapter) Start(ctx context.Context, code string, inputs []byte, allowedFunctions []string) (interp.Outcome, error) {
	a.mu.Lock()
	steps := a.programs[code]
	a.mu.Unlock()

	if len(steps) == 0 {
		return interp.Outcome{}, fmt.Errorf("interptest: no script registered for code %q", code)
	}

	outcome, err := steps[0](nil)
	if err != nil {
		return interp.Outcome{}, err
	}
	if outcome.Kind == interp.OutcomeSuspended {
		state, encErr := encodeState(code, 1)
		if encErr != nil {
			return interp.Outcome{}, encErr
		}
		outcome.State = state
	}
	return outcome, nil
}

// Resume consumes the next registered Step for the program encoded in state.
func (a *Adapter) Resume(ctx context.Context, state []byte, results map[int]interp.CallResult) (interp.Outcome, error) {
	var s scriptState
	if err := json.Unmarshal(state, &s); err != nil {
		return interp.Outcome{}, fmt.Errorf("interptest: invalid state: %w", err)
	}

	a.mu.Lock()
	steps := a.programs[s.Code]
	a.mu.Unlock()

	if s.Step >= len(steps) {
		return interp.Outcome{}, fmt.Errorf("interptest: script %q has no step %d", s.Code, s.Step)
	}

	outcome, err := steps[s.Step](results)
	if err != nil {
		return interp.Outcome{}, err
	}
	if outcome.Kind == interp.OutcomeSuspended {
		nextState, encErr := encodeState(s.Code, s.Step+1)
		if encErr != nil {
			return interp.Outcome{}, encErr
		}
		outcome.State = nextState
	}
	return outcome, nil
}

func encodeState(code string, step int) ([]byte, error) {
	return json.Marshal(scriptState{Code: code, Step: step})
}

// Complete builds an OutcomeComplete carrying value (already JSON-encoded).
func Complete(value []byte) interp.Outcome {
	return interp.Outcome{Kind: interp.OutcomeComplete, Value: value}
}

// Suspended builds an OutcomeSuspended carrying the given pending calls.
// State is filled in by the Adapter; callers never set it.
func Suspended(calls ...interp.PendingCall) interp.Outcome {
	return interp.Outcome{Kind: interp.OutcomeSuspended, Calls: calls}
}
