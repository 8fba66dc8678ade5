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

// Package interp defines the contract between the orchestrator and the
// sandboxed workflow interpreter. The interpreter itself — its language,
// isolation model, and snapshot format — is an external collaborator;
// this package only describes the shape the orchestrator drives it
// through.
package interp

import "context"

// PendingCall is one external function invocation the interpreter recorded
// while suspending. CallID is assigned by the interpreter and unique only
// within the Outcome that produced it.
type PendingCall struct {
	CallID       int
	FunctionName string
	Args         []byte // JSON-encoded
}

// OutcomeKind distinguishes the two shapes an Outcome can take.
type OutcomeKind int

const (
	// OutcomeComplete means the workflow ran to completion; Value holds
	// its final, JSON-encoded result.
	OutcomeComplete OutcomeKind = iota
	// OutcomeSuspended means the workflow is blocked on a batch of
	// external calls; State and Calls describe how to resume it.
	OutcomeSuspended
)

// Outcome is the result of Start or Resume.
type Outcome struct {
	Kind OutcomeKind

	// Value holds the final JSON-encoded result when Kind == OutcomeComplete.
	Value []byte

	// State is the opaque snapshot to persist when Kind == OutcomeSuspended.
	// Its interpretation belongs exclusively to the Adapter that produced
	// it; the orchestrator stores and returns it unexamined.
	State []byte

	// Calls lists the batch of calls the workflow is now waiting on, when
	// Kind == OutcomeSuspended. May be empty (a degenerate batch that the
	// orchestrator resumes immediately).
	Calls []PendingCall
}

// CallResult is a completed call's outcome, keyed by CallID when passed to
// Resume. Exactly one of Value or Err is set.
type CallResult struct {
	Value []byte // JSON-encoded
	Err   string
}

// Adapter presents the sandbox as a pure function over (code, state,
// inputs, results). Implementations must not execute the allowed
// functions themselves — stubs installed for them exist only to record a
// pending call and suspend.
type Adapter interface {
	// Start creates a fresh interpreter instance for code, installs
	// allowedFunctions as call-recording stubs, and runs it to the first
	// suspension or completion.
	Start(ctx context.Context, code string, inputs []byte, allowedFunctions []string) (Outcome, error)

	// Resume restores an interpreter from state, injects results keyed by
	// call_id, and drives execution to the next suspension or completion.
	Resume(ctx context.Context, state []byte, results map[int]CallResult) (Outcome, error)
}
