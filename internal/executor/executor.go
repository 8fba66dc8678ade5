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

// Package executor defines the pluggable dispatcher contract for external
// calls, and the statuses a poll can report.
package executor

import (
	"context"
	"errors"
)

// PollStatus is the result of polling a job_handle.
type PollStatus int

const (
	// PollPending means the job hasn't finished yet.
	PollPending PollStatus = iota
	// PollCompleted means the job finished successfully; Result is set.
	PollCompleted
	// PollFailed means the job finished with an error; Err is set.
	PollFailed
)

// PollResult is what Poll returns.
type PollResult struct {
	Status PollStatus
	Result []byte // JSON-encoded, set iff Status == PollCompleted
	Err    string // set iff Status == PollFailed
}

// Call is the unit of work submitted to an Executor.
type Call struct {
	ExecutionID   string
	ResumeGroupID string
	CallID        int
	FunctionName  string
	Args          []byte // JSON-encoded
}

// Stats holds diagnostic counters an Executor may report.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// ErrSubmissionFailed is a sentinel an Executor can wrap around a Submit
// error. No executor in this module returns it; the daemon's dispatcher
// records any Submit error as an immediate failure of that call.
var ErrSubmissionFailed = errors.New("executor: submission failed")

// Executor dispatches individual calls. However delivery happens — a
// direct in-process callback, a poll response, or a webhook push — the
// executor's owner is responsible for eventually invoking the
// orchestrator's CompleteCall.
type Executor interface {
	// Submit dispatches call; it must not block on user code. Returns an
	// opaque job handle, or an error treated as immediate call failure.
	Submit(ctx context.Context, call Call) (jobHandle string, err error)

	// Stats returns diagnostic counters.
	Stats() Stats
}

// PollingExecutor is implemented by Executors whose jobs must be actively
// polled for completion (as opposed to push executors, which deliver
// completions out of band).
type PollingExecutor interface {
	Executor
	Poll(ctx context.Context, jobHandle string) (PollResult, error)
}
