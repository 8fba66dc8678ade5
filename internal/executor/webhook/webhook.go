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

// Package webhook provides a push-only Executor: Submit dispatches to an
// external system and returns a job handle immediately; completions arrive
// later via an HTTP POST the embedding daemon routes to complete_call. This
// executor never implements Poll.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/internal/executor"
)

// Dispatcher sends a call to the remote system and returns a caller-chosen
// job id the remote system will echo back in its completion POST.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string, call executor.Call) error
}

// HTTPDispatcher is a Dispatcher that POSTs the call to a fixed URL.
type HTTPDispatcher struct {
	URL    string
	Client *http.Client
}

// Dispatch POSTs {job_id, function_name, args} to d.URL.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, jobID string, call executor.Call) error {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	payload := struct {
		JobID        string          `json:"job_id"`
		FunctionName string          `json:"function_name"`
		Args         json.RawMessage `json:"args,omitempty"`
	}{JobID: jobID, FunctionName: call.FunctionName, Args: call.Args}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: failed to encode dispatch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: dispatch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: dispatch returned status %d", resp.StatusCode)
	}
	return nil
}

// Executor dispatches calls to a remote system via a Dispatcher and relies
// on the webhook HTTP endpoint to push completions back in.
type Executor struct {
	dispatcher Dispatcher

	submitted atomic.Int64
}

var _ executor.Executor = (*Executor)(nil)

// New creates a push-only Executor bound to dispatcher.
func New(dispatcher Dispatcher) *Executor {
	return &Executor{dispatcher: dispatcher}
}

// Submit generates a job handle, dispatches the call, and returns the
// handle for the Store to record against the Call row.
func (e *Executor) Submit(ctx context.Context, call executor.Call) (string, error) {
	jobID := uuid.NewString()
	if err := e.dispatcher.Dispatch(ctx, jobID, call); err != nil {
		return "", err
	}
	e.submitted.Add(1)
	return jobID, nil
}

// Stats returns diagnostic counters. Completed/Failed are always zero:
// this executor never observes outcomes directly — the webhook endpoint
// and Store do.
func (e *Executor) Stats() executor.Stats {
	return executor.Stats{Submitted: e.submitted.Load()}
}
