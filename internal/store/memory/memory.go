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

// Package memory provides an in-memory store.Store, used by tests and the
// local reference executor demo. It implements exactly the same interface
// as the sqlite backend, guarded by one mutex instead of transactions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a mutex-guarded in-memory store.Store.
type Store struct {
	mu         sync.Mutex
	executions map[string]*store.Execution
	calls      map[string]*store.Call // keyed by execution_id + "/" + resume_group_id + "/" + call_id
	nextCallID int64
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		executions: make(map[string]*store.Execution),
		calls:      make(map[string]*store.Call),
	}
}

func callKey(executionID, resumeGroupID string, callID int) string {
	return executionID + "/" + resumeGroupID + "/" + itoa(callID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneExecution(ex *store.Execution) *store.Execution {
	cp := *ex
	cp.Inputs = clone(ex.Inputs)
	cp.State = clone(ex.State)
	cp.Output = clone(ex.Output)
	cp.ExternalFunctions = append([]string(nil), ex.ExternalFunctions...)
	return &cp
}

func cloneCall(c *store.Call) *store.Call {
	cp := *c
	cp.Args = clone(c.Args)
	cp.Result = clone(c.Result)
	return &cp
}

// CreateExecution inserts a new Execution with status=scheduled.
func (s *Store) CreateExecution(ctx context.Context, code string, allowedFunctions []string, inputs []byte) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ex := &store.Execution{
		ID:                uuid.NewString(),
		Code:              code,
		ExternalFunctions: append([]string(nil), allowedFunctions...),
		Inputs:            clone(inputs),
		Status:            store.StatusScheduled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.executions[ex.ID] = ex
	return cloneExecution(ex), nil
}

// GetExecution fetches an Execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneExecution(ex), nil
}

// ListExecutions returns Executions, optionally filtered by status.
func (s *Store) ListExecutions(ctx context.Context, status store.Status) ([]*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Execution
	for _, ex := range s.executions {
		if status != "" && ex.Status != status {
			continue
		}
		out = append(out, cloneExecution(ex))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListWaiting returns every Execution currently in status=waiting.
func (s *Store) ListWaiting(ctx context.Context) ([]*store.Execution, error) {
	return s.ListExecutions(ctx, store.StatusWaiting)
}

// ClaimScheduled atomically transitions one scheduled Execution to running.
func (s *Store) ClaimScheduled(ctx context.Context) (*store.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *store.Execution
	for _, ex := range s.executions {
		if ex.Status != store.StatusScheduled {
			continue
		}
		if oldest == nil || ex.CreatedAt.Before(oldest.CreatedAt) {
			oldest = ex
		}
	}
	if oldest == nil {
		return nil, store.ErrNotFound
	}

	oldest.Status = store.StatusRunning
	oldest.UpdatedAt = time.Now().UTC()
	return cloneExecution(oldest), nil
}

// SaveSuspension records a Suspended outcome.
func (s *Store) SaveSuspension(ctx context.Context, executionID string, expectedStatus store.Status, state []byte, resumeGroupID string, calls []store.NewCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if ex.Status != expectedStatus {
		return store.ErrConflict
	}

	ex.State = clone(state)
	ex.Status = store.StatusWaiting
	ex.CurrentResumeGroup = resumeGroupID
	ex.UpdatedAt = time.Now().UTC()

	now := time.Now().UTC()
	for _, c := range calls {
		s.nextCallID++
		key := callKey(executionID, resumeGroupID, c.CallID)
		s.calls[key] = &store.Call{
			ID:            s.nextCallID,
			ExecutionID:   executionID,
			ResumeGroupID: resumeGroupID,
			CallID:        c.CallID,
			FunctionName:  c.FunctionName,
			Args:          clone(c.Args),
			Status:        store.CallPending,
			CreatedAt:     now,
		}
	}

	return nil
}

// CompleteCall transitions one Call to completed or failed, idempotently.
func (s *Store) CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, outcome store.CallOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey(executionID, resumeGroupID, callID)
	c, ok := s.calls[key]
	if !ok {
		return store.ErrNotFound
	}

	newStatus := store.CallCompleted
	if outcome.Err != "" {
		newStatus = store.CallFailed
	}

	if c.Status == store.CallCompleted || c.Status == store.CallFailed {
		sameResult := string(c.Result) == string(outcome.Result)
		sameError := c.Error == outcome.Err
		if c.Status == newStatus && sameResult && sameError {
			return nil
		}
		return store.ErrConflict
	}

	now := time.Now().UTC()
	c.Status = newStatus
	c.Result = clone(outcome.Result)
	c.Error = outcome.Err
	c.CompletedAt = &now

	return nil
}

// MarkCallRunning transitions a Call from pending to running.
func (s *Store) MarkCallRunning(ctx context.Context, executionID, resumeGroupID string, callID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callKey(executionID, resumeGroupID, callID)]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status != store.CallPending {
		return nil
	}
	now := time.Now().UTC()
	c.Status = store.CallRunning
	c.StartedAt = &now
	return nil
}

// SetCallJobHandle records the opaque token an executor returned from submit.
func (s *Store) SetCallJobHandle(ctx context.Context, executionID, resumeGroupID string, callID int, jobHandle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[callKey(executionID, resumeGroupID, callID)]
	if !ok {
		return store.ErrNotFound
	}
	c.JobHandle = jobHandle
	return nil
}

// BatchStatus aggregates the terminal/non-terminal counts for a batch.
func (s *Store) BatchStatus(ctx context.Context, resumeGroupID string) (store.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bs store.BatchStatus
	for _, c := range s.calls {
		if c.ResumeGroupID != resumeGroupID {
			continue
		}
		bs.Total++
		switch c.Status {
		case store.CallCompleted:
			bs.Completed++
		case store.CallFailed:
			bs.Failed++
		default:
			bs.PendingOrRunning++
		}
	}
	return bs, nil
}

// ClaimResume conditionally transitions an Execution from waiting to
// resuming iff current_resume_group_id matches and every call is terminal.
func (s *Store) ClaimResume(ctx context.Context, executionID, resumeGroupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.calls {
		if c.ResumeGroupID != resumeGroupID {
			continue
		}
		if c.Status != store.CallCompleted && c.Status != store.CallFailed {
			return false, nil
		}
	}

	ex, ok := s.executions[executionID]
	if !ok {
		return false, store.ErrNotFound
	}
	if ex.Status != store.StatusWaiting || ex.CurrentResumeGroup != resumeGroupID {
		return false, nil
	}

	ex.Status = store.StatusResuming
	ex.UpdatedAt = time.Now().UTC()
	return true, nil
}

// LoadForResume returns the state, code, and per-call results for the
// execution's current batch.
func (s *Store) LoadForResume(ctx context.Context, executionID string) (*store.ResumeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[executionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ex.CurrentResumeGroup == "" {
		return nil, store.ErrConflict
	}

	results := make(map[int]store.CallOutcome)
	for _, c := range s.calls {
		if c.ExecutionID != executionID || c.ResumeGroupID != ex.CurrentResumeGroup {
			continue
		}
		results[c.CallID] = store.CallOutcome{Result: clone(c.Result), Err: c.Error}
	}

	return &store.ResumeData{
		State:   clone(ex.State),
		Code:    ex.Code,
		Results: results,
	}, nil
}

// Finish performs the terminal transition to completed or failed.
func (s *Store) Finish(ctx context.Context, executionID string, output []byte, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[executionID]
	if !ok {
		return store.ErrNotFound
	}
	if ex.Status != store.StatusRunning && ex.Status != store.StatusResuming {
		return store.ErrConflict
	}

	if errMsg != "" {
		ex.Status = store.StatusFailed
		ex.Error = errMsg
	} else {
		ex.Status = store.StatusCompleted
		ex.Output = clone(output)
	}
	ex.State = nil
	ex.CurrentResumeGroup = ""
	ex.UpdatedAt = time.Now().UTC()
	return nil
}

// ListNonTerminalCalls returns every Call that hasn't reached a terminal
// state and carries a job handle.
func (s *Store) ListNonTerminalCalls(ctx context.Context) ([]*store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Call
	for _, c := range s.calls {
		if (c.Status == store.CallPending || c.Status == store.CallRunning) && c.JobHandle != "" {
			out = append(out, cloneCall(c))
		}
	}
	return out, nil
}

// ListOpenCalls returns every non-terminal Call in (executionID,
// resumeGroupID), regardless of job handle.
func (s *Store) ListOpenCalls(ctx context.Context, executionID, resumeGroupID string) ([]*store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Call
	for _, c := range s.calls {
		if c.ExecutionID != executionID || c.ResumeGroupID != resumeGroupID {
			continue
		}
		if c.Status == store.CallPending || c.Status == store.CallRunning {
			out = append(out, cloneCall(c))
		}
	}
	return out, nil
}

// FindCallByJobHandle resolves a webhook completion's job_id.
func (s *Store) FindCallByJobHandle(ctx context.Context, jobHandle string) (*store.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.calls {
		if c.JobHandle == jobHandle {
			return cloneCall(c), nil
		}
	}
	return nil, store.ErrNotFound
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
