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

// Package taskqueue provides an Executor that serializes calls onto a
// pluggable Queue; a pool of consumers looks the function up in its own
// registry, runs it, and reports the result back through a Completer.
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate/flowstate/internal/executor"
	"github.com/flowstate/flowstate/internal/executor/registry"
)

// Job is one call queued for a consumer.
type Job struct {
	ID         string
	Call       executor.Call
	Priority   int
	CreatedAt  time.Time
}

// Queue defines the interface for job queue implementations.
type Queue interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue removes and returns the next job from the queue. Blocks
	// until a job is available or ctx is cancelled.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the number of jobs in the queue.
	Len() int

	// Close closes the queue.
	Close() error
}

// ErrQueueClosed is returned when operations are performed on a closed
// queue.
var ErrQueueClosed = errors.New("taskqueue: queue is closed")

// MemoryQueue is an in-memory priority queue (higher Priority first).
type MemoryQueue struct {
	mu       sync.Mutex
	jobs     []*Job
	signal   chan struct{}
	closedMu sync.RWMutex
	closed   bool
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:   make([]*Job, 0),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a job to the queue, ordered by priority.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.closedMu.RLock()
	if q.closed {
		q.closedMu.RUnlock()
		return ErrQueueClosed
	}
	q.closedMu.RUnlock()

	q.mu.Lock()
	defer q.mu.Unlock()

	inserted := false
	for i, j := range q.jobs {
		if job.Priority > j.Priority {
			q.jobs = append(q.jobs[:i], append([]*Job{job}, q.jobs[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.jobs = append(q.jobs, job)
	}

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the next job from the queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		q.closedMu.RLock()
		if q.closed {
			q.closedMu.RUnlock()
			return nil, ErrQueueClosed
		}
		q.closedMu.RUnlock()

		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of jobs in the queue.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close closes the queue.
func (q *MemoryQueue) Close() error {
	q.closedMu.Lock()
	defer q.closedMu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}

// Completer is the subset of the orchestrator service consumers use to
// report a call's outcome.
type Completer interface {
	CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error
}

// Executor submits calls to a Queue. A pool of background consumers
// (started by RunConsumers) pops jobs, runs the function against a
// Registry, and reports back through a Completer.
type Executor struct {
	queue     Queue
	registry  *registry.Registry
	completer Completer

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

var _ executor.Executor = (*Executor)(nil)

// New creates a taskqueue Executor bound to q, reg, and completer.
func New(q Queue, reg *registry.Registry, completer Completer) *Executor {
	return &Executor{queue: q, registry: reg, completer: completer}
}

// Submit enqueues call and returns a generated job handle.
func (e *Executor) Submit(ctx context.Context, call executor.Call) (string, error) {
	id := uuid.NewString()
	err := e.queue.Enqueue(ctx, &Job{
		ID:        id,
		Call:      call,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}
	e.submitted.Add(1)
	return id, nil
}

// Stats returns diagnostic counters.
func (e *Executor) Stats() executor.Stats {
	return executor.Stats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}

// RunConsumers starts n goroutines that dequeue jobs, run them against the
// registry, and report results through the Completer, until ctx is
// cancelled.
func (e *Executor) RunConsumers(ctx context.Context, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.consume(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (e *Executor) consume(ctx context.Context) {
	for {
		job, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}

		fn, ok := e.registry.Lookup(job.Call.FunctionName)
		if !ok {
			e.failed.Add(1)
			_ = e.completer.CompleteCall(ctx, job.Call.ExecutionID, job.Call.ResumeGroupID, job.Call.CallID, nil,
				"no function registered for "+job.Call.FunctionName)
			continue
		}

		result, err := fn(ctx, job.Call.Args)
		if err != nil {
			e.failed.Add(1)
			_ = e.completer.CompleteCall(ctx, job.Call.ExecutionID, job.Call.ResumeGroupID, job.Call.CallID, nil, err.Error())
			continue
		}

		e.completed.Add(1)
		_ = e.completer.CompleteCall(ctx, job.Call.ExecutionID, job.Call.ResumeGroupID, job.Call.CallID, result, "")
	}
}
