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

package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/internal/executor"
	"github.com/flowstate/flowstate/internal/executor/registry"
	"github.com/flowstate/flowstate/internal/executor/taskqueue"
	"github.com/flowstate/flowstate/internal/interp"
	"github.com/flowstate/flowstate/internal/interp/interptest"
	"github.com/flowstate/flowstate/internal/orchestrator"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/internal/store/memory"
)

// queueDispatcher adapts a taskqueue.Executor to orchestrator.Dispatcher.
type queueDispatcher struct {
	st store.Store
	ex *taskqueue.Executor
}

func (d *queueDispatcher) Dispatch(ctx context.Context, executionID, resumeGroupID string, calls []store.NewCall) error {
	for _, c := range calls {
		handle, err := d.ex.Submit(ctx, executor.Call{
			ExecutionID:   executionID,
			ResumeGroupID: resumeGroupID,
			CallID:        c.CallID,
			FunctionName:  c.FunctionName,
			Args:          c.Args,
		})
		if err != nil {
			return err
		}
		if handle != "" {
			if err := d.st.SetCallJobHandle(ctx, executionID, resumeGroupID, c.CallID, handle); err != nil {
				return err
			}
		}
	}
	return nil
}

func TestWorker_DrivesExecutionThroughTaskQueueToCompletion(t *testing.T) {
	ctx := context.Background()

	st := memory.New()
	adapter := interptest.New()
	reg := registry.New()
	reg.Register("double", func(ctx context.Context, args []byte) ([]byte, error) {
		var n int
		if err := json.Unmarshal(args, &n); err != nil {
			return nil, err
		}
		return json.Marshal(n * 2), nil
	})

	queue := taskqueue.NewMemoryQueue()

	adapter.Register("fanout",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(
				interp.PendingCall{CallID: 1, FunctionName: "double", Args: []byte(`5`)},
				interp.PendingCall{CallID: 2, FunctionName: "double", Args: []byte(`7`)},
			), nil
		}),
		interptest.Step(func(results map[int]interp.CallResult) (interp.Outcome, error) {
			sum := 0
			for _, r := range results {
				var v int
				_ = json.Unmarshal(r.Value, &v)
				sum += v
			}
			return interptest.Complete(mustMarshal(sum)), nil
		}),
	)

	var svc *orchestrator.Service
	qex := taskqueue.New(queue, reg, completerFunc(func(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error {
		return svc.CompleteCall(ctx, executionID, resumeGroupID, callID, result, errMsg)
	}))

	svc = orchestrator.New(st, adapter, &queueDispatcher{st: st, ex: qex}, nil)

	consumerCtx, cancelConsumers := context.WithCancel(ctx)
	defer cancelConsumers()
	go qex.RunConsumers(consumerCtx, 2)

	id, err := svc.StartExecution(ctx, "fanout", []string{"double"}, []byte(`{}`))
	require.NoError(t, err)

	w := New(st, svc, svc, nil, Config{PollInterval: 10 * time.Millisecond, MaxAdvancesPerTick: 5}, nil)

	deadline := time.Now().Add(2 * time.Second)
	var ex *store.Execution
	for time.Now().Before(deadline) {
		w.Tick(ctx)
		ex, err = st.GetExecution(ctx, id)
		require.NoError(t, err)
		if ex.Status == store.StatusCompleted || ex.Status == store.StatusFailed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, store.StatusCompleted, ex.Status)
	var total int
	require.NoError(t, json.Unmarshal(ex.Output, &total))
	assert.Equal(t, 24, total) // 10 + 14
}

type completerFunc func(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error

func (f completerFunc) CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error {
	return f(ctx, executionID, resumeGroupID, callID, result, errMsg)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
