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

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstate/flowstate/internal/interp"
	"github.com/flowstate/flowstate/internal/interp/interptest"
	"github.com/flowstate/flowstate/internal/store"
	"github.com/flowstate/flowstate/internal/store/memory"
)

func jsonMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func jsonUnmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// recordingDispatcher captures every batch handed to it so tests can drive
// call completion manually.
type recordingDispatcher struct {
	mu      sync.Mutex
	batches []dispatchedBatch
}

type dispatchedBatch struct {
	executionID   string
	resumeGroupID string
	calls         []store.NewCall
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, executionID, resumeGroupID string, calls []store.NewCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, dispatchedBatch{executionID: executionID, resumeGroupID: resumeGroupID, calls: calls})
	return nil
}

func (d *recordingDispatcher) last() dispatchedBatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches[len(d.batches)-1]
}

func newTestService(t *testing.T) (*Service, *memory.Store, *interptest.Adapter, *recordingDispatcher) {
	t.Helper()
	st := memory.New()
	adapter := interptest.New()
	dispatcher := &recordingDispatcher{}
	svc := New(st, adapter, dispatcher, nil)
	return svc, st, adapter, dispatcher
}

func TestStartAndAdvance_ImmediateCompletion(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	adapter.Register("noop", interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
		return interptest.Complete([]byte(`{"ok":true}`)), nil
	}))

	id, err := svc.StartExecution(ctx, "noop", nil, []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, svc.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)
	assert.JSONEq(t, `{"ok":true}`, string(ex.Output))

	out, err := svc.GetResult(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(out))
}

func TestAdvance_SuspendsAndDispatchesBatch(t *testing.T) {
	svc, st, adapter, dispatcher := newTestService(t)
	ctx := context.Background()

	adapter.Register("fanout",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(
				interp.PendingCall{CallID: 1, FunctionName: "double", Args: []byte(`1`)},
				interp.PendingCall{CallID: 2, FunctionName: "double", Args: []byte(`2`)},
				interp.PendingCall{CallID: 3, FunctionName: "double", Args: []byte(`3`)},
			), nil
		}),
		interptest.Step(func(results map[int]interp.CallResult) (interp.Outcome, error) {
			sum := 0
			for _, r := range results {
				var v int
				_ = jsonUnmarshal(r.Value, &v)
				sum += v
			}
			return interptest.Complete(jsonMarshal(sum)), nil
		}),
	)

	id, err := svc.StartExecution(ctx, "fanout", []string{"double"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, ex.Status)
	require.NotEmpty(t, ex.CurrentResumeGroup)

	batch := dispatcher.last()
	require.Len(t, batch.calls, 3)

	for _, c := range batch.calls {
		var n int
		require.NoError(t, jsonUnmarshal(c.Args, &n))
		result := jsonMarshal(n * 2)
		require.NoError(t, svc.CompleteCall(ctx, id, ex.CurrentResumeGroup, c.CallID, result, ""))
	}

	require.NoError(t, svc.Resume(ctx, id))

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)

	var total int
	require.NoError(t, jsonUnmarshal(ex.Output, &total))
	assert.Equal(t, 12, total) // 2 + 4 + 6
}

func TestResume_OnlyOneWinnerAcrossConcurrentCallers(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	var resumeCount atomic.Int32
	adapter.Register("single",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(interp.PendingCall{CallID: 1, FunctionName: "f", Args: []byte(`null`)}), nil
		}),
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			resumeCount.Add(1)
			return interptest.Complete([]byte(`null`)), nil
		}),
	)

	id, err := svc.StartExecution(ctx, "single", []string{"f"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteCall(ctx, id, ex.CurrentResumeGroup, 1, []byte(`null`), ""))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.Resume(ctx, id)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), resumeCount.Load())

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)
}

func TestAdvance_UncaughtCallFailureFailsExecution(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	adapter.Register("brittle",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(interp.PendingCall{CallID: 1, FunctionName: "explode", Args: nil}), nil
		}),
		interptest.Step(func(results map[int]interp.CallResult) (interp.Outcome, error) {
			r := results[1]
			if r.Err != "" {
				return interp.Outcome{}, errors.New(r.Err)
			}
			return interptest.Complete([]byte(`null`)), nil
		}),
	)

	id, err := svc.StartExecution(ctx, "brittle", []string{"explode"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteCall(ctx, id, ex.CurrentResumeGroup, 1, nil, "boom"))
	require.NoError(t, svc.Resume(ctx, id))

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, ex.Status)
	assert.Contains(t, ex.Error, "boom")
}

func TestAdvance_NestedGatherAcrossTwoSuspensions(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	// First suspension: two outer calls. One of them, once resolved, feeds
	// straight back into a second suspension on a single inner call before
	// the workflow finally completes — exercising resume-into-another-batch.
	adapter.Register("nested",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(
				interp.PendingCall{CallID: 1, FunctionName: "outer", Args: []byte(`1`)},
				interp.PendingCall{CallID: 2, FunctionName: "outer", Args: []byte(`2`)},
			), nil
		}),
		interptest.Step(func(results map[int]interp.CallResult) (interp.Outcome, error) {
			sum := 0
			for _, r := range results {
				var v int
				_ = jsonUnmarshal(r.Value, &v)
				sum += v
			}
			return interptest.Suspended(
				interp.PendingCall{CallID: 3, FunctionName: "inner", Args: jsonMarshal(sum)},
			), nil
		}),
		interptest.Step(func(results map[int]interp.CallResult) (interp.Outcome, error) {
			var v int
			_ = jsonUnmarshal(results[3].Value, &v)
			return interptest.Complete(jsonMarshal(v * 10)), nil
		}),
	)

	id, err := svc.StartExecution(ctx, "nested", []string{"outer", "inner"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusWaiting, ex.Status)
	firstGroup := ex.CurrentResumeGroup

	require.NoError(t, svc.CompleteCall(ctx, id, firstGroup, 1, jsonMarshal(3), ""))
	require.NoError(t, svc.CompleteCall(ctx, id, firstGroup, 2, jsonMarshal(4), ""))
	require.NoError(t, svc.Resume(ctx, id))

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusWaiting, ex.Status)
	secondGroup := ex.CurrentResumeGroup
	require.NotEqual(t, firstGroup, secondGroup)

	require.NoError(t, svc.CompleteCall(ctx, id, secondGroup, 3, jsonMarshal(7), ""))
	require.NoError(t, svc.Resume(ctx, id))

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)

	var out int
	require.NoError(t, jsonUnmarshal(ex.Output, &out))
	assert.Equal(t, 70, out)
}

func TestAdvance_CaughtCallFailureRecoversAndCompletes(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	// Workflow code catches the failure itself (a try/except inside the
	// interpreter) and substitutes a fallback value rather than propagating
	// an error back through Resume.
	adapter.Register("recovers",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(interp.PendingCall{CallID: 1, FunctionName: "flaky", Args: nil}), nil
		}),
		interptest.Step(func(results map[int]interp.CallResult) (interp.Outcome, error) {
			r := results[1]
			if r.Err != "" {
				return interptest.Complete([]byte(`"fallback"`)), nil
			}
			return interptest.Complete(r.Value), nil
		}),
	)

	id, err := svc.StartExecution(ctx, "recovers", []string{"flaky"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)

	require.NoError(t, svc.CompleteCall(ctx, id, ex.CurrentResumeGroup, 1, nil, "transient failure"))
	require.NoError(t, svc.Resume(ctx, id))

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)
	assert.JSONEq(t, `"fallback"`, string(ex.Output))
}

func TestClaimScheduled_OnlyOneWinnerAcrossConcurrentWorkers(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	var advances atomic.Int32
	adapter.Register("solo", interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
		advances.Add(1)
		return interptest.Complete([]byte(`null`)), nil
	}))

	id, err := svc.StartExecution(ctx, "solo", nil, []byte(`{}`))
	require.NoError(t, err)

	var wg sync.WaitGroup
	claimed := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimedID, err := svc.ClaimAndAdvance(ctx)
			if err == nil {
				claimed[i] = claimedID
			}
		}(i)
	}
	wg.Wait()

	var winners int
	for _, c := range claimed {
		if c == id {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent ClaimAndAdvance should have claimed the execution")
	assert.Equal(t, int32(1), advances.Load())

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)
}

func TestResume_SurvivesProcessRestart(t *testing.T) {
	// orchestrator.Service keeps no in-memory state of its own; everything
	// needed to resume an execution lives in the Store. Simulate a crash and
	// restart by suspending with one Service instance, then discarding it
	// and resuming with a brand new one sharing only the same Store.
	st := memory.New()
	adapter := interptest.New()
	adapter.Register("durable",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(interp.PendingCall{CallID: 1, FunctionName: "f", Args: []byte(`null`)}), nil
		}),
		interptest.Step(func(results map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Complete(results[1].Value), nil
		}),
	)

	ctx := context.Background()
	firstProcess := New(st, adapter, &recordingDispatcher{}, nil)

	id, err := firstProcess.StartExecution(ctx, "durable", []string{"f"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, firstProcess.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusWaiting, ex.Status)

	// firstProcess is now discarded entirely, as if the host process died.
	secondProcess := New(st, adapter, &recordingDispatcher{}, nil)

	require.NoError(t, secondProcess.CompleteCall(ctx, id, ex.CurrentResumeGroup, 1, []byte(`"done"`), ""))
	require.NoError(t, secondProcess.Resume(ctx, id))

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)
	assert.JSONEq(t, `"done"`, string(ex.Output))
}

func TestCompleteCall_ConcurrentIdenticalCompletionsOnLastPendingCall(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	var resumes atomic.Int32
	adapter.Register("last-call",
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			return interptest.Suspended(interp.PendingCall{CallID: 1, FunctionName: "f", Args: nil}), nil
		}),
		interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
			resumes.Add(1)
			return interptest.Complete([]byte(`"done"`)), nil
		}),
	)

	id, err := svc.StartExecution(ctx, "last-call", []string{"f"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	resumeGroup := ex.CurrentResumeGroup

	// N callers race to report the same (idempotent) completion for the
	// batch's only call, each immediately trying to resume.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := svc.CompleteCall(ctx, id, resumeGroup, 1, []byte(`"ok"`), ""); err != nil {
				errs[i] = err
				return
			}
			errs[i] = svc.Resume(ctx, id)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), resumes.Load(), "only the single winning resumer should drive the interpreter forward")

	ex, err = st.GetExecution(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, ex.Status)
	assert.JSONEq(t, `"done"`, string(ex.Output))
}

func TestGetPendingCalls_ReflectsOutstandingBatch(t *testing.T) {
	svc, st, adapter, _ := newTestService(t)
	ctx := context.Background()

	adapter.Register("two-calls", interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
		return interptest.Suspended(
			interp.PendingCall{CallID: 1, FunctionName: "a", Args: []byte(`1`)},
			interp.PendingCall{CallID: 2, FunctionName: "b", Args: []byte(`2`)},
		), nil
	}))

	id, err := svc.StartExecution(ctx, "two-calls", []string{"a", "b"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	pending, err := svc.GetPendingCalls(ctx, id)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	ex, err := st.GetExecution(ctx, id)
	require.NoError(t, err)
	require.NoError(t, svc.CompleteCall(ctx, id, ex.CurrentResumeGroup, 1, []byte(`null`), ""))

	pending, err = svc.GetPendingCalls(ctx, id)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].CallID)
}

func TestPoll_PopulatesPendingCallsWhileWaiting(t *testing.T) {
	svc, _, adapter, _ := newTestService(t)
	ctx := context.Background()

	adapter.Register("two-calls", interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
		return interptest.Suspended(
			interp.PendingCall{CallID: 1, FunctionName: "a", Args: []byte(`1`)},
			interp.PendingCall{CallID: 2, FunctionName: "b", Args: []byte(`2`)},
		), nil
	}))

	id, err := svc.StartExecution(ctx, "two-calls", []string{"a", "b"}, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	view, err := svc.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, view.Status)
	assert.Len(t, view.PendingCalls, 2)

	view, err = svc.Poll(ctx, id)
	require.NoError(t, err)
	ids := []int{view.PendingCalls[0].CallID, view.PendingCalls[1].CallID}
	assert.ElementsMatch(t, []int{1, 2}, ids)
}

func TestPoll_OmitsPendingCallsOnceTerminal(t *testing.T) {
	svc, _, adapter, _ := newTestService(t)
	ctx := context.Background()

	adapter.Register("noop", interptest.Step(func(map[int]interp.CallResult) (interp.Outcome, error) {
		return interptest.Complete([]byte(`null`)), nil
	}))

	id, err := svc.StartExecution(ctx, "noop", nil, []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, svc.Advance(ctx, id))

	view, err := svc.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, view.Status)
	assert.Empty(t, view.PendingCalls)
}
