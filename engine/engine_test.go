package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executionLog records which tasks ran and in what order.
type executionLog struct {
	mu    sync.Mutex
	order []string
}

func (el *executionLog) add(id string) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.order = append(el.order, id)
}

func (el *executionLog) ran() []string {
	el.mu.Lock()
	defer el.mu.Unlock()
	return append([]string(nil), el.order...)
}

func (el *executionLog) indexOf(id string) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	for i, got := range el.order {
		if got == id {
			return i
		}
	}
	return -1
}

func startEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	eng, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

func waitDrained(t *testing.T, eng *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, eng.Wait(ctx))
}

func TestPipelineRunsToCompletion(t *testing.T) {
	execLog := &executionLog{}
	eng := startEngine(t, Options{
		Workers: 2,
		Execute: func(ctx context.Context, task *Task) Result {
			execLog.add(task.ID)
			return Result{Success: true}
		},
	})

	require.NoError(t, eng.Submit([]TaskSpec{
		{ID: "a"}, {ID: "b"}, {ID: "c"},
	}))
	waitDrained(t, eng)

	report := eng.Status()
	assert.Equal(t, 3, report.Succeeded)
	assert.True(t, report.Done())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, execLog.ran())
}

func TestDependenciesGateExecution(t *testing.T) {
	execLog := &executionLog{}
	eng := startEngine(t, Options{
		Workers: 3,
		Execute: func(ctx context.Context, task *Task) Result {
			execLog.add(task.ID)
			return Result{Success: true}
		},
	})

	require.NoError(t, eng.Submit([]TaskSpec{
		{ID: "deploy", DependsOn: []string{"test"}},
		{ID: "test", DependsOn: []string{"build"}},
		{ID: "build"},
	}))
	waitDrained(t, eng)

	assert.Less(t, execLog.indexOf("build"), execLog.indexOf("test"))
	assert.Less(t, execLog.indexOf("test"), execLog.indexOf("deploy"))
}

func TestRunningNeverExceedsPoolSize(t *testing.T) {
	var running, peak int64
	eng := startEngine(t, Options{
		Workers:    2,
		MaxWorkers: 2,
		Execute: func(ctx context.Context, task *Task) Result {
			cur := atomic.AddInt64(&running, 1)
			for {
				prev := atomic.LoadInt64(&peak)
				if cur <= prev || atomic.CompareAndSwapInt64(&peak, prev, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			return Result{Success: true}
		},
	})

	specs := make([]TaskSpec, 8)
	for i := range specs {
		specs[i] = TaskSpec{ID: fmt.Sprintf("t%d", i)}
	}
	require.NoError(t, eng.Submit(specs))
	waitDrained(t, eng)

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
	assert.Equal(t, 8, eng.Status().Succeeded)
}

func TestCycleRejectsWholeBatch(t *testing.T) {
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result {
			t.Errorf("task %s from a rejected batch must not run", task.ID)
			return Result{Success: true}
		},
	})

	err := eng.Submit([]TaskSpec{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	require.Error(t, err)

	assert.Zero(t, eng.Status().Total)
	_, err = eng.Task("a")
	assert.Error(t, err)
}

func TestUnknownDependencyRejected(t *testing.T) {
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result { return Result{Success: true} },
	})

	err := eng.Submit([]TaskSpec{{ID: "a", DependsOn: []string{"ghost"}}})
	require.Error(t, err)
	assert.Zero(t, eng.Status().Total)
}

func TestDuplicateSubmitLeavesExistingBatchIntact(t *testing.T) {
	execLog := &executionLog{}
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result {
			execLog.add(task.ID)
			return Result{Success: true}
		},
	})

	// A batch with an internal duplicate is rejected outright.
	err := eng.Submit([]TaskSpec{{ID: "dup"}, {ID: "dup"}})
	require.ErrorIs(t, err, ErrTaskExists)
	assert.Zero(t, eng.Status().Total)

	require.NoError(t, eng.Submit([]TaskSpec{
		{ID: "build"},
		{ID: "test", DependsOn: []string{"build"}},
	}))

	// Re-submitting an accepted ID rejects the whole new batch without
	// touching the first batch's tasks or dependency edges.
	err = eng.Submit([]TaskSpec{{ID: "test"}, {ID: "fresh"}})
	require.ErrorIs(t, err, ErrTaskExists)
	_, err = eng.Task("fresh")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	waitDrained(t, eng)
	assert.Equal(t, 2, eng.Status().Succeeded)
	assert.Less(t, execLog.indexOf("build"), execLog.indexOf("test"))
}

func TestUnresponsiveWorkerTaskReassigned(t *testing.T) {
	clock := NewFakeClock(time.Now())
	gate := make(chan struct{})
	defer close(gate)

	var attempts int64
	eng := startEngine(t, Options{
		Workers:    1,
		MaxWorkers: 1,
		MaxRetries: 1,
		Clock:      clock,
		Execute: func(ctx context.Context, task *Task) Result {
			if atomic.AddInt64(&attempts, 1) == 1 {
				// A wedged first attempt that ignores its context entirely.
				<-gate
				return Result{Success: false, Err: fmt.Errorf("wedged")}
			}
			return Result{Success: true}
		},
	})

	require.NoError(t, eng.Submit([]TaskSpec{{ID: "crash"}}))
	require.Eventually(t, func() bool {
		got, err := eng.Task("crash")
		return err == nil && got.Status == TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	original := eng.pool.Workers()
	require.Len(t, original, 1)

	// The worker goes silent past the heartbeat window. The first check
	// restarts it; the wedged attempt ignores that, so the second check moves
	// up the ladder and reassigns the task to a replacement worker.
	clock.Advance(2 * time.Minute)
	eng.health.CheckHealth()
	eng.health.CheckHealth()

	// Step past the retry backoff so the requeued task becomes eligible.
	clock.Advance(5 * time.Second)
	waitDrained(t, eng)

	got, err := eng.Task("crash")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSucceeded, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.EqualValues(t, 2, atomic.LoadInt64(&attempts))

	replaced := eng.pool.Workers()
	require.Len(t, replaced, 1)
	assert.NotEqual(t, original[0].ID, replaced[0].ID)
}

func TestFailureExhaustsRetriesAndBlocksDependents(t *testing.T) {
	var attempts int64
	eng := startEngine(t, Options{
		Workers:    1,
		MaxRetries: 1,
		Execute: func(ctx context.Context, task *Task) Result {
			if task.ID == "flaky" {
				atomic.AddInt64(&attempts, 1)
				return Result{Success: false, Err: fmt.Errorf("simulated failure")}
			}
			return Result{Success: true}
		},
	})

	require.NoError(t, eng.Submit([]TaskSpec{
		{ID: "flaky"},
		{ID: "downstream", DependsOn: []string{"flaky"}},
		{ID: "independent"},
	}))
	waitDrained(t, eng)

	// One initial attempt plus one retry.
	assert.EqualValues(t, 2, atomic.LoadInt64(&attempts))

	flaky, err := eng.Task("flaky")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, flaky.Status)
	assert.Equal(t, 1, flaky.RetryCount)

	downstream, err := eng.Task("downstream")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusBlocked, downstream.Status)

	independent, err := eng.Task("independent")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSucceeded, independent.Status)
}

func TestLockContentionSerializesCriticalSections(t *testing.T) {
	var inSection, overlaps int64
	var eng *Engine
	eng = startEngine(t, Options{
		Workers: 3,
		Execute: func(ctx context.Context, task *Task) Result {
			lock, err := eng.Locks().Acquire(ctx, "shared.txt", LockWrite, task.ID, 5*time.Second)
			if err != nil {
				return Result{Success: false, Err: err}
			}
			defer eng.Locks().Release(lock.Resource, task.ID)

			if atomic.AddInt64(&inSection, 1) > 1 {
				atomic.AddInt64(&overlaps, 1)
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inSection, -1)
			return Result{Success: true}
		},
	})

	require.NoError(t, eng.Submit([]TaskSpec{
		{ID: "w1"}, {ID: "w2"}, {ID: "w3"},
	}))
	waitDrained(t, eng)

	assert.Zero(t, atomic.LoadInt64(&overlaps), "write lock must serialize access")
	assert.Equal(t, 3, eng.Status().Succeeded)
	assert.Empty(t, eng.Locks().Table(), "locks released after completion")
}

func TestCancelQueuedTask(t *testing.T) {
	gate := make(chan struct{})
	eng := startEngine(t, Options{
		Workers:    1,
		MaxWorkers: 1,
		Execute: func(ctx context.Context, task *Task) Result {
			<-gate
			return Result{Success: true}
		},
	})

	require.NoError(t, eng.Submit([]TaskSpec{{ID: "hog"}, {ID: "victim"}}))

	// Wait for the single worker to pick up the first task.
	require.Eventually(t, func() bool {
		t, err := eng.Task("hog")
		return err == nil && t.Status == TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Cancel("victim"))
	close(gate)
	waitDrained(t, eng)

	victim, err := eng.Task("victim")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, victim.Status)
}

func TestCancelRunningTaskCooperatively(t *testing.T) {
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result {
			<-ctx.Done()
			return Result{Success: false, Err: ctx.Err()}
		},
	})

	require.NoError(t, eng.Submit([]TaskSpec{{ID: "stuck", MaxRetries: 1}}))
	require.Eventually(t, func() bool {
		t, err := eng.Task("stuck")
		return err == nil && t.Status == TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Cancel("stuck"))

	// The callback honors the cancellation, so the task settles without
	// waiting out the grace period and is never retried.
	waitDrained(t, eng)
	got, err := eng.Task("stuck")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestSnapshotRoundTrip(t *testing.T) {
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result { return Result{Success: true} },
	})

	require.NoError(t, eng.Submit([]TaskSpec{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}}))
	waitDrained(t, eng)

	id, err := eng.CaptureSnapshot("checkpoint", true)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := eng.Snapshots().Restore(id)
	require.NoError(t, err)
	assert.Len(t, state.Tasks, 2)

	require.NoError(t, eng.RestoreSnapshot(id))
	got, err := eng.Task("b")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSucceeded, got.Status)
}

func TestEventsReportLifecycle(t *testing.T) {
	eng, err := New(Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result { return Result{Success: true} },
	})
	require.NoError(t, err)
	t.Cleanup(eng.Stop)

	events, cancel := eng.Events()
	defer cancel()

	require.NoError(t, eng.Start(context.Background()))
	require.NoError(t, eng.Submit([]TaskSpec{{ID: "a"}}))
	waitDrained(t, eng)

	seen := map[EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[EventTaskSucceeded] {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatal("timed out waiting for lifecycle events")
		}
	}
	assert.True(t, seen[EventTaskSubmitted])
	assert.True(t, seen[EventTaskStarted])
}

func TestSetStrategy(t *testing.T) {
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result { return Result{Success: true} },
	})

	require.NoError(t, eng.SetStrategy(StrategyCriticalPath))
	assert.Error(t, eng.SetStrategy("quantum"))
}

func TestRecommendStrategy(t *testing.T) {
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result { return Result{Success: true} },
	})

	assert.Equal(t, StrategyPriority, eng.RecommendStrategy())
}

func TestResultEnvelopeRoundTrip(t *testing.T) {
	task := &Task{ID: "a", Priority: PriorityHigh}

	env := encodeResult(task, Result{Success: false, Output: "partial", Err: context.DeadlineExceeded})
	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded resultEnvelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "a", decoded.TaskID)
	assert.Equal(t, PriorityHigh, decoded.Priority)

	res := decoded.result()
	assert.False(t, res.Success)
	assert.Equal(t, "partial", res.Output)
	// The timeout classification survives the trip through the bus payload.
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	res = encodeResult(task, Result{Success: true, Output: "done"}).result()
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Output)
	assert.NoError(t, res.Err)

	res = encodeResult(task, Result{Err: fmt.Errorf("boom")}).result()
	assert.EqualError(t, res.Err, "boom")
}

func TestResultsFlowThroughCoordinatorInbox(t *testing.T) {
	seen := make(chan Message, 8)
	eng := startEngine(t, Options{
		Workers: 1,
		Execute: func(ctx context.Context, task *Task) Result {
			return Result{Success: true, Output: "ok"}
		},
	})
	// Wrap the coordinator handler so the test observes the traffic while
	// results still settle normally.
	eng.bus.Subscribe(coordinatorInbox, func(msg Message) {
		seen <- msg
		eng.consumeResult(msg)
	})

	require.NoError(t, eng.Submit([]TaskSpec{{ID: "a"}}))
	waitDrained(t, eng)

	select {
	case msg := <-seen:
		assert.Equal(t, coordinatorInbox, msg.Recipient)
		assert.NotEmpty(t, msg.Sender)
		var env resultEnvelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "a", env.TaskID)
		assert.True(t, env.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("no result message reached the coordinator inbox")
	}

	got, err := eng.Task("a")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSucceeded, got.Status)
}

func TestSubmitAfterStop(t *testing.T) {
	eng, err := New(Options{
		Execute: func(ctx context.Context, task *Task) Result { return Result{Success: true} },
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	eng.Stop()

	assert.ErrorIs(t, eng.Submit([]TaskSpec{{ID: "late"}}), ErrEngineStopped)
}
