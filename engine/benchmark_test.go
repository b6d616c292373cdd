package engine

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// BenchmarkEnqueue measures task admission throughput.
func BenchmarkEnqueue(b *testing.B) {
	graph := NewDependencyGraph()
	strategy, err := NewStrategy(StrategyPriority, NewTimeEstimator(), graph)
	require.NoError(b, err)
	tq := NewTaskQueue(TaskQueueConfig{}, strategy, graph)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("task-%d", i)
		graph.Add(id, nil)
		if _, err := tq.Enqueue(TaskSpec{ID: id}); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkDequeue measures how fast the scheduler picks tasks from a full
// queue.
func BenchmarkDequeue(b *testing.B) {
	graph := NewDependencyGraph()
	strategy, err := NewStrategy(StrategyPriority, NewTimeEstimator(), graph)
	require.NoError(b, err)
	tq := NewTaskQueue(TaskQueueConfig{}, strategy, graph)

	for i := 0; i < b.N; i++ {
		id := fmt.Sprintf("task-%d", i)
		graph.Add(id, nil)
		if _, err := tq.Enqueue(TaskSpec{ID: id}); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if tq.TryDequeue(PoolState{}) == nil {
			b.Fatal("queue ran dry")
		}
	}
}

// BenchmarkCriticalPath measures dependency analysis on a deep chain.
func BenchmarkCriticalPath(b *testing.B) {
	graph := NewDependencyGraph()
	prev := ""
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("task-%d", i)
		if prev == "" {
			graph.Add(id, nil)
		} else {
			graph.Add(id, []string{prev})
		}
		prev = id
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		graph.CriticalPath(func(string) time.Duration { return time.Second })
	}
}

// BenchmarkEstimatorRecord measures the moving-average update path.
func BenchmarkEstimatorRecord(b *testing.B) {
	est := NewTimeEstimator()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		est.Record("build", time.Duration(i%100)*time.Millisecond)
	}
}

// BenchmarkProgressSnapshot measures report composition over a populated
// queue.
func BenchmarkProgressSnapshot(b *testing.B) {
	graph := NewDependencyGraph()
	strategy, err := NewStrategy(StrategyPriority, NewTimeEstimator(), graph)
	require.NoError(b, err)
	tq := NewTaskQueue(TaskQueueConfig{}, strategy, graph)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("task-%d", i)
		graph.Add(id, nil)
		if _, err := tq.Enqueue(TaskSpec{ID: id}); err != nil {
			b.Fatal(err)
		}
	}
	pa := NewProgressAggregator(tq, nil, nil, NewTimeEstimator(), nil, nil, nil, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pa.Snapshot()
	}
}

// BenchmarkMemoryFootprint reports heap growth for a large queue.
func BenchmarkMemoryFootprint(b *testing.B) {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)

	graph := NewDependencyGraph()
	strategy, err := NewStrategy(StrategyFIFO, NewTimeEstimator(), graph)
	require.NoError(b, err)
	tq := NewTaskQueue(TaskQueueConfig{}, strategy, graph)
	for i := 0; i < 10000; i++ {
		id := fmt.Sprintf("task-%d", i)
		graph.Add(id, nil)
		if _, err := tq.Enqueue(TaskSpec{ID: id}); err != nil {
			b.Fatal(err)
		}
	}

	runtime.GC()
	runtime.ReadMemStats(&after)
	b.ReportMetric(float64(after.HeapAlloc-before.HeapAlloc)/10000, "bytes/task")
}
