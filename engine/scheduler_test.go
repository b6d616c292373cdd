package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStrategy(t *testing.T) {
	est := NewTimeEstimator()
	graph := NewDependencyGraph()

	names := []StrategyName{
		StrategyFIFO, StrategyPriority, StrategyShortestJob,
		StrategyCriticalPath, StrategyRoundRobin, StrategyWorkloadBalanced,
	}
	for _, name := range names {
		t.Run(string(name), func(t *testing.T) {
			s, err := NewStrategy(name, est, graph)
			require.NoError(t, err)
			assert.Equal(t, name, s.Name())
		})
	}

	t.Run("empty defaults to priority", func(t *testing.T) {
		s, err := NewStrategy("", est, graph)
		require.NoError(t, err)
		assert.Equal(t, StrategyPriority, s.Name())
	})

	t.Run("unknown is an error", func(t *testing.T) {
		_, err := NewStrategy("alphabetical", est, graph)
		assert.Error(t, err)
	})
}

func TestFIFOStrategy(t *testing.T) {
	s := &fifoStrategy{}
	eligible := []*Task{
		{ID: "second", seq: 2, Priority: PriorityCritical},
		{ID: "first", seq: 1, Priority: PriorityLow},
	}
	assert.Equal(t, "first", s.SelectNext(eligible, PoolState{}).ID)
	assert.Nil(t, s.SelectNext(nil, PoolState{}))
}

func TestPriorityStrategy(t *testing.T) {
	s := &priorityStrategy{}
	eligible := []*Task{
		{ID: "normal", seq: 1, Priority: PriorityNormal},
		{ID: "critical", seq: 3, Priority: PriorityCritical},
		{ID: "high", seq: 2, Priority: PriorityHigh},
	}
	assert.Equal(t, "critical", s.SelectNext(eligible, PoolState{}).ID)

	// Equal priority falls back to enqueue order.
	eligible = []*Task{
		{ID: "b", seq: 2, Priority: PriorityHigh},
		{ID: "a", seq: 1, Priority: PriorityHigh},
	}
	assert.Equal(t, "a", s.SelectNext(eligible, PoolState{}).ID)
}

func TestShortestJobStrategy(t *testing.T) {
	est := NewTimeEstimator()
	est.Record("fast", 5*time.Second)
	est.Record("slow", 5*time.Minute)
	graph := NewDependencyGraph()
	graph.Add("quick", nil)
	graph.Add("long", nil)

	s := &shortestJobStrategy{est: est, graph: graph}
	eligible := []*Task{
		{ID: "long", seq: 1, Category: "slow"},
		{ID: "quick", seq: 2, Category: "fast"},
	}
	assert.Equal(t, "quick", s.SelectNext(eligible, PoolState{}).ID)
}

func TestCriticalPathStrategy(t *testing.T) {
	est := NewTimeEstimator()
	graph := NewDependencyGraph()
	graph.Add("chain-1", nil)
	graph.Add("chain-2", []string{"chain-1"})
	graph.Add("chain-3", []string{"chain-2"})
	graph.Add("lone", nil)

	s := &criticalPathStrategy{est: est, graph: graph}
	eligible := []*Task{
		{ID: "lone", seq: 1},
		{ID: "chain-1", seq: 2},
	}
	assert.Equal(t, "chain-1", s.SelectNext(eligible, PoolState{}).ID)
}

func TestRoundRobinStrategy(t *testing.T) {
	s := &roundRobinStrategy{}
	eligible := []*Task{
		{ID: "a1", seq: 1, Category: "alpha"},
		{ID: "a2", seq: 2, Category: "alpha"},
		{ID: "b1", seq: 3, Category: "beta"},
	}

	first := s.SelectNext(eligible, PoolState{})
	require.Equal(t, "a1", first.ID)

	// The just-served category yields to the other one.
	rest := []*Task{eligible[1], eligible[2]}
	assert.Equal(t, "b1", s.SelectNext(rest, PoolState{}).ID)
}

func TestWorkloadBalancedStrategy(t *testing.T) {
	s := &workloadBalancedStrategy{}
	eligible := []*Task{
		{ID: "busy-cat", seq: 1, Category: "alpha"},
		{ID: "idle-cat", seq: 2, Category: "beta"},
	}
	pool := PoolState{CategoryLoad: map[string]int{"alpha": 2}}
	assert.Equal(t, "idle-cat", s.SelectNext(eligible, pool).ID)
}

func TestRecommend(t *testing.T) {
	t.Run("empty graph", func(t *testing.T) {
		assert.Equal(t, StrategyPriority, Recommend(NewDependencyGraph()))
	})

	t.Run("deep chain favors critical path", func(t *testing.T) {
		g := NewDependencyGraph()
		g.Add("a", nil)
		g.Add("b", []string{"a"})
		g.Add("c", []string{"b"})
		g.Add("d", []string{"c"})
		assert.Equal(t, StrategyCriticalPath, Recommend(g))
	})

	t.Run("wide independent set favors shortest job", func(t *testing.T) {
		g := NewDependencyGraph()
		for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
			g.Add(id, nil)
		}
		assert.Equal(t, StrategyShortestJob, Recommend(g))
	})
}
