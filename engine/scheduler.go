package engine

import (
	"fmt"
	"sync"
	"time"
)

// PoolState is a read-only view of the worker pool used for scheduling and
// scaling decisions.
type PoolState struct {
	Total int
	Busy  int
	Idle  int
	// CategoryLoad counts running tasks per category.
	CategoryLoad map[string]int
	// MaxIdle is the longest current idle streak across workers.
	MaxIdle time.Duration
}

// StrategyName identifies a scheduling strategy.
type StrategyName string

const (
	StrategyFIFO             StrategyName = "fifo"
	StrategyPriority         StrategyName = "priority"
	StrategyShortestJob      StrategyName = "shortest_job"
	StrategyCriticalPath     StrategyName = "critical_path"
	StrategyRoundRobin       StrategyName = "round_robin"
	StrategyWorkloadBalanced StrategyName = "workload_balanced"
)

// Strategy picks the next task a freed worker slot should run. Selection must
// be deterministic for fixed inputs; ties fall back to enqueue order.
type Strategy interface {
	Name() StrategyName
	SelectNext(eligible []*Task, pool PoolState) *Task
}

// NewStrategy builds the named strategy. The estimator and graph are shared
// with the rest of the engine.
func NewStrategy(name StrategyName, est *TimeEstimator, graph *DependencyGraph) (Strategy, error) {
	switch name {
	case StrategyFIFO:
		return &fifoStrategy{}, nil
	case StrategyPriority, "":
		return &priorityStrategy{}, nil
	case StrategyShortestJob:
		return &shortestJobStrategy{est: est, graph: graph}, nil
	case StrategyCriticalPath:
		return &criticalPathStrategy{est: est, graph: graph}, nil
	case StrategyRoundRobin:
		return &roundRobinStrategy{}, nil
	case StrategyWorkloadBalanced:
		return &workloadBalancedStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling strategy %q", name)
	}
}

// pickMin returns the eligible task with the lowest score, breaking ties by
// enqueue sequence.
func pickMin(eligible []*Task, score func(*Task) float64) *Task {
	var best *Task
	var bestScore float64
	for _, t := range eligible {
		s := score(t)
		if best == nil || s < bestScore || (s == bestScore && t.seq < best.seq) {
			best = t
			bestScore = s
		}
	}
	return best
}

type fifoStrategy struct{}

func (s *fifoStrategy) Name() StrategyName { return StrategyFIFO }

func (s *fifoStrategy) SelectNext(eligible []*Task, _ PoolState) *Task {
	return pickMin(eligible, func(t *Task) float64 { return float64(t.seq) })
}

type priorityStrategy struct{}

func (s *priorityStrategy) Name() StrategyName { return StrategyPriority }

func (s *priorityStrategy) SelectNext(eligible []*Task, _ PoolState) *Task {
	// Higher priority first; negate so pickMin works.
	return pickMin(eligible, func(t *Task) float64 { return -float64(t.Priority) })
}

// shortestJobStrategy minimizes average completion time by running the task
// with the smallest estimated duration first.
type shortestJobStrategy struct {
	est   *TimeEstimator
	graph *DependencyGraph
}

func (s *shortestJobStrategy) Name() StrategyName { return StrategyShortestJob }

func (s *shortestJobStrategy) SelectNext(eligible []*Task, _ PoolState) *Task {
	return pickMin(eligible, func(t *Task) float64 {
		est, _ := s.est.EstimateTask(t, s.graph.Depth(t.ID))
		return float64(est)
	})
}

// criticalPathStrategy prioritizes tasks on the longest weighted dependency
// chain, minimizing overall makespan.
type criticalPathStrategy struct {
	est   *TimeEstimator
	graph *DependencyGraph
}

func (s *criticalPathStrategy) Name() StrategyName { return StrategyCriticalPath }

func (s *criticalPathStrategy) SelectNext(eligible []*Task, _ PoolState) *Task {
	byID := make(map[string]*Task, len(eligible))
	for _, t := range eligible {
		byID[t.ID] = t
	}

	path, _ := s.graph.CriticalPath(func(id string) time.Duration {
		if t, ok := byID[id]; ok {
			est, _ := s.est.EstimateTask(t, 0)
			return est
		}
		return time.Second
	})

	onPath := make(map[string]bool, len(path))
	for _, id := range path {
		onPath[id] = true
	}

	return pickMin(eligible, func(t *Task) float64 {
		if onPath[t.ID] {
			return -1
		}
		return -float64(t.Priority) / 10
	})
}

// roundRobinStrategy rotates across task categories for fairness.
type roundRobinStrategy struct {
	mu   sync.Mutex
	last string
}

func (s *roundRobinStrategy) Name() StrategyName { return StrategyRoundRobin }

func (s *roundRobinStrategy) SelectNext(eligible []*Task, _ PoolState) *Task {
	if len(eligible) == 0 {
		return nil
	}

	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	picked := pickMin(eligible, func(t *Task) float64 {
		if t.Category == last {
			// Deprioritize the category we just served.
			return 1
		}
		return 0
	})
	if picked != nil {
		s.mu.Lock()
		s.last = picked.Category
		s.mu.Unlock()
	}
	return picked
}

// workloadBalancedStrategy favors tasks whose category currently has the
// least work in flight.
type workloadBalancedStrategy struct{}

func (s *workloadBalancedStrategy) Name() StrategyName { return StrategyWorkloadBalanced }

func (s *workloadBalancedStrategy) SelectNext(eligible []*Task, pool PoolState) *Task {
	return pickMin(eligible, func(t *Task) float64 {
		load := 0
		if pool.CategoryLoad != nil {
			load = pool.CategoryLoad[t.Category]
		}
		return float64(load)*10 - float64(t.Priority)
	})
}

// Recommend suggests the strategy best suited to the shape of the current
// task graph: deep chains favor critical-path ordering, wide independent sets
// favor shortest-job-first.
func Recommend(graph *DependencyGraph) StrategyName {
	n := graph.Len()
	if n == 0 {
		return StrategyPriority
	}

	maxDepth := 0
	independent := 0
	order, err := graph.TopologicalOrder()
	if err != nil {
		return StrategyPriority
	}
	for _, id := range order {
		d := graph.Depth(id)
		if d > maxDepth {
			maxDepth = d
		}
		if d == 0 && len(graph.Dependents(id)) == 0 {
			independent++
		}
	}

	switch {
	case maxDepth >= n/2 && maxDepth >= 2:
		return StrategyCriticalPath
	case independent*2 >= n:
		return StrategyShortestJob
	default:
		return StrategyPriority
	}
}
