package engine

import (
	"math"
	"sync"
	"time"
)

// Confidence is the reliability band of a duration estimate.
type Confidence int

const (
	ConfidenceLow Confidence = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceLow:
		return "low"
	default:
		return "unknown"
	}
}

// categoryStats accumulates observed durations for one task category using a
// weighted moving average where recent observations weigh higher.
type categoryStats struct {
	count    int
	wma      float64 // nanoseconds
	variance float64 // of the deviation from the running average
}

// wmaAlpha is the weight given to the newest observation.
const wmaAlpha = 0.3

func (s *categoryStats) record(d time.Duration) {
	v := float64(d)
	if s.count == 0 {
		s.wma = v
	} else {
		dev := v - s.wma
		s.variance = (1-wmaAlpha)*s.variance + wmaAlpha*dev*dev
		s.wma = (1-wmaAlpha)*s.wma + wmaAlpha*v
	}
	s.count++
}

// TimeEstimator predicts task durations from historical same-category
// observations and estimates queue-level completion time.
type TimeEstimator struct {
	mu    sync.RWMutex
	stats map[string]*categoryStats

	// defaultEstimate is used when no history and no declared estimate exist.
	defaultEstimate time.Duration
}

// NewTimeEstimator creates a time estimator.
func NewTimeEstimator() *TimeEstimator {
	return &TimeEstimator{
		stats:           make(map[string]*categoryStats),
		defaultEstimate: 30 * time.Second,
	}
}

// Record adds an observed duration for a category.
func (te *TimeEstimator) Record(category string, d time.Duration) {
	if d <= 0 {
		return
	}
	te.mu.Lock()
	defer te.mu.Unlock()

	s, ok := te.stats[category]
	if !ok {
		s = &categoryStats{}
		te.stats[category] = s
	}
	s.record(d)
}

// CategoryAverage returns the weighted moving average for a category and
// whether any samples exist.
func (te *TimeEstimator) CategoryAverage(category string) (time.Duration, bool) {
	te.mu.RLock()
	defer te.mu.RUnlock()

	s, ok := te.stats[category]
	if !ok || s.count == 0 {
		return 0, false
	}
	return time.Duration(s.wma), true
}

// EstimateTask predicts the duration of a task, factoring in its declared
// complexity and dependency depth. depth is the length of the longest
// dependency chain below the task.
func (te *TimeEstimator) EstimateTask(t *Task, depth int) (time.Duration, Confidence) {
	te.mu.RLock()
	s := te.stats[t.Category]
	te.mu.RUnlock()

	var base float64
	conf := ConfidenceLow

	switch {
	case s != nil && s.count > 0:
		base = s.wma
		conf = te.confidence(s)
	case t.EstimatedDuration > 0:
		base = float64(t.EstimatedDuration)
	default:
		base = float64(te.defaultEstimate)
	}

	// Complexity 1-5 scales around the midpoint; 0 leaves the base alone.
	if t.Complexity > 0 {
		base *= 1 + 0.25*float64(t.Complexity-3)
	}
	// Deeper tasks tend to carry integration overhead.
	base *= 1 + 0.05*float64(depth)

	return time.Duration(base), conf
}

// confidence derives the band from sample size and relative variance.
func (te *TimeEstimator) confidence(s *categoryStats) Confidence {
	if s.count < 3 {
		return ConfidenceLow
	}
	if s.wma <= 0 {
		return ConfidenceLow
	}
	// Coefficient of variation of the recent window.
	cv := math.Sqrt(s.variance) / s.wma
	switch {
	case s.count >= 10 && cv < 0.25:
		return ConfidenceHigh
	case cv < 0.5:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// EstimateQueue predicts the wall-clock time to drain the given pending tasks
// with the given number of available workers, combining per-task estimates
// with a simple longest-processing-time spread across workers.
func (te *TimeEstimator) EstimateQueue(pending []*Task, workers int, depth func(id string) int) time.Duration {
	if len(pending) == 0 {
		return 0
	}
	if workers < 1 {
		workers = 1
	}

	loads := make([]time.Duration, workers)
	for _, t := range pending {
		d := 0
		if depth != nil {
			d = depth(t.ID)
		}
		est, _ := te.EstimateTask(t, d)

		// Assign to the least-loaded slot.
		min := 0
		for i := 1; i < workers; i++ {
			if loads[i] < loads[min] {
				min = i
			}
		}
		loads[min] += est
	}

	var max time.Duration
	for _, l := range loads {
		if l > max {
			max = l
		}
	}
	return max
}
