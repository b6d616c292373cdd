package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestScaler(clock Clock) *AutoScaler {
	return NewAutoScaler(AutoScalerConfig{
		MinWorkers:          1,
		MaxWorkers:          4,
		QueueDepthThreshold: 5,
		IdleTimeout:         30 * time.Second,
		Cooldown:            10 * time.Second,
		Clock:               clock,
	})
}

func TestScaleUpWhenSaturated(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	pool := PoolState{Total: 2, Busy: 2, Idle: 0}
	assert.Equal(t, ScaleUp, as.Evaluate(pool, 6))

	ups, downs := as.Stats()
	assert.Equal(t, 1, ups)
	assert.Zero(t, downs)
}

func TestNoScaleUpWithIdleCapacity(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	// A deep queue alone is not enough while a worker sits idle.
	pool := PoolState{Total: 2, Busy: 1, Idle: 1}
	assert.Equal(t, ScaleNone, as.Evaluate(pool, 20))
}

func TestNoScaleUpAtMax(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	pool := PoolState{Total: 4, Busy: 4, Idle: 0}
	assert.Equal(t, ScaleNone, as.Evaluate(pool, 50))
}

func TestScaleDownAfterIdleTimeout(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	pool := PoolState{Total: 3, Busy: 1, Idle: 2, MaxIdle: 45 * time.Second}
	assert.Equal(t, ScaleDown, as.Evaluate(pool, 0))

	ups, downs := as.Stats()
	assert.Zero(t, ups)
	assert.Equal(t, 1, downs)
}

func TestNoScaleDownBelowMin(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	pool := PoolState{Total: 1, Busy: 0, Idle: 1, MaxIdle: time.Hour}
	assert.Equal(t, ScaleNone, as.Evaluate(pool, 0))
}

func TestNoScaleDownBeforeIdleTimeout(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	pool := PoolState{Total: 3, Busy: 0, Idle: 3, MaxIdle: 10 * time.Second}
	assert.Equal(t, ScaleNone, as.Evaluate(pool, 0))
}

func TestCooldownSuppressesBackToBack(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	saturated := PoolState{Total: 2, Busy: 2, Idle: 0}
	assert.Equal(t, ScaleUp, as.Evaluate(saturated, 10))

	// Still saturated, but inside the cooldown window.
	clock.Advance(5 * time.Second)
	assert.Equal(t, ScaleNone, as.Evaluate(saturated, 10))

	clock.Advance(6 * time.Second)
	assert.Equal(t, ScaleUp, as.Evaluate(saturated, 10))
}

func TestNotifyTerminatedStartsCooldown(t *testing.T) {
	clock := NewFakeClock(time.Now())
	as := newTestScaler(clock)

	as.NotifyTerminated()

	saturated := PoolState{Total: 2, Busy: 2, Idle: 0}
	assert.Equal(t, ScaleNone, as.Evaluate(saturated, 10))

	clock.Advance(11 * time.Second)
	assert.Equal(t, ScaleUp, as.Evaluate(saturated, 10))
}

func TestBoundsDefaults(t *testing.T) {
	as := NewAutoScaler(AutoScalerConfig{})
	min, max := as.Bounds()
	assert.Equal(t, 1, min)
	assert.Equal(t, 10, max)
}
