package engine

import (
	"math"
	"time"
)

// BackoffStrategy defines the interface for retry backoff strategies
type BackoffStrategy interface {
	// NextDelay calculates the delay before the next retry attempt
	NextDelay(retryCount int) time.Duration
}

// ExponentialBackoff implements exponential backoff strategy
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// NewExponentialBackoff creates a new exponential backoff strategy with defaults
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
	}
}

// NextDelay calculates the exponential backoff delay
func (eb *ExponentialBackoff) NextDelay(retryCount int) time.Duration {
	delay := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(retryCount))
	delayDuration := time.Duration(delay)

	if delayDuration > eb.MaxDelay {
		return eb.MaxDelay
	}
	return delayDuration
}

// LinearBackoff implements linear backoff strategy
type LinearBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NextDelay calculates the linear backoff delay
func (lb *LinearBackoff) NextDelay(retryCount int) time.Duration {
	delay := lb.BaseDelay * time.Duration(retryCount+1)
	if delay > lb.MaxDelay {
		return lb.MaxDelay
	}
	return delay
}

// NoBackoff retries immediately. Useful in tests.
type NoBackoff struct{}

// NextDelay always returns zero.
func (NoBackoff) NextDelay(int) time.Duration { return 0 }
