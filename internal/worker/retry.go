package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Jitter spreads each delay uniformly by ±Jitter (0.2 = ±20%).
	Jitter float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}

// JitteredDelay is NextDelay spread by the jitter factor. The result never
// exceeds MaxDelay.
func (r RetryPolicy) JitteredDelay(attempt int) time.Duration {
	d := r.NextDelay(attempt)
	if r.Jitter <= 0 {
		return d
	}
	j := math.Min(r.Jitter, 1)
	spread := float64(d) * j * (2*rand.Float64() - 1)
	out := time.Duration(float64(d) + spread)
	if r.MaxDelay > 0 && out > r.MaxDelay {
		out = r.MaxDelay
	}
	if out <= 0 {
		out = time.Millisecond
	}
	return out
}

// Exhausted reports whether attempt is past MaxRetries. A zero MaxRetries
// means retry forever.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return r.MaxRetries > 0 && attempt > r.MaxRetries
}
