package scheduler

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy controls how far a failing provider's next sync is pushed out.
type BackoffPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultBackoffPolicy returns 5s doubling up to 5m.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: 5 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Minute,
	}
}

// NextDelay returns the delay after the given number of consecutive failures
// (1-indexed): InitialDelay * Multiplier^(failures-1), capped at MaxDelay.
func (p BackoffPolicy) NextDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(failures-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// jittered spreads interval uniformly over interval*(1±jitter).
func jittered(interval time.Duration, jitter float64, rng *rand.Rand) time.Duration {
	if jitter <= 0 || rng == nil {
		return interval
	}
	factor := 1 + jitter*(2*rng.Float64()-1)
	return time.Duration(float64(interval) * factor)
}
