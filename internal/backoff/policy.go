// Package backoff computes the delays used between reconnection attempts.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// InitialMs is the delay after the first failure, in milliseconds.
	InitialMs float64
	// MaxMs caps every delay, in milliseconds.
	MaxMs float64
	// Factor is the growth applied per attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64
}

// ComputeBackoff returns the delay for a 1-indexed attempt number.
func ComputeBackoff(policy BackoffPolicy, attempt int) time.Duration {
	if policy.Jitter <= 0 {
		return ComputeBackoffWithRand(policy, attempt, 0)
	}
	return ComputeBackoffWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeBackoffWithRand returns min(maxMs, base + base*jitter*randomValue) where
// base = initialMs * factor^(attempt-1). randomValue must be in [0, 1).
func ComputeBackoffWithRand(policy BackoffPolicy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := base + base*policy.Jitter*randomValue
	if policy.MaxMs > 0 {
		total = math.Min(policy.MaxMs, total)
	}
	return time.Duration(math.Round(total)) * time.Millisecond
}

// ReconnectPolicy doubles from one second without jitter, so the n-th
// consecutive failure waits min(2^(n-1) s, maxDelay).
func ReconnectPolicy(maxDelay time.Duration) BackoffPolicy {
	return FromDurations(time.Second, maxDelay, 2)
}

// FromDurations builds a jitter-free policy from durations.
func FromDurations(initial, maxDelay time.Duration, factor float64) BackoffPolicy {
	if factor <= 0 {
		factor = 2
	}
	return BackoffPolicy{
		InitialMs: float64(initial) / float64(time.Millisecond),
		MaxMs:     float64(maxDelay) / float64(time.Millisecond),
		Factor:    factor,
	}
}
