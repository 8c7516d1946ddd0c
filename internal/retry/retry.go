// Package retry runs remote calls with a bounded number of attempts.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// WaitFunc blocks between attempts. attempt is the number of the attempt that
// just failed. Returning an error aborts the loop with that error.
type WaitFunc func(ctx context.Context, attempt int, delay time.Duration) error

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier applied to the delay after each failure.
	Factor float64
	// Jitter randomizes each delay to [0.5, 1.5) of its value.
	Jitter bool
	// Wait replaces the default sleep between attempts.
	Wait WaitFunc
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent.
	Duration time.Duration
}

// Linear retries with a fixed delay. Linear(2, d) means "retry exactly once after d".
func Linear(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Factor:       1.0,
	}
}

// Do executes op until it succeeds, returns a permanent error, ctx ends, or the
// attempt budget is spent.
func Do(ctx context.Context, config Config, op func(ctx context.Context) error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay < 0 {
		config.InitialDelay = 0
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Factor <= 0 {
		config.Factor = 1.0
	}
	wait := config.Wait
	if wait == nil {
		wait = sleep
	}

	delay := config.InitialDelay
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		err := op(ctx)
		result.Err = err
		if err == nil || IsPermanent(err) || attempt == config.MaxAttempts {
			break
		}

		pause := delay
		if config.Jitter {
			pause = time.Duration(float64(delay) * (0.5 + rand.Float64())) // #nosec G404 -- jitter does not require cryptographic randomness
		}
		if werr := wait(ctx, attempt, pause); werr != nil {
			result.Err = werr
			break
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

func sleep(ctx context.Context, _ int, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
