package backoff

import (
	"context"
	"time"
)

// SleepWithContext sleeps for the duration unless ctx ends first.
// It returns ctx.Err() when interrupted.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
