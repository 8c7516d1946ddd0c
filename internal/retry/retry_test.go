package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Linear(3, time.Millisecond), func(context.Context) error {
		calls++
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected a single attempt, got attempts=%d calls=%d", result.Attempts, calls)
	}
}

func TestDo_RetriesExactlyOnce(t *testing.T) {
	var delays []time.Duration
	config := Linear(2, 25*time.Millisecond)
	config.Wait = func(_ context.Context, attempt int, delay time.Duration) error {
		if attempt != 1 {
			t.Errorf("wait called after attempt %d", attempt)
		}
		delays = append(delays, delay)
		return nil
	}

	calls := 0
	result := Do(context.Background(), config, func(context.Context) error {
		calls++
		return errors.New("network unreachable")
	})

	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if result.Err == nil {
		t.Error("expected last error to be reported")
	}
	if len(delays) != 1 || delays[0] != 25*time.Millisecond {
		t.Errorf("expected one fixed delay of 25ms, got %v", delays)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	config := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Factor:       2.0,
	}

	calls := 0
	result := Do(context.Background(), config, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestDo_PermanentStops(t *testing.T) {
	rejected := errors.New("body too long")
	calls := 0
	result := Do(context.Background(), Linear(5, time.Millisecond), func(context.Context) error {
		calls++
		return Permanent(rejected)
	})

	if calls != 1 {
		t.Errorf("permanent error should stop after 1 call, got %d", calls)
	}
	if !errors.Is(result.Err, rejected) {
		t.Errorf("expected wrapped rejection, got %v", result.Err)
	}
	if !IsPermanent(result.Err) {
		t.Error("expected result error to stay permanent")
	}
}

func TestDo_WaitErrorAborts(t *testing.T) {
	gateClosed := errors.New("gave up waiting for connection")
	config := Linear(3, time.Millisecond)
	config.Wait = func(context.Context, int, time.Duration) error { return gateClosed }

	calls := 0
	result := Do(context.Background(), config, func(context.Context) error {
		calls++
		return errors.New("offline")
	})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(result.Err, gateClosed) {
		t.Errorf("expected wait error, got %v", result.Err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := Do(ctx, Linear(3, time.Hour), func(context.Context) error {
		calls++
		cancel()
		return errors.New("offline")
	})

	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	if IsPermanent(errors.New("x")) {
		t.Error("plain error should not be permanent")
	}
	base := errors.New("rejected")
	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent should unwrap to its cause")
	}
}
