package presence

import (
	"context"
	"sync"
	"time"
)

// HeartbeatConfig configures a heartbeat runner.
type HeartbeatConfig struct {
	// Interval is the time between heartbeats.
	Interval time.Duration

	// InitialDelay is the delay before the first heartbeat.
	// Defaults to Interval if not set.
	InitialDelay time.Duration

	// SkipIf is consulted before each heartbeat. Returning true skips it
	// with the given reason.
	SkipIf func() (reason string, skip bool)

	// OnHeartbeat performs the heartbeat.
	OnHeartbeat func(ctx context.Context) error

	// OnSkip is called when a heartbeat is skipped.
	OnSkip func(reason string)

	// OnError is called when a heartbeat fails.
	OnError func(err error)
}

// HeartbeatRunner manages periodic heartbeat execution.
type HeartbeatRunner struct {
	config  HeartbeatConfig
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	lastRan time.Time
}

// HeartbeatResult contains the outcome of a heartbeat execution.
type HeartbeatResult struct {
	Status    HeartbeatStatus
	Reason    string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

// HeartbeatStatus indicates the outcome of a heartbeat.
type HeartbeatStatus string

const (
	HeartbeatStatusRan     HeartbeatStatus = "ran"
	HeartbeatStatusSkipped HeartbeatStatus = "skipped"
	HeartbeatStatusFailed  HeartbeatStatus = "failed"
)

// NewHeartbeatRunner creates a new heartbeat runner.
func NewHeartbeatRunner(config HeartbeatConfig) *HeartbeatRunner {
	if config.InitialDelay == 0 {
		config.InitialDelay = config.Interval
	}
	return &HeartbeatRunner{config: config}
}

// Start begins the heartbeat runner.
func (r *HeartbeatRunner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	stopCh, done := r.stopCh, r.done
	r.mu.Unlock()

	go r.run(ctx, stopCh, done)
}

// Stop halts the runner and waits for an in-progress heartbeat to return.
func (r *HeartbeatRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.running = false
	done := r.done
	r.mu.Unlock()

	<-done
}

// IsRunning returns true if the heartbeat runner is active.
func (r *HeartbeatRunner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// LastRan returns when the last successful heartbeat started.
func (r *HeartbeatRunner) LastRan() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRan
}

// RunOnce executes a single heartbeat immediately.
func (r *HeartbeatRunner) RunOnce(ctx context.Context) HeartbeatResult {
	return r.execute(ctx)
}

func (r *HeartbeatRunner) run(ctx context.Context, stopCh, done chan struct{}) {
	defer close(done)

	select {
	case <-time.After(r.config.InitialDelay):
		r.execute(ctx)
	case <-stopCh:
		return
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.execute(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *HeartbeatRunner) execute(ctx context.Context) HeartbeatResult {
	startedAt := time.Now()

	if r.config.SkipIf != nil {
		if reason, skip := r.config.SkipIf(); skip {
			if r.config.OnSkip != nil {
				r.config.OnSkip(reason)
			}
			return HeartbeatResult{
				Status:    HeartbeatStatusSkipped,
				Reason:    reason,
				Duration:  time.Since(startedAt),
				Timestamp: startedAt,
			}
		}
	}

	if r.config.OnHeartbeat == nil {
		return HeartbeatResult{
			Status:    HeartbeatStatusSkipped,
			Reason:    "no-handler",
			Duration:  time.Since(startedAt),
			Timestamp: startedAt,
		}
	}

	if err := r.config.OnHeartbeat(ctx); err != nil {
		if r.config.OnError != nil {
			r.config.OnError(err)
		}
		return HeartbeatResult{
			Status:    HeartbeatStatusFailed,
			Err:       err,
			Duration:  time.Since(startedAt),
			Timestamp: startedAt,
		}
	}

	r.mu.Lock()
	r.lastRan = startedAt
	r.mu.Unlock()

	return HeartbeatResult{
		Status:    HeartbeatStatusRan,
		Duration:  time.Since(startedAt),
		Timestamp: startedAt,
	}
}
