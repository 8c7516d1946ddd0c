// Package connection tracks reachability of the remote platform and grades
// link quality from probe round trips.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/chatsync/internal/backoff"
	"github.com/haasonsaas/chatsync/internal/observability"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Prober performs a lightweight authenticated round trip to the platform.
type Prober interface {
	Probe(ctx context.Context, userID string) error
}

// Phase describes what the monitor loop is currently doing.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseProbing     Phase = "probing"
	PhaseHealthy     Phase = "healthy"
	PhaseDegraded    Phase = "degraded"
	PhaseUnreachable Phase = "unreachable"
)

// Config configures a Monitor.
type Config struct {
	// UserID is passed to every probe.
	UserID string

	// Interval is the time between probes while connected.
	Interval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// InitialDelay is the wait after the first failed probe. Each further
	// failure doubles it up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxAttempts is the number of backoff retries before automatic probing
	// is suspended.
	MaxAttempts int

	Thresholds models.LatencyThresholds

	// OnRetryScheduled is called with the retry number and its delay.
	OnRetryScheduled func(attempt int, delay time.Duration)

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// DefaultConfig returns the production probing parameters.
func DefaultConfig() Config {
	return Config{
		Interval:     10 * time.Second,
		ProbeTimeout: 5 * time.Second,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
		Thresholds:   models.DefaultLatencyThresholds(),
	}
}

// Listener receives state transitions.
type Listener func(prev, next models.ConnectionState)

// Monitor probes the platform on a schedule and publishes ConnectionState
// snapshots. It is the only writer of connection state.
type Monitor struct {
	config Config
	prober Prober
	logger *slog.Logger

	state atomic.Pointer[models.ConnectionState]
	kick  chan struct{}

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	epoch     uint64
	attempts  int
	probing   bool
	phase     Phase
	network   bool
	listeners map[uint64]Listener
	nextID    uint64
}

// NewMonitor creates a monitor. Zero config fields take their defaults.
func NewMonitor(prober Prober, config Config) *Monitor {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaults.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Thresholds.Excellent <= 0 || config.Thresholds.Good <= 0 {
		config.Thresholds = defaults.Thresholds
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		config:    config,
		prober:    prober,
		logger:    logger.With("component", "connection"),
		kick:      make(chan struct{}, 1),
		phase:     PhaseIdle,
		network:   true,
		listeners: make(map[uint64]Listener),
	}
	initial := models.OfflineState(true)
	m.state.Store(&initial)
	return m
}

// State returns the current snapshot.
func (m *Monitor) State() models.ConnectionState {
	return *m.state.Load()
}

// Phase returns the loop phase.
func (m *Monitor) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Attempts returns the number of consecutive failed probes counted toward
// the retry budget.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Subscribe registers fn for state transitions and returns a function that
// removes it. Listeners run on the monitor goroutine and must not block.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// WaitConnected blocks until the monitor reports a connection or ctx ends.
func (m *Monitor) WaitConnected(ctx context.Context) error {
	if m.State().IsConnected {
		return nil
	}
	ready := make(chan struct{})
	var once sync.Once
	cancel := m.Subscribe(func(_, next models.ConnectionState) {
		if next.IsConnected {
			once.Do(func() { close(ready) })
		}
	})
	defer cancel()

	// Re-check after subscribing so a transition in between is not missed.
	if m.State().IsConnected {
		return nil
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the probing loop. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) error {
	if m.prober == nil {
		return errors.New("connection: prober is nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.epoch++
	m.attempts = 0
	m.phase = PhaseProbing

	go m.run(loopCtx, m.epoch, m.done)
	m.logger.Info("connection monitor started", "interval", m.config.Interval)
	return nil
}

// Stop cancels pending timers and any in-flight probe. Results that arrive
// afterwards are discarded.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.epoch++
	m.phase = PhaseIdle
	m.cancel()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		m.logger.Info("connection monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceReconnect resets the retry budget and probes immediately. A request
// made while a probe is in flight is satisfied by that probe.
func (m *Monitor) ForceReconnect() {
	m.mu.Lock()
	m.attempts = 0
	inFlight := m.probing
	m.mu.Unlock()

	if inFlight {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// SetNetworkAvailable applies the operating system's connectivity signal.
func (m *Monitor) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	was := m.network
	m.network = available
	m.mu.Unlock()

	if !available {
		m.publish(func(models.ConnectionState) models.ConnectionState {
			return models.OfflineState(false)
		})
		if was {
			m.logger.Warn("network unavailable")
		}
		return
	}

	m.publish(func(s models.ConnectionState) models.ConnectionState {
		s.IsOnline = true
		return s
	})
	if !was {
		m.logger.Info("network available, reconnecting")
		m.ForceReconnect()
	}
}

func (m *Monitor) run(ctx context.Context, epoch uint64, done chan struct{}) {
	defer close(done)

	for {
		delay, suspended := m.step(ctx, epoch)
		if ctx.Err() != nil {
			return
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if !suspended {
			timer = time.NewTimer(delay)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-fire:
		case <-m.kick:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// step runs one probe when the network allows it and returns the delay until
// the next one. suspended means only a kick may wake the loop.
func (m *Monitor) step(ctx context.Context, epoch uint64) (time.Duration, bool) {
	m.mu.Lock()
	if !m.network {
		m.mu.Unlock()
		return 0, true
	}
	m.probing = true
	m.phase = PhaseProbing
	attempt := m.attempts + 1
	m.mu.Unlock()

	// Kicks queued before this probe started are folded into it.
	select {
	case <-m.kick:
	default:
	}

	latency, err := m.probe(ctx, attempt)

	m.mu.Lock()
	m.probing = false
	if epoch != m.epoch || ctx.Err() != nil {
		m.mu.Unlock()
		return 0, true
	}
	delay, suspended, retry, notify := m.applyLocked(latency, err)
	m.mu.Unlock()

	notify()
	if retry > 0 && m.config.OnRetryScheduled != nil {
		m.config.OnRetryScheduled(retry, delay)
	}
	return delay, suspended
}

// applyLocked folds a probe result into the state. retry is the scheduled
// retry number, or 0 when none was scheduled.
func (m *Monitor) applyLocked(latency time.Duration, err error) (delay time.Duration, suspended bool, retry int, notify func()) {
	now := m.config.Now()
	if err == nil {
		m.attempts = 0
		quality := models.QualityForLatency(latency, m.config.Thresholds)
		m.phase = PhaseHealthy
		if quality == models.QualityPoor {
			m.phase = PhaseDegraded
		}
		m.config.Metrics.ProbeCompleted(latency, quality, nil)
		notify = m.publishLocked(func(s models.ConnectionState) models.ConnectionState {
			return models.ConnectionState{
				IsOnline:    s.IsOnline,
				IsConnected: true,
				Latency:     latency,
				Quality:     quality,
				LastProbeAt: now,
			}
		})
		return m.config.Interval, false, 0, notify
	}

	m.config.Metrics.ProbeCompleted(latency, models.QualityOffline, err)
	notify = m.publishLocked(func(s models.ConnectionState) models.ConnectionState {
		return models.ConnectionState{
			IsOnline:    s.IsOnline,
			Quality:     models.QualityOffline,
			LastProbeAt: now,
		}
	})

	if m.attempts >= m.config.MaxAttempts {
		m.phase = PhaseUnreachable
		m.logger.Warn("probe budget exhausted, waiting for reconnect request",
			"attempts", m.attempts,
			"error", err,
		)
		return 0, true, 0, notify
	}

	policy := backoff.FromDurations(m.config.InitialDelay, m.config.MaxDelay, 2)
	delay = backoff.ComputeBackoff(policy, m.attempts+1)
	m.attempts++
	m.phase = PhaseDegraded
	m.config.Metrics.ReconnectScheduled()
	m.logger.Debug("probe failed, retry scheduled",
		"attempt", m.attempts,
		"delay", delay,
		"error", err,
	)
	return delay, false, m.attempts, notify
}

func (m *Monitor) probe(ctx context.Context, attempt int) (time.Duration, error) {
	ctx, span := m.config.Tracer.TraceProbe(ctx, attempt)
	defer span.End()

	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	started := time.Now()
	err := m.prober.Probe(probeCtx, m.config.UserID)
	latency := time.Since(started)
	if err == nil && probeCtx.Err() != nil {
		err = probeCtx.Err()
	}
	m.config.Tracer.RecordError(span, err)
	return latency, err
}

func (m *Monitor) publish(update func(models.ConnectionState) models.ConnectionState) {
	m.mu.Lock()
	notify := m.publishLocked(update)
	m.mu.Unlock()
	notify()
}

// publishLocked stores the new snapshot. The returned function delivers the
// transition to listeners and must be called after m.mu is released.
func (m *Monitor) publishLocked(update func(models.ConnectionState) models.ConnectionState) func() {
	prev := *m.state.Load()
	next := update(prev)
	m.state.Store(&next)

	if prev.IsOnline == next.IsOnline && prev.IsConnected == next.IsConnected && prev.Quality == next.Quality {
		return func() {}
	}
	if next.Quality != prev.Quality {
		m.logger.Info("connection quality changed",
			"from", prev.Quality,
			"to", next.Quality,
			"latency", next.Latency,
		)
	}

	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(prev, next)
		}
	}
}
