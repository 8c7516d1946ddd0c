// Package presence announces the local user's availability and merges the
// presence records published by other clients.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/chatsync/internal/backoff"
	"github.com/haasonsaas/chatsync/internal/connection"
	"github.com/haasonsaas/chatsync/internal/observability"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Subscription is an open presence stream.
type Subscription interface {
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Transport publishes the local record and streams everyone else's.
type Transport interface {
	Announce(ctx context.Context, record models.PresenceRecord) error
	Subscribe(ctx context.Context, onSnapshot func([]models.PresenceRecord), onDeparture func(userID string, at time.Time)) (Subscription, error)
}

// ActivitySource emits a timestamp for every local input event.
type ActivitySource interface {
	Activity() <-chan time.Time
}

// Connectivity is the part of the connection monitor the tracker uses.
type Connectivity interface {
	State() models.ConnectionState
	Subscribe(fn connection.Listener) func()
	ForceReconnect()
	WaitConnected(ctx context.Context) error
}

// Config configures a Tracker.
type Config struct {
	UserID      string
	DisplayName string

	// HeartbeatInterval is the time between announcements.
	HeartbeatInterval time.Duration

	// IdleTimeout is how long without activity before online becomes away.
	IdleTimeout time.Duration

	// ResubscribeMaxDelay caps the backoff between attempts to reopen a
	// dropped presence stream.
	ResubscribeMaxDelay time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// DefaultConfig returns the production heartbeat and idle durations.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   30 * time.Second,
		IdleTimeout:         5 * time.Minute,
		ResubscribeMaxDelay: 30 * time.Second,
	}
}

// Tracker maintains one presence record per user.
type Tracker struct {
	config    Config
	transport Transport
	activity  ActivitySource
	conn      Connectivity
	logger    *slog.Logger

	mu         sync.Mutex
	records    map[string]models.PresenceRecord
	tombstones map[string]time.Time
	status     models.PresenceStatus
	explicit   bool
	autoAway   bool
	listeners  map[uint64]func(models.PresenceRecord)
	nextID     uint64

	running       bool
	resubscribing bool
	epoch         uint64
	ctx      context.Context
	cancel   context.CancelFunc
	runner   *HeartbeatRunner
	sub      Subscription
	unwatch  func()
	loopDone chan struct{}
	touch    chan time.Time
	wg       sync.WaitGroup
}

// NewTracker creates a tracker. activity and conn may be nil.
func NewTracker(transport Transport, activity ActivitySource, conn Connectivity, config Config) *Tracker {
	defaults := DefaultConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.ResubscribeMaxDelay <= 0 {
		config.ResubscribeMaxDelay = defaults.ResubscribeMaxDelay
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		config:     config,
		transport:  transport,
		activity:   activity,
		conn:       conn,
		logger:     logger.With("component", "presence", "user_id", config.UserID),
		records:    make(map[string]models.PresenceRecord),
		tombstones: make(map[string]time.Time),
		status:     models.PresenceOnline,
		listeners:  make(map[uint64]func(models.PresenceRecord)),
		touch:      make(chan time.Time, 1),
	}
}

// Start announces the local record, opens the presence stream and begins
// heartbeating.
func (t *Tracker) Start(ctx context.Context) error {
	if t.transport == nil {
		return errors.New("presence: transport is nil")
	}
	if t.config.UserID == "" {
		return errors.New("presence: user id is required")
	}

	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = true
	t.epoch++
	epoch := t.epoch
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx := t.ctx
	t.loopDone = make(chan struct{})
	own := t.touchOwnLocked()
	t.mu.Unlock()

	t.emit(own)
	if err := t.subscribe(loopCtx, epoch); err != nil {
		t.logger.Warn("presence subscribe failed", "error", err)
		t.resubscribe(loopCtx, epoch)
	}
	t.announce(loopCtx, "start")

	runner := NewHeartbeatRunner(HeartbeatConfig{
		Interval: t.config.HeartbeatInterval,
		SkipIf: func() (string, bool) {
			if t.conn != nil && !t.conn.State().IsConnected {
				return "offline", true
			}
			return "", false
		},
		OnHeartbeat: t.heartbeat,
		OnSkip: func(reason string) {
			t.config.Metrics.Heartbeat("skipped")
			t.logger.Debug("heartbeat skipped", "reason", reason)
		},
		OnError: func(err error) {
			t.config.Metrics.Heartbeat("failed")
			t.logger.Warn("heartbeat failed", "error", err)
		},
	})
	runner.Start(loopCtx)

	var unwatch func()
	if t.conn != nil {
		unwatch = t.conn.Subscribe(func(prev, next models.ConnectionState) {
			if !prev.IsConnected && next.IsConnected {
				t.background(func() { t.reconnected(loopCtx, epoch) })
			}
		})
	}

	t.mu.Lock()
	t.runner = runner
	t.unwatch = unwatch
	t.mu.Unlock()

	go t.activityLoop(loopCtx, t.loopDone)
	t.logger.Info("presence tracker started", "heartbeat", t.config.HeartbeatInterval)
	return nil
}

// Stop halts heartbeating and closes the presence stream. An offline record
// is announced on a best-effort basis.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.epoch++
	cancel, runner, sub, unwatch, done := t.cancel, t.runner, t.sub, t.unwatch, t.loopDone
	t.sub, t.runner, t.unwatch = nil, nil, nil
	t.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	cancel()
	if runner != nil {
		runner.Stop()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			t.logger.Debug("closing presence stream", "error", err)
		}
	}

	if t.conn == nil || t.conn.State().IsConnected {
		t.mu.Lock()
		own := t.records[t.config.UserID]
		t.mu.Unlock()
		own.Status = models.PresenceOffline
		own.LastSeenAt = t.config.Now()
		announceCtx, cancelAnnounce := context.WithTimeout(ctx, 2*time.Second)
		if err := t.transport.Announce(announceCtx, own); err != nil {
			t.logger.Debug("offline announce failed", "error", err)
		}
		cancelAnnounce()
	}

	finished := make(chan struct{})
	go func() {
		<-done
		t.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.logger.Info("presence tracker stopped")
	return nil
}

// SetStatus changes the local status and announces it. Any status other than
// online is explicit and is never replaced by the idle timer.
func (t *Tracker) SetStatus(ctx context.Context, status models.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("presence: invalid status %q", status)
	}

	t.mu.Lock()
	t.status = status
	t.explicit = status != models.PresenceOnline
	t.autoAway = false
	own := t.touchOwnLocked()
	running := t.running
	t.mu.Unlock()

	t.emit(own)
	if !running {
		return nil
	}
	if t.conn != nil && !t.conn.State().IsConnected {
		return nil
	}
	if err := t.transport.Announce(ctx, own); err != nil {
		return fmt.Errorf("presence: announce %s: %w", status, err)
	}
	return nil
}

// Status returns the local status.
func (t *Tracker) Status() models.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Touch records local activity.
func (t *Tracker) Touch() {
	select {
	case t.touch <- t.config.Now():
	default:
	}
}

// IsOnline reports whether userID has a record that is not offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[userID]
	return ok && record.Status != models.PresenceOffline
}

// Record returns the presence record for userID.
func (t *Tracker) Record(userID string) (models.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.records[userID]
	return record, ok
}

// Records returns all records ordered by user id.
func (t *Tracker) Records() []models.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.PresenceRecord, 0, len(t.records))
	for _, record := range t.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Subscribe registers fn for record changes. Departed users are delivered
// with status offline.
func (t *Tracker) Subscribe(fn func(models.PresenceRecord)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Merge folds a snapshot into the record map. Per user the latest LastSeenAt
// wins, and records not newer than a known departure are ignored.
func (t *Tracker) Merge(snapshot []models.PresenceRecord) {
	t.mu.Lock()
	var changed []models.PresenceRecord
	for _, record := range snapshot {
		if record.UserID == "" || record.UserID == t.config.UserID {
			continue
		}
		if departed, ok := t.tombstones[record.UserID]; ok {
			if !record.LastSeenAt.After(departed) {
				continue
			}
			delete(t.tombstones, record.UserID)
		}
		if existing, ok := t.records[record.UserID]; ok && !record.Newer(existing) {
			continue
		}
		t.records[record.UserID] = record
		changed = append(changed, record)
	}
	count := len(t.records)
	t.mu.Unlock()

	t.config.Metrics.SetPresenceRecords(count)
	for _, record := range changed {
		t.emit(record)
	}
}

// Depart removes userID and blocks snapshots timestamped at or before at.
func (t *Tracker) Depart(userID string, at time.Time) {
	if userID == "" || userID == t.config.UserID {
		return
	}

	t.mu.Lock()
	if prev, ok := t.tombstones[userID]; !ok || at.After(prev) {
		t.tombstones[userID] = at
	}
	record, ok := t.records[userID]
	removed := ok && !record.LastSeenAt.After(at)
	if removed {
		delete(t.records, userID)
	}
	count := len(t.records)
	t.mu.Unlock()

	if !removed {
		return
	}
	t.config.Metrics.SetPresenceRecords(count)
	record.Status = models.PresenceOffline
	record.LastSeenAt = at
	t.emit(record)
}

func (t *Tracker) subscribe(ctx context.Context, epoch uint64) error {
	sub, err := t.transport.Subscribe(ctx,
		func(records []models.PresenceRecord) {
			if !t.stale(epoch) {
				t.Merge(records)
			}
		},
		func(userID string, at time.Time) {
			if !t.stale(epoch) {
				t.Depart(userID, at)
			}
		},
	)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.epoch != epoch {
		t.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()

	t.background(func() {
		select {
		case <-sub.Done():
		case <-ctx.Done():
			return
		}
		t.mu.Lock()
		if t.sub == sub {
			t.sub = nil
		}
		t.mu.Unlock()
		if ctx.Err() != nil || t.stale(epoch) {
			return
		}
		t.logger.Warn("presence stream dropped", "error", sub.Err())
		t.config.Metrics.SubscriptionDropped("presence")
		if t.conn != nil {
			t.conn.ForceReconnect()
		}
		t.resubscribe(ctx, epoch)
	})
	return nil
}

// resubscribe starts reopening the presence stream with backoff once the
// connection is up. Only one reopen loop runs at a time.
func (t *Tracker) resubscribe(ctx context.Context, epoch uint64) {
	t.mu.Lock()
	if t.epoch != epoch || t.resubscribing {
		t.mu.Unlock()
		return
	}
	t.resubscribing = true
	t.mu.Unlock()

	t.background(func() {
		defer func() {
			t.mu.Lock()
			t.resubscribing = false
			t.mu.Unlock()
		}()

		policy := backoff.ReconnectPolicy(t.config.ResubscribeMaxDelay)
		for attempt := 1; ; attempt++ {
			if t.conn != nil {
				if err := t.conn.WaitConnected(ctx); err != nil {
					return
				}
			}
			t.mu.Lock()
			done := t.epoch != epoch || t.sub != nil
			t.mu.Unlock()
			if done || ctx.Err() != nil {
				return
			}

			err := t.subscribe(ctx, epoch)
			if err == nil {
				t.logger.Info("presence stream restored", "attempt", attempt)
				return
			}
			delay := backoff.ComputeBackoff(policy, attempt)
			t.logger.Warn("presence resubscribe failed", "attempt", attempt, "retry_in", delay, "error", err)
			if backoff.SleepWithContext(ctx, delay) != nil {
				return
			}
		}
	})
}

// reconnected re-announces immediately and reopens a dropped stream.
func (t *Tracker) reconnected(ctx context.Context, epoch uint64) {
	t.mu.Lock()
	stale := t.epoch != epoch
	needSub := t.sub == nil
	t.mu.Unlock()
	if stale {
		return
	}
	if needSub {
		t.resubscribe(ctx, epoch)
	}
	t.announce(ctx, "reconnect")
}

func (t *Tracker) stale(epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch != epoch
}

func (t *Tracker) background(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *Tracker) heartbeat(ctx context.Context) error {
	t.mu.Lock()
	own := t.touchOwnLocked()
	t.mu.Unlock()

	if err := t.transport.Announce(ctx, own); err != nil {
		return err
	}
	t.config.Metrics.Heartbeat("sent")
	return nil
}

func (t *Tracker) announce(ctx context.Context, reason string) {
	if t.conn != nil && !t.conn.State().IsConnected {
		t.config.Metrics.Heartbeat("skipped")
		return
	}
	if err := t.heartbeat(ctx); err != nil {
		t.config.Metrics.Heartbeat("failed")
		t.logger.Warn("presence announce failed", "reason", reason, "error", err)
	}
}

func (t *Tracker) activityLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var input <-chan time.Time
	if t.activity != nil {
		input = t.activity.Activity()
	}

	idle := time.NewTimer(t.config.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-input:
			t.active(ctx)
		case <-t.touch:
			t.active(ctx)
		case <-idle.C:
			t.goIdle(ctx)
			continue
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(t.config.IdleTimeout)
	}
}

func (t *Tracker) active(ctx context.Context) {
	t.mu.Lock()
	if !t.autoAway {
		t.mu.Unlock()
		return
	}
	t.autoAway = false
	t.status = models.PresenceOnline
	own := t.touchOwnLocked()
	t.mu.Unlock()

	t.logger.Debug("activity resumed, back online")
	t.emit(own)
	t.announce(ctx, "active")
}

func (t *Tracker) goIdle(ctx context.Context) {
	t.mu.Lock()
	if t.explicit || t.status != models.PresenceOnline {
		t.mu.Unlock()
		return
	}
	t.autoAway = true
	t.status = models.PresenceAway
	own := t.touchOwnLocked()
	t.mu.Unlock()

	t.logger.Debug("idle timeout, marking away", "idle", t.config.IdleTimeout)
	t.emit(own)
	t.announce(ctx, "idle")
}

// touchOwnLocked refreshes the local record from the current status.
func (t *Tracker) touchOwnLocked() models.PresenceRecord {
	own := models.PresenceRecord{
		UserID:      t.config.UserID,
		DisplayName: t.config.DisplayName,
		Status:      t.status,
		LastSeenAt:  t.config.Now(),
	}
	t.records[t.config.UserID] = own
	return own
}

func (t *Tracker) emit(record models.PresenceRecord) {
	t.mu.Lock()
	listeners := make([]func(models.PresenceRecord), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(record)
	}
}
