package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/chatsync/internal/backoff"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Reconcile runs a full reconciliation pull now.
func (s *Synchronizer) Reconcile(ctx context.Context) error {
	return s.resync(ctx, s.currentEpoch(), "manual")
}

// interval returns the polling period for the current connection quality.
func (s *Synchronizer) interval() time.Duration {
	if s.deps.Conn != nil && s.deps.Conn.State().Degraded() {
		return s.config.DegradedReconcileInterval
	}
	return s.config.ReconcileInterval
}

// resyncRequest is a queued reconciliation pull. Queuing it raises the
// buffering count at once, so push events that arrive before the loop runs
// the pull wait for it.
type resyncRequest struct {
	epoch  uint64
	reason string
}

func (s *Synchronizer) requestResync(epoch uint64, reason string) {
	if s.deps.Fetcher == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch || !s.running {
		return
	}
	select {
	case s.resyncCh <- resyncRequest{epoch: epoch, reason: reason}:
		s.buffering++
	default:
		// A queued request already holds the buffer.
	}
}

func (s *Synchronizer) reconcileLoop(ctx context.Context, epoch uint64, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(s.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.resyncCh:
			if req.epoch == epoch {
				_ = s.resyncHeld(ctx, epoch, req.reason)
			}
		case <-s.retime:
		case <-timer.C:
			_ = s.resync(ctx, epoch, "interval")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.interval())
	}
}

// resync pulls authoritative state while buffering inbound events, then
// replays the buffer through the normal dedup path.
func (s *Synchronizer) resync(ctx context.Context, epoch uint64, reason string) error {
	if s.deps.Fetcher == nil {
		return nil
	}
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return nil
	}
	s.buffering++
	s.mu.Unlock()

	return s.reconcileLocked(ctx, epoch, reason)
}

// resyncHeld runs a queued pull whose buffering hold was taken by
// requestResync.
func (s *Synchronizer) resyncHeld(ctx context.Context, epoch uint64, reason string) error {
	s.resyncMu.Lock()
	defer s.resyncMu.Unlock()
	if s.stale(epoch) {
		return nil
	}
	return s.reconcileLocked(ctx, epoch, reason)
}

// reconcileLocked pulls and drains. The caller holds resyncMu and one
// buffering hold.
func (s *Synchronizer) reconcileLocked(ctx context.Context, epoch uint64, reason string) error {
	started := time.Now()
	ctx, span := s.config.Tracer.TraceReconcile(ctx, reason)
	err := s.pull(ctx, epoch)
	s.config.Tracer.RecordError(span, err)
	span.End()
	s.config.Metrics.ReconcileCompleted(reason, time.Since(started), err)

	replayed := s.drain(epoch)
	if err != nil {
		s.logger.Warn("reconciliation failed", "reason", reason, "error", err)
		return err
	}
	s.logger.Debug("reconciliation complete",
		"reason", reason,
		"duration", time.Since(started),
		"replayed", replayed,
	)
	s.emit(Change{Kind: ChangeResync})
	return nil
}

func (s *Synchronizer) pull(ctx context.Context, epoch uint64) error {
	user := s.config.UserID

	threads, err := s.deps.Fetcher.FetchThreads(ctx, user)
	if err != nil {
		return fmt.Errorf("fetch threads: %w", err)
	}
	for _, thread := range threads {
		if !thread.Has(user) {
			continue
		}
		peer := thread.Peer(user)
		if peer == "" || peer == user {
			continue
		}
		page, err := s.deps.Fetcher.FetchMessages(ctx, user, peer, s.config.MessagePageSize)
		if err != nil {
			return fmt.Errorf("fetch messages with %s: %w", peer, err)
		}
		if s.stale(epoch) {
			return nil
		}
		for _, msg := range page {
			s.store.applyMessage(models.EventUpdate, msg)
		}
		s.store.mergeThread(thread, page)
		if s.deps.Pages != nil {
			s.deps.Pages.Set(pageKeyPrefix+models.ThreadKey(user, peer), page)
		}
	}

	posts, err := s.deps.Fetcher.FetchPosts(ctx, s.config.PostPageSize)
	if err != nil {
		return fmt.Errorf("fetch posts: %w", err)
	}
	if s.stale(epoch) {
		return nil
	}
	for _, post := range posts {
		s.store.mergePost(post)
	}
	return nil
}

// drain releases one buffering hold. The last hold replays the buffered
// events and ends buffering once the buffer is empty; earlier holds leave
// the buffer for the pull still queued.
func (s *Synchronizer) drain(epoch uint64) int {
	replayed := 0
	for {
		s.mu.Lock()
		if epoch != s.epoch {
			s.mu.Unlock()
			return replayed
		}
		if s.buffering > 1 {
			s.buffering--
			s.mu.Unlock()
			return replayed
		}
		if len(s.buffer) == 0 {
			s.buffering = 0
			s.mu.Unlock()
			return replayed
		}
		pending := s.buffer
		s.buffer = nil
		s.mu.Unlock()

		for _, raw := range pending {
			s.apply(raw)
		}
		replayed += len(pending)
	}
}

// resubscribe reopens the subscription for resource once the connection is
// healthy again, then schedules a full reconciliation pull.
func (s *Synchronizer) resubscribe(ctx context.Context, epoch uint64, resource models.Resource) {
	if s.deps.Conn != nil {
		s.deps.Conn.ForceReconnect()
	}

	policy := backoff.ReconnectPolicy(s.config.ResubscribeMaxDelay)
	for attempt := 1; ; attempt++ {
		if err := s.waitConnected(ctx); err != nil {
			return
		}
		if s.stale(epoch) {
			return
		}

		sub, err := s.deps.Feed.Subscribe(ctx, resource, func(raw models.RawEvent) {
			s.handle(epoch, resource, raw)
		})
		if err == nil {
			s.mu.Lock()
			if epoch != s.epoch {
				s.mu.Unlock()
				_ = sub.Close()
				return
			}
			s.subs[resource] = sub
			s.mu.Unlock()

			s.logger.Info("subscription restored", "resource", resource, "attempt", attempt)
			s.requestResync(epoch, "resubscribe")
			s.background(func() { s.watch(ctx, epoch, resource, sub) })
			return
		}

		delay := backoff.ComputeBackoff(policy, attempt)
		s.logger.Warn("resubscribe failed", "resource", resource, "attempt", attempt, "retry_in", delay, "error", err)
		if backoff.SleepWithContext(ctx, delay) != nil {
			return
		}
	}
}
