package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatsync/internal/backoff"
	"github.com/haasonsaas/chatsync/internal/retry"
	"github.com/haasonsaas/chatsync/internal/syncerr"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// ErrNotFailed is returned by Resend and Discard for messages that are not
// in the failed state.
var ErrNotFailed = errors.New("feed: message is not failed")

// Draft is an outbound message before it gets an id.
type Draft struct {
	ReceiverID string
	Body       string
}

// Send inserts the message locally as pending and writes it to the platform.
// A transient failure is retried once after SendRetryDelay, waiting for the
// connection if it is down; a rejection is not retried. Either way a message
// that could not be delivered stays visible as failed until discarded.
func (s *Synchronizer) Send(ctx context.Context, draft Draft) (models.Message, error) {
	msg := models.Message{
		ID:            uuid.NewString(),
		SenderID:      s.config.UserID,
		ReceiverID:    draft.ReceiverID,
		Body:          draft.Body,
		CreatedAt:     s.config.Now(),
		DeliveryState: models.DeliveryPending,
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, fmt.Errorf("feed: %w", err)
	}

	s.store.insertLocal(msg)
	s.emit(Change{Kind: ChangeMessage, ID: msg.ID, ThreadKey: msg.ThreadKey()})
	s.persist(ctx, msg)

	return s.deliver(ctx, msg)
}

// Resend moves a failed message back to pending and delivers it again.
func (s *Synchronizer) Resend(ctx context.Context, id string) (models.Message, error) {
	msg, ok := s.store.markPending(id)
	if !ok {
		return models.Message{}, ErrNotFailed
	}
	s.emit(Change{Kind: ChangeMessage, ID: msg.ID, ThreadKey: msg.ThreadKey()})
	s.persist(ctx, msg)
	return s.deliver(ctx, msg)
}

// Discard removes a failed message from the local state and the outbox.
func (s *Synchronizer) Discard(ctx context.Context, id string) error {
	msg, ok := s.store.message(id)
	if !ok || !s.store.discard(id) {
		return ErrNotFailed
	}
	s.unpersist(ctx, id)
	s.emit(Change{Kind: ChangeMessage, ID: id, ThreadKey: msg.ThreadKey()})
	return nil
}

func (s *Synchronizer) deliver(ctx context.Context, msg models.Message) (models.Message, error) {
	epoch := s.currentEpoch()

	ctx, span := s.config.Tracer.TraceSend(ctx, msg.ID, msg.ThreadKey())
	defer span.End()

	policy := retry.Linear(2, s.config.SendRetryDelay)
	policy.Wait = s.waitForRetry

	var confirmed models.Message
	result := retry.Do(ctx, policy, func(ctx context.Context) error {
		out, err := s.deps.Writer.InsertMessage(ctx, msg)
		if err != nil {
			return err
		}
		confirmed = out
		return nil
	})
	s.config.Tracer.RecordError(span, result.Err)

	if s.stale(epoch) {
		return msg, result.Err
	}

	if result.Err == nil {
		s.store.markSent(msg.ID, confirmed)
		s.unpersist(ctx, msg.ID)
		if result.Attempts > 1 {
			s.config.Metrics.MessageResult("retried")
		} else {
			s.config.Metrics.MessageResult("sent")
		}
		s.emit(Change{Kind: ChangeMessage, ID: msg.ID, ThreadKey: msg.ThreadKey()})
		current, _ := s.store.message(msg.ID)
		return current, nil
	}

	if !s.store.markFailed(msg.ID) {
		// The server echo already confirmed it.
		if current, ok := s.store.message(msg.ID); ok && current.DeliveryState == models.DeliverySent {
			s.unpersist(ctx, msg.ID)
			return current, nil
		}
	}

	outcome := "failed"
	if syncerr.IsRejected(result.Err) {
		outcome = "rejected"
	}
	s.config.Metrics.MessageResult(outcome)
	s.logger.Warn("message send failed",
		"message_id", msg.ID,
		"attempts", result.Attempts,
		"outcome", outcome,
		"error", result.Err,
	)

	failed, ok := s.store.message(msg.ID)
	if ok {
		s.persist(context.WithoutCancel(ctx), failed)
	}
	s.emit(Change{Kind: ChangeMessage, ID: msg.ID, ThreadKey: msg.ThreadKey()})
	return failed, fmt.Errorf("feed: send %s: %w", msg.ID, result.Err)
}

// waitForRetry pauses before the retry and, while the connection is down,
// holds the retry until it is back or OfflineRetryWait runs out.
func (s *Synchronizer) waitForRetry(ctx context.Context, attempt int, delay time.Duration) error {
	if err := backoff.SleepWithContext(ctx, delay); err != nil {
		return err
	}
	if s.connected() {
		return nil
	}

	s.logger.Info("offline, holding send retry until reconnect", "attempt", attempt, "max_wait", s.config.OfflineRetryWait)
	waitCtx, cancel := context.WithTimeout(ctx, s.config.OfflineRetryWait)
	defer cancel()
	if err := s.waitConnected(waitCtx); err != nil {
		return syncerr.Transient("connection did not return", err)
	}
	return nil
}

// restoreOutbox reloads unsent messages and resends the pending ones.
func (s *Synchronizer) restoreOutbox(ctx, loopCtx context.Context, epoch uint64) {
	if s.deps.Outbox == nil {
		return
	}
	msgs, err := s.deps.Outbox.Load(ctx, s.config.UserID)
	if err != nil {
		s.logger.Warn("outbox restore failed", "error", err)
		return
	}

	resend := 0
	for _, msg := range msgs {
		s.store.insertLocal(msg)
		s.emit(Change{Kind: ChangeMessage, ID: msg.ID, ThreadKey: msg.ThreadKey()})
		if msg.DeliveryState != models.DeliveryPending {
			continue
		}
		resend++
		s.background(func() {
			if s.stale(epoch) {
				return
			}
			if _, err := s.deliver(loopCtx, msg); err != nil {
				s.logger.Debug("restored message not delivered", "message_id", msg.ID, "error", err)
			}
		})
	}
	if len(msgs) > 0 {
		s.logger.Info("outbox restored", "messages", len(msgs), "resending", resend)
	}
}

func (s *Synchronizer) persist(ctx context.Context, msg models.Message) {
	if s.deps.Outbox == nil {
		return
	}
	if err := s.deps.Outbox.Save(ctx, msg); err != nil {
		s.logger.Warn("outbox save failed", "message_id", msg.ID, "error", err)
	}
}

func (s *Synchronizer) unpersist(ctx context.Context, id string) {
	if s.deps.Outbox == nil {
		return
	}
	if err := s.deps.Outbox.Delete(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("outbox delete failed", "message_id", id, "error", err)
	}
}
