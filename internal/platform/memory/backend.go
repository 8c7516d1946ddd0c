// Package memory is an in-process implementation of the remote chat
// platform. Several clients can share one Backend, which makes it suitable
// for demos and for end-to-end tests of the sync layer.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatsync/internal/syncerr"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// Config configures a Backend.
type Config struct {
	// MaxBodyLength makes longer messages fail with a rejection.
	MaxBodyLength int
	Logger        *slog.Logger
	Now           func() time.Time
}

type feedSub struct {
	*subscription
	resource models.Resource
	handler  func(models.RawEvent)
}

type presenceSub struct {
	*subscription
	onSnapshot  func([]models.PresenceRecord)
	onDeparture func(userID string, at time.Time)
}

// Backend holds the authoritative platform state.
type Backend struct {
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	nextID        uint64
	messages      map[string]models.Message
	posts         map[string]models.Post
	likes         map[string]map[string]struct{}
	notifications map[string]models.Notification
	presence      map[string]models.PresenceRecord
	feedSubs      map[uint64]*feedSub
	presenceSubs  map[uint64]*presenceSub
	unreachable   map[string]bool
	latency       map[string]time.Duration
}

// NewBackend creates an empty platform.
func NewBackend(config Config) *Backend {
	if config.MaxBodyLength <= 0 {
		config.MaxBodyLength = 2000
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		config:        config,
		logger:        logger.With("component", "memory-platform"),
		messages:      make(map[string]models.Message),
		posts:         make(map[string]models.Post),
		likes:         make(map[string]map[string]struct{}),
		notifications: make(map[string]models.Notification),
		presence:      make(map[string]models.PresenceRecord),
		feedSubs:      make(map[uint64]*feedSub),
		presenceSubs:  make(map[uint64]*presenceSub),
		unreachable:   make(map[string]bool),
		latency:       make(map[string]time.Duration),
	}
}

// Client returns the view of the platform for userID.
func (b *Backend) Client(userID string) *Client {
	return &Client{backend: b, userID: userID}
}

// SetReachable cuts userID off from the platform or reconnects it. Cutting a
// user off ends all of its subscriptions.
func (b *Backend) SetReachable(userID string, reachable bool) {
	b.mu.Lock()
	if reachable {
		delete(b.unreachable, userID)
		b.mu.Unlock()
		return
	}
	b.unreachable[userID] = true
	var dropped []*subscription
	for _, sub := range b.feedSubs {
		if sub.userID == userID {
			dropped = append(dropped, sub.subscription)
		}
	}
	for _, sub := range b.presenceSubs {
		if sub.userID == userID {
			dropped = append(dropped, sub.subscription)
		}
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.closeWith(ErrUnreachable)
	}
	b.logger.Debug("client cut off", "user_id", userID, "subscriptions", len(dropped))
}

// SetLatency makes probes of userID take at least d.
func (b *Backend) SetLatency(userID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency[userID] = d
}

// CreatePost publishes a new post by authorID.
func (b *Backend) CreatePost(authorID, body string) models.Post {
	b.mu.Lock()
	post := models.Post{
		ID:        uuid.NewString(),
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: b.config.Now(),
	}
	b.posts[post.ID] = post
	overflow := b.publishPostLocked(models.EventInsert, post)
	b.mu.Unlock()

	b.dropSlow(overflow)
	return post
}

func (b *Backend) reachable(userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unreachable[userID] {
		return syncerr.Transient("platform request", ErrUnreachable)
	}
	return nil
}

func (b *Backend) probe(ctx context.Context, userID string) error {
	if err := b.reachable(userID); err != nil {
		return err
	}
	b.mu.Lock()
	delay := b.latency[userID]
	b.mu.Unlock()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return syncerr.Transient("probe", ctx.Err())
	case <-timer.C:
		return b.reachable(userID)
	}
}

func (b *Backend) subscribeFeed(userID string, resource models.Resource, handler func(models.RawEvent)) (*subscription, error) {
	if err := b.reachable(userID); err != nil {
		return nil, err
	}
	switch resource {
	case models.ResourceMessages, models.ResourcePosts, models.ResourceNotifications:
	default:
		return nil, syncerr.Rejected("subscribe", fmt.Errorf("unknown resource %q", resource))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := newSubscription(id, userID, func() {
		b.mu.Lock()
		delete(b.feedSubs, id)
		b.mu.Unlock()
	})
	b.feedSubs[id] = &feedSub{subscription: sub, resource: resource, handler: handler}
	return sub, nil
}

func (b *Backend) subscribePresence(userID string, onSnapshot func([]models.PresenceRecord), onDeparture func(string, time.Time)) (*subscription, error) {
	if err := b.reachable(userID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := newSubscription(id, userID, func() { b.leave(id, userID) })
	ps := &presenceSub{subscription: sub, onSnapshot: onSnapshot, onDeparture: onDeparture}
	b.presenceSubs[id] = ps

	snapshot := make([]models.PresenceRecord, 0, len(b.presence))
	for _, record := range b.presence {
		snapshot = append(snapshot, record)
	}
	ps.deliver(func() { onSnapshot(snapshot) })
	return sub, nil
}

// leave removes a presence subscriber. The user departs once its last
// presence subscription is gone.
func (b *Backend) leave(id uint64, userID string) {
	b.mu.Lock()
	delete(b.presenceSubs, id)
	for _, sub := range b.presenceSubs {
		if sub.userID == userID {
			b.mu.Unlock()
			return
		}
	}
	delete(b.presence, userID)
	at := b.config.Now()
	var overflow []*subscription
	for _, sub := range b.presenceSubs {
		onDeparture := sub.onDeparture
		if !sub.deliver(func() { onDeparture(userID, at) }) {
			overflow = append(overflow, sub.subscription)
		}
	}
	b.mu.Unlock()
	b.dropSlow(overflow)
}

func (b *Backend) announce(userID string, record models.PresenceRecord) error {
	if err := b.reachable(userID); err != nil {
		return err
	}
	if record.UserID != userID {
		return syncerr.Rejected("announce", fmt.Errorf("cannot announce presence for %s", record.UserID))
	}
	if !record.Status.Valid() {
		return syncerr.Rejected("announce", fmt.Errorf("invalid status %q", record.Status))
	}

	b.mu.Lock()
	if current, ok := b.presence[userID]; ok && !record.Newer(current) {
		b.mu.Unlock()
		return nil
	}
	b.presence[userID] = record
	var overflow []*subscription
	snapshot := []models.PresenceRecord{record}
	for _, sub := range b.presenceSubs {
		onSnapshot := sub.onSnapshot
		if !sub.deliver(func() { onSnapshot(snapshot) }) {
			overflow = append(overflow, sub.subscription)
		}
	}
	b.mu.Unlock()
	b.dropSlow(overflow)
	return nil
}

func (b *Backend) insertMessage(userID string, msg models.Message) (models.Message, error) {
	if err := b.reachable(userID); err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != userID {
		return models.Message{}, syncerr.Rejected("insert message", fmt.Errorf("sender %s does not match session user %s", msg.SenderID, userID))
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, syncerr.Rejected("insert message", err)
	}
	if len([]rune(msg.Body)) > b.config.MaxBodyLength {
		return models.Message{}, syncerr.Rejected("insert message", fmt.Errorf("body exceeds %d characters", b.config.MaxBodyLength))
	}

	b.mu.Lock()
	if existing, ok := b.messages[msg.ID]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	msg.CreatedAt = b.config.Now()
	msg.DeliveryState = models.DeliverySent
	msg.Read = false
	b.messages[msg.ID] = msg

	overflow := b.publishMessageLocked(models.EventInsert, msg)
	overflow = append(overflow, b.notifyLocked(models.Notification{
		ID:        uuid.NewString(),
		UserID:    msg.ReceiverID,
		Kind:      models.NotificationMessage,
		ActorID:   msg.SenderID,
		CreatedAt: msg.CreatedAt,
	})...)
	b.mu.Unlock()

	b.dropSlow(overflow)
	return msg, nil
}

func (b *Backend) toggleLike(userID, postID string) (models.LikeState, error) {
	if err := b.reachable(userID); err != nil {
		return models.LikeState{}, err
	}

	b.mu.Lock()
	post, ok := b.posts[postID]
	if !ok {
		b.mu.Unlock()
		return models.LikeState{}, syncerr.Rejected("toggle like", fmt.Errorf("post %s not found", postID))
	}
	likers := b.likes[postID]
	if likers == nil {
		likers = make(map[string]struct{})
		b.likes[postID] = likers
	}
	_, liked := likers[userID]
	if liked {
		delete(likers, userID)
	} else {
		likers[userID] = struct{}{}
	}
	post.LikeCount = len(likers)
	post.UpdatedAt = b.config.Now()
	b.posts[postID] = post

	overflow := b.publishPostLocked(models.EventUpdate, post)
	if !liked && post.AuthorID != userID {
		overflow = append(overflow, b.notifyLocked(models.Notification{
			ID:        uuid.NewString(),
			UserID:    post.AuthorID,
			Kind:      models.NotificationLike,
			ActorID:   userID,
			PostID:    postID,
			CreatedAt: post.UpdatedAt,
		})...)
	}
	b.mu.Unlock()

	b.dropSlow(overflow)
	return models.LikeState{Count: post.LikeCount, Liked: !liked}, nil
}

func (b *Backend) updateReadState(userID string, ids []string) error {
	if err := b.reachable(userID); err != nil {
		return err
	}

	b.mu.Lock()
	var overflow []*subscription
	for _, id := range ids {
		msg, ok := b.messages[id]
		if !ok || msg.ReceiverID != userID || msg.Read {
			continue
		}
		msg.Read = true
		b.messages[id] = msg
		overflow = append(overflow, b.publishMessageLocked(models.EventUpdate, msg)...)
	}
	b.mu.Unlock()

	b.dropSlow(overflow)
	return nil
}

func (b *Backend) fetchThreads(userID string) ([]models.ChatThread, error) {
	if err := b.reachable(userID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	threads := make(map[string]*models.ChatThread)
	for _, msg := range b.messages {
		if msg.SenderID != userID && msg.ReceiverID != userID {
			continue
		}
		key := msg.ThreadKey()
		thread := threads[key]
		if thread == nil {
			t := models.NewThread(msg.SenderID, msg.ReceiverID)
			thread = &t
			threads[key] = thread
		}
		if msg.CreatedAt.After(thread.LastMessageAt) {
			thread.LastMessageAt = msg.CreatedAt
			thread.LastMessagePreview = models.Preview(msg.Body, 80)
		}
		if msg.ReceiverID == userID && !msg.Read {
			thread.UnreadCount++
		}
	}

	out := make([]models.ChatThread, 0, len(threads))
	for _, thread := range threads {
		out = append(out, *thread)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (b *Backend) fetchMessages(userID, peerID string, limit int) ([]models.Message, error) {
	if err := b.reachable(userID); err != nil {
		return nil, err
	}

	key := models.ThreadKey(userID, peerID)
	b.mu.Lock()
	var out []models.Message
	for _, msg := range b.messages {
		if msg.ThreadKey() == key {
			out = append(out, msg)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *Backend) fetchPosts(userID string, limit int) ([]models.Post, error) {
	if err := b.reachable(userID); err != nil {
		return nil, err
	}

	b.mu.Lock()
	out := make([]models.Post, 0, len(b.posts))
	for _, post := range b.posts {
		out = append(out, b.viewPostLocked(post, userID))
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *Backend) viewPostLocked(post models.Post, userID string) models.Post {
	_, post.LikedByMe = b.likes[post.ID][userID]
	return post
}

func (b *Backend) publishMessageLocked(eventType models.EventType, msg models.Message) []*subscription {
	raw, err := models.EncodeEvent(eventType, models.ResourceMessages, msg)
	if err != nil {
		b.logger.Error("encode message event", "error", err)
		return nil
	}
	return b.publishLocked(models.ResourceMessages, func(userID string) (models.RawEvent, bool) {
		return raw, userID == msg.SenderID || userID == msg.ReceiverID
	})
}

func (b *Backend) publishPostLocked(eventType models.EventType, post models.Post) []*subscription {
	return b.publishLocked(models.ResourcePosts, func(userID string) (models.RawEvent, bool) {
		raw, err := models.EncodeEvent(eventType, models.ResourcePosts, b.viewPostLocked(post, userID))
		if err != nil {
			b.logger.Error("encode post event", "error", err)
			return models.RawEvent{}, false
		}
		return raw, true
	})
}

func (b *Backend) notifyLocked(n models.Notification) []*subscription {
	b.notifications[n.ID] = n
	raw, err := models.EncodeEvent(models.EventInsert, models.ResourceNotifications, n)
	if err != nil {
		b.logger.Error("encode notification event", "error", err)
		return nil
	}
	return b.publishLocked(models.ResourceNotifications, func(userID string) (models.RawEvent, bool) {
		return raw, userID == n.UserID
	})
}

// publishLocked queues the event for every matching subscriber and returns
// the subscribers whose queues overflowed.
func (b *Backend) publishLocked(resource models.Resource, render func(userID string) (models.RawEvent, bool)) []*subscription {
	var overflow []*subscription
	for _, sub := range b.feedSubs {
		if sub.resource != resource {
			continue
		}
		raw, ok := render(sub.userID)
		if !ok {
			continue
		}
		handler := sub.handler
		if !sub.deliver(func() { handler(raw) }) {
			overflow = append(overflow, sub.subscription)
		}
	}
	return overflow
}

func (b *Backend) dropSlow(subs []*subscription) {
	for _, sub := range subs {
		b.logger.Warn("dropping slow subscriber", "user_id", sub.userID)
		sub.closeWith(errSlowConsumer)
	}
}
