// Package feed keeps the local chats, messages, posts and notifications in
// step with the remote platform's change feed and drives outbound sends.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/chatsync/internal/cache"
	"github.com/haasonsaas/chatsync/internal/observability"
	"github.com/haasonsaas/chatsync/internal/optimistic"
	"github.com/haasonsaas/chatsync/internal/syncerr"
	"github.com/haasonsaas/chatsync/pkg/models"
)

const (
	likeKeyPrefix = "likes:"
	pageKeyPrefix = "messages:"
)

// ChangeKind names what part of the local state changed.
type ChangeKind string

const (
	ChangeMessage      ChangeKind = "message"
	ChangeThread       ChangeKind = "thread"
	ChangePost         ChangeKind = "post"
	ChangeLike         ChangeKind = "like"
	ChangeNotification ChangeKind = "notification"
	ChangeResync       ChangeKind = "resync"
)

// Change is delivered to OnChange listeners after local state was updated.
type Change struct {
	Kind      ChangeKind
	ID        string
	ThreadKey string
}

// Config configures a Synchronizer.
type Config struct {
	// UserID is the local user.
	UserID string

	// SendRetryDelay is the pause before the single send retry.
	SendRetryDelay time.Duration

	// OfflineRetryWait bounds how long a retry waits for the connection.
	OfflineRetryWait time.Duration

	// ReconcileInterval is the polling period while the link is healthy;
	// DegradedReconcileInterval applies while it is poor or offline.
	ReconcileInterval         time.Duration
	DegradedReconcileInterval time.Duration

	// ResubscribeMaxDelay caps the backoff between resubscribe attempts.
	ResubscribeMaxDelay time.Duration

	MessagePageSize   int
	PostPageSize      int
	NotificationLimit int
	PreviewLength     int

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Now     func() time.Time
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		SendRetryDelay:            2 * time.Second,
		OfflineRetryWait:          2 * time.Minute,
		ReconcileInterval:         30 * time.Second,
		DegradedReconcileInterval: 2 * time.Minute,
		ResubscribeMaxDelay:       30 * time.Second,
		MessagePageSize:           50,
		PostPageSize:              50,
		NotificationLimit:         200,
		PreviewLength:             80,
	}
}

// Deps are the collaborators of a Synchronizer. Feed and Writer are
// required; the rest are optional.
type Deps struct {
	Feed    ChangeFeed
	Writer  RemoteWriter
	Fetcher Fetcher
	Conn    Connectivity
	Outbox  Outbox

	// Pages caches reconciled message pages per thread.
	Pages *cache.Cache[[]models.Message]

	// Likes coordinates optimistic like toggles. One is created when nil.
	Likes *optimistic.Coordinator[models.LikeState]
}

// Synchronizer owns the local collections fed by the change feed.
type Synchronizer struct {
	config Config
	deps   Deps
	logger *slog.Logger
	store  *store
	likes  *optimistic.Coordinator[models.LikeState]

	resyncMu sync.Mutex
	resyncCh chan resyncRequest
	retime   chan struct{}

	mu        sync.Mutex
	running   bool
	epoch     uint64
	ctx       context.Context
	cancel    context.CancelFunc
	loopDone  chan struct{}
	subs      map[models.Resource]Subscription
	buffering int
	buffer    []models.RawEvent
	unwatch   func()
	listeners map[uint64]func(Change)
	nextID    uint64
	wg        sync.WaitGroup
}

// New creates a synchronizer. Zero config fields take their defaults.
func New(deps Deps, config Config) *Synchronizer {
	defaults := DefaultConfig()
	if config.SendRetryDelay <= 0 {
		config.SendRetryDelay = defaults.SendRetryDelay
	}
	if config.OfflineRetryWait <= 0 {
		config.OfflineRetryWait = defaults.OfflineRetryWait
	}
	if config.ReconcileInterval <= 0 {
		config.ReconcileInterval = defaults.ReconcileInterval
	}
	if config.DegradedReconcileInterval <= 0 {
		config.DegradedReconcileInterval = defaults.DegradedReconcileInterval
	}
	if config.ResubscribeMaxDelay <= 0 {
		config.ResubscribeMaxDelay = defaults.ResubscribeMaxDelay
	}
	if config.MessagePageSize <= 0 {
		config.MessagePageSize = defaults.MessagePageSize
	}
	if config.PostPageSize <= 0 {
		config.PostPageSize = defaults.PostPageSize
	}
	if config.NotificationLimit <= 0 {
		config.NotificationLimit = defaults.NotificationLimit
	}
	if config.PreviewLength <= 0 {
		config.PreviewLength = defaults.PreviewLength
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "feed", "user_id", config.UserID)

	likes := deps.Likes
	if likes == nil {
		likes = optimistic.New(optimistic.Options[models.LikeState]{
			Logger:  logger,
			Metrics: config.Metrics,
			Tracer:  config.Tracer,
		})
	}

	s := &Synchronizer{
		config:    config,
		deps:      deps,
		logger:    logger,
		store:     newStore(config.UserID, config.PreviewLength, config.NotificationLimit, 24*time.Hour, config.Now),
		likes:     likes,
		resyncCh:  make(chan resyncRequest, 1),
		retime:    make(chan struct{}, 1),
		subs:      make(map[models.Resource]Subscription),
		listeners: make(map[uint64]func(Change)),
	}

	likes.Subscribe(func(key string, view optimistic.View[models.LikeState]) {
		postID, ok := strings.CutPrefix(key, likeKeyPrefix)
		if ok && s.store.setLike(postID, view.Value) {
			s.emit(Change{Kind: ChangeLike, ID: postID})
		}
	})
	return s
}

// Subscribe restores the outbox, opens one push subscription per resource,
// performs the initial reconciliation pull and starts periodic polling.
func (s *Synchronizer) Subscribe(ctx context.Context) error {
	if s.deps.Feed == nil || s.deps.Writer == nil {
		return errors.New("feed: change feed and remote writer are required")
	}
	if s.config.UserID == "" {
		return errors.New("feed: user id is required")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.epoch++
	epoch := s.epoch
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	loopCtx := s.ctx
	s.loopDone = make(chan struct{})
	done := s.loopDone
	s.mu.Unlock()

	s.restoreOutbox(ctx, loopCtx, epoch)
	for _, resource := range models.Resources() {
		s.open(loopCtx, epoch, resource)
	}

	if s.deps.Conn != nil {
		unwatch := s.deps.Conn.Subscribe(func(prev, next models.ConnectionState) {
			if !prev.IsConnected && next.IsConnected {
				s.requestResync(epoch, "reconnect")
			}
			if prev.Degraded() != next.Degraded() {
				select {
				case s.retime <- struct{}{}:
				default:
				}
			}
		})
		s.mu.Lock()
		s.unwatch = unwatch
		s.mu.Unlock()
	}

	if err := s.resync(ctx, epoch, "initial"); err != nil {
		s.logger.Warn("initial reconciliation failed, continuing with local state", "error", err)
	}

	go s.reconcileLoop(loopCtx, epoch, done)
	s.logger.Info("change feed subscribed", "resources", len(models.Resources()))
	return nil
}

// Unsubscribe closes all subscriptions and timers. Results of work started
// before the call are discarded.
func (s *Synchronizer) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.epoch++
	s.buffering = 0
	s.buffer = nil
	select {
	case <-s.resyncCh:
	default:
	}
	cancel, unwatch, done := s.cancel, s.unwatch, s.loopDone
	subs := s.subs
	s.subs = make(map[models.Resource]Subscription)
	s.unwatch = nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	cancel()
	for resource, sub := range subs {
		if err := sub.Close(); err != nil {
			s.logger.Debug("closing subscription", "resource", resource, "error", err)
		}
	}

	finished := make(chan struct{})
	go func() {
		<-done
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("change feed unsubscribed")
	return nil
}

// OnChange registers fn for local state changes and returns a function that
// removes it. Listeners must not block.
func (s *Synchronizer) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Threads returns all threads, most recent first.
func (s *Synchronizer) Threads() []models.ChatThread {
	return s.store.threadsSnapshot()
}

// Thread returns the thread with peerID.
func (s *Synchronizer) Thread(peerID string) (models.ChatThread, bool) {
	return s.store.thread(models.ThreadKey(s.config.UserID, peerID))
}

// Messages returns the conversation with peerID sorted by CreatedAt. When
// nothing is loaded locally the last reconciled page is served from cache.
func (s *Synchronizer) Messages(peerID string) []models.Message {
	key := models.ThreadKey(s.config.UserID, peerID)
	if list := s.store.threadMessages(key); len(list) > 0 {
		return list
	}
	if s.deps.Pages != nil {
		if page, ok := s.deps.Pages.Get(pageKeyPrefix + key); ok {
			return append([]models.Message(nil), page...)
		}
	}
	return nil
}

// Message returns one message by id.
func (s *Synchronizer) Message(id string) (models.Message, bool) {
	return s.store.message(id)
}

// Posts returns all posts, newest first.
func (s *Synchronizer) Posts() []models.Post {
	return s.store.postsSnapshot()
}

// Post returns one post by id.
func (s *Synchronizer) Post(id string) (models.Post, bool) {
	return s.store.post(id)
}

// Notifications returns the bounded notification list, newest first.
func (s *Synchronizer) Notifications() []models.Notification {
	return s.store.notificationsSnapshot()
}

// SetActiveThread marks the thread with peerID as viewed: its unread count
// drops to zero and its messages are marked read, locally at once and
// remotely in one best-effort batch. An empty peerID clears the active thread.
func (s *Synchronizer) SetActiveThread(ctx context.Context, peerID string) {
	key := ""
	if peerID != "" {
		key = models.ThreadKey(s.config.UserID, peerID)
	}
	ids := s.store.setActive(key)
	if key == "" {
		return
	}
	s.emit(Change{Kind: ChangeThread, ThreadKey: key})

	if len(ids) == 0 {
		return
	}
	if err := s.deps.Writer.UpdateReadState(ctx, ids); err != nil {
		s.logger.Warn("read state update failed", "thread", key, "messages", len(ids), "error", err)
	}
}

// ToggleLike flips the local user's like on a post optimistically. The
// returned channel reports the server's answer.
func (s *Synchronizer) ToggleLike(ctx context.Context, postID string) (<-chan optimistic.Outcome[models.LikeState], error) {
	post, ok := s.store.post(postID)
	if !ok {
		return nil, fmt.Errorf("feed: unknown post %q", postID)
	}
	current := models.LikeState{Count: post.LikeCount, Liked: post.LikedByMe}
	return s.likes.Apply(ctx, likeKeyPrefix+postID, current, current.Toggled(),
		func(ctx context.Context, _ models.LikeState) (models.LikeState, error) {
			return s.deps.Writer.ToggleLike(ctx, postID, s.config.UserID)
		},
	), nil
}

// open starts the push subscription for resource, falling back to the
// resubscribe loop when it cannot be opened.
func (s *Synchronizer) open(ctx context.Context, epoch uint64, resource models.Resource) bool {
	sub, err := s.deps.Feed.Subscribe(ctx, resource, func(raw models.RawEvent) {
		s.handle(epoch, resource, raw)
	})
	if err != nil {
		s.logger.Warn("subscribe failed", "resource", resource, "error", err)
		s.background(func() { s.resubscribe(ctx, epoch, resource) })
		return false
	}

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		_ = sub.Close()
		return false
	}
	s.subs[resource] = sub
	s.mu.Unlock()

	s.background(func() { s.watch(ctx, epoch, resource, sub) })
	return true
}

// watch turns an unexpected end of sub into a resubscribe.
func (s *Synchronizer) watch(ctx context.Context, epoch uint64, resource models.Resource, sub Subscription) {
	select {
	case <-ctx.Done():
		return
	case <-sub.Done():
	}
	if ctx.Err() != nil || s.stale(epoch) {
		return
	}

	err := syncerr.SubscriptionDropped(string(resource), sub.Err())
	s.config.Metrics.SubscriptionDropped(resource)
	s.logger.Warn("subscription dropped", "resource", resource, "error", err)

	s.mu.Lock()
	if s.subs[resource] == sub {
		delete(s.subs, resource)
	}
	s.mu.Unlock()

	s.resubscribe(ctx, epoch, resource)
}

// handle receives raw events from a transport. Events are buffered while a
// reconciliation pull is running.
func (s *Synchronizer) handle(epoch uint64, resource models.Resource, raw models.RawEvent) {
	if raw.Resource == "" {
		raw.Resource = resource
	}
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = s.config.Now()
	}

	s.mu.Lock()
	if epoch != s.epoch || !s.running {
		s.mu.Unlock()
		return
	}
	if s.buffering > 0 {
		s.buffer = append(s.buffer, raw)
		s.mu.Unlock()
		s.config.Metrics.FeedEvent(raw.Resource, raw.Type, "buffered")
		return
	}
	s.mu.Unlock()

	s.apply(raw)
}

// apply decodes raw into a typed event and folds it into the store.
func (s *Synchronizer) apply(raw models.RawEvent) {
	var (
		result applyResult
		change Change
		err    error
	)

	switch raw.Resource {
	case models.ResourceMessages:
		var event models.ChangeEvent[models.Message]
		event, err = models.DecodeEvent[models.Message](raw)
		if err == nil {
			err = s.checkMessage(event)
		}
		if err == nil {
			result = s.store.applyMessage(event.Type, event.Entity)
			change = Change{Kind: ChangeMessage, ID: event.Entity.ID, ThreadKey: event.Entity.ThreadKey()}
		}

	case models.ResourcePosts:
		var event models.ChangeEvent[models.Post]
		event, err = models.DecodeEvent[models.Post](raw)
		if err == nil {
			result = s.store.applyPost(event.Type, event.Entity)
			change = Change{Kind: ChangePost, ID: event.Entity.ID}
		}

	case models.ResourceNotifications:
		var event models.ChangeEvent[models.Notification]
		event, err = models.DecodeEvent[models.Notification](raw)
		if err == nil {
			result = s.store.applyNotification(event.Type, event.Entity)
			change = Change{Kind: ChangeNotification, ID: event.Entity.ID}
		}

	default:
		err = fmt.Errorf("unknown resource %q", raw.Resource)
	}

	if err != nil {
		s.config.Metrics.FeedEvent(raw.Resource, raw.Type, "invalid")
		s.logger.Warn("dropping invalid feed event", "resource", raw.Resource, "type", raw.Type, "error", err)
		return
	}

	s.config.Metrics.FeedEvent(raw.Resource, raw.Type, result.String())
	if result == resultApplied {
		s.emit(change)
	}
}

func (s *Synchronizer) checkMessage(event models.ChangeEvent[models.Message]) error {
	msg := event.Entity
	if msg.SenderID != s.config.UserID && msg.ReceiverID != s.config.UserID {
		return fmt.Errorf("message %s does not involve %s", msg.ID, s.config.UserID)
	}
	if event.Type == models.EventDelete {
		return nil
	}
	return msg.Validate()
}

func (s *Synchronizer) emit(change Change) {
	s.mu.Lock()
	listeners := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(change)
	}
}

func (s *Synchronizer) background(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Synchronizer) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Synchronizer) stale(epoch uint64) bool {
	return s.currentEpoch() != epoch
}

func (s *Synchronizer) connected() bool {
	return s.deps.Conn == nil || s.deps.Conn.State().IsConnected
}

func (s *Synchronizer) waitConnected(ctx context.Context) error {
	if s.deps.Conn == nil {
		return ctx.Err()
	}
	return s.deps.Conn.WaitConnected(ctx)
}
