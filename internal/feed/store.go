package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/chatsync/internal/cache"
	"github.com/haasonsaas/chatsync/pkg/models"
)

// applyResult says what an inbound change did to the local collections.
type applyResult int

const (
	resultApplied applyResult = iota
	resultDuplicate
	resultIgnored
)

func (r applyResult) String() string {
	switch r {
	case resultApplied:
		return "applied"
	case resultDuplicate:
		return "duplicate"
	default:
		return "ignored"
	}
}

// store holds the local collections. Messages are kept per thread sorted by
// CreatedAt, and every collection is keyed by entity id.
type store struct {
	mu sync.RWMutex

	local         string
	previewLength int

	threads  map[string]*models.ChatThread
	messages map[string][]models.Message
	// index maps message id to its thread key.
	index  map[string]string
	active string

	posts map[string]models.Post

	notifications     []models.Notification
	notificationIndex map[string]struct{}
	notificationLimit int
	notificationSeen  *cache.DedupeCache
}

func newStore(local string, previewLength, notificationLimit int, seenTTL time.Duration, now func() time.Time) *store {
	return &store{
		local:             local,
		previewLength:     previewLength,
		threads:           make(map[string]*models.ChatThread),
		messages:          make(map[string][]models.Message),
		index:             make(map[string]string),
		posts:             make(map[string]models.Post),
		notificationIndex: make(map[string]struct{}),
		notificationLimit: notificationLimit,
		notificationSeen: cache.NewDedupeCache(cache.DedupeCacheOptions{
			TTL:     seenTTL,
			MaxSize: notificationLimit * 10,
			Now:     now,
		}),
	}
}

// applyMessage folds a message event into its thread.
func (s *store) applyMessage(eventType models.EventType, msg models.Message) applyResult {
	if msg.DeliveryState == "" {
		msg.DeliveryState = models.DeliverySent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch eventType {
	case models.EventDelete:
		if !s.removeMessageLocked(msg.ID) {
			return resultIgnored
		}
		return resultApplied

	case models.EventUpdate:
		if _, ok := s.index[msg.ID]; !ok {
			s.insertMessageLocked(msg)
			return resultApplied
		}
		return s.updateMessageLocked(msg)

	default:
		if _, ok := s.index[msg.ID]; ok {
			// The server echo of our own pending send confirms it.
			if existing, _ := s.findLocked(msg.ID); existing.DeliveryState != models.DeliverySent && existing.SenderID == s.local {
				s.setDeliveryLocked(msg.ID, models.DeliverySent)
			}
			return resultDuplicate
		}
		s.insertMessageLocked(msg)
		return resultApplied
	}
}

// insertLocal adds an outbound message created on this client.
func (s *store) insertLocal(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[msg.ID]; ok {
		return
	}
	s.insertMessageLocked(msg)
}

func (s *store) insertMessageLocked(msg models.Message) {
	key := msg.ThreadKey()
	list := s.messages[key]

	// Arrival order, unless the message is older than the tail.
	pos := len(list)
	if pos > 0 && msg.CreatedAt.Before(list[pos-1].CreatedAt) {
		pos = sort.Search(len(list), func(i int) bool {
			return list[i].CreatedAt.After(msg.CreatedAt)
		})
	}
	list = append(list, models.Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	s.messages[key] = list
	s.index[msg.ID] = key

	thread := s.threadLocked(msg.SenderID, msg.ReceiverID)
	if !msg.CreatedAt.Before(thread.LastMessageAt) {
		thread.LastMessagePreview = models.Preview(msg.Body, s.previewLength)
		thread.LastMessageAt = msg.CreatedAt
	}
	if s.countsAsUnread(msg) && s.active != key {
		thread.UnreadCount++
	}
}

func (s *store) updateMessageLocked(msg models.Message) applyResult {
	key := s.index[msg.ID]
	list := s.messages[key]
	for i := range list {
		if list[i].ID != msg.ID {
			continue
		}
		existing := list[i]
		if existing.DeliveryState == models.DeliverySent {
			// Sent messages only change their read flag, and a message read
			// here stays read even when the server has not caught up.
			if existing.Read || !msg.Read {
				return resultDuplicate
			}
			if s.countsAsUnread(existing) && s.active != key {
				s.decrementUnreadLocked(key)
			}
			list[i].Read = true
			return resultApplied
		}
		msg.DeliveryState = models.DeliverySent
		msg.Read = msg.Read || existing.Read
		list[i] = msg
		if !msg.CreatedAt.Equal(existing.CreatedAt) {
			s.repositionLocked(key, i, existing.CreatedAt)
		}
		return resultApplied
	}
	return resultIgnored
}

// repositionLocked moves the message at i, whose timestamp changed from
// previous, back into CreatedAt order and refreshes the thread preview.
func (s *store) repositionLocked(key string, i int, previous time.Time) {
	list := s.messages[key]
	msg := list[i]
	list = append(list[:i], list[i+1:]...)
	pos := sort.Search(len(list), func(j int) bool {
		return list[j].CreatedAt.After(msg.CreatedAt)
	})
	list = append(list, models.Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	s.messages[key] = list

	thread, ok := s.threads[key]
	if !ok {
		return
	}
	tail := list[len(list)-1]
	if thread.LastMessageAt.Equal(previous) || !tail.CreatedAt.Before(thread.LastMessageAt) {
		thread.LastMessagePreview = models.Preview(tail.Body, s.previewLength)
		thread.LastMessageAt = tail.CreatedAt
	}
}

func (s *store) removeMessageLocked(id string) bool {
	key, ok := s.index[id]
	if !ok {
		return false
	}
	list := s.messages[key]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		removed := list[i]
		list = append(list[:i], list[i+1:]...)
		s.messages[key] = list
		delete(s.index, id)

		if s.countsAsUnread(removed) && s.active != key {
			s.decrementUnreadLocked(key)
		}
		if thread, ok := s.threads[key]; ok {
			if len(list) == 0 {
				thread.LastMessagePreview = ""
				thread.LastMessageAt = time.Time{}
			} else {
				last := list[len(list)-1]
				thread.LastMessagePreview = models.Preview(last.Body, s.previewLength)
				thread.LastMessageAt = last.CreatedAt
			}
		}
		return true
	}
	return false
}

func (s *store) countsAsUnread(msg models.Message) bool {
	return msg.ReceiverID == s.local && !msg.Read
}

func (s *store) decrementUnreadLocked(key string) {
	if thread, ok := s.threads[key]; ok && thread.UnreadCount > 0 {
		thread.UnreadCount--
	}
}

// threadLocked returns the thread for a pair, creating it on first use.
func (s *store) threadLocked(a, b string) *models.ChatThread {
	key := models.ThreadKey(a, b)
	thread, ok := s.threads[key]
	if !ok {
		created := models.NewThread(a, b)
		thread = &created
		s.threads[key] = thread
	}
	return thread
}

func (s *store) findLocked(id string) (models.Message, bool) {
	key, ok := s.index[id]
	if !ok {
		return models.Message{}, false
	}
	for _, msg := range s.messages[key] {
		if msg.ID == id {
			return msg, true
		}
	}
	return models.Message{}, false
}

func (s *store) setDeliveryLocked(id string, state models.DeliveryState) bool {
	key, ok := s.index[id]
	if !ok {
		return false
	}
	list := s.messages[key]
	for i := range list {
		if list[i].ID == id {
			list[i].DeliveryState = state
			return true
		}
	}
	return false
}

// message returns a copy of the message with id.
func (s *store) message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(id)
}

// markSent records a confirmed send. The server copy may carry its own
// timestamp, in which case the message moves to its sorted position; the
// client id is kept.
func (s *store) markSent(id string, confirmed models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.index[id]
	if !ok {
		return
	}
	list := s.messages[key]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		list[i].DeliveryState = models.DeliverySent
		previous := list[i].CreatedAt
		if !confirmed.CreatedAt.IsZero() && !confirmed.CreatedAt.Equal(previous) {
			list[i].CreatedAt = confirmed.CreatedAt
			s.repositionLocked(key, i, previous)
		}
		return
	}
}

// markFailed flags a message that could not be delivered. A message already
// confirmed by its echo stays sent.
func (s *store) markFailed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.findLocked(id)
	if !ok || msg.DeliveryState == models.DeliverySent {
		return false
	}
	return s.setDeliveryLocked(id, models.DeliveryFailed)
}

// markPending moves a failed message back into the send pipeline.
func (s *store) markPending(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.findLocked(id)
	if !ok || msg.DeliveryState != models.DeliveryFailed {
		return models.Message{}, false
	}
	s.setDeliveryLocked(id, models.DeliveryPending)
	msg.DeliveryState = models.DeliveryPending
	return msg, true
}

// discard removes a message that never reached the server.
func (s *store) discard(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.findLocked(id)
	if !ok || msg.DeliveryState != models.DeliveryFailed {
		return false
	}
	return s.removeMessageLocked(id)
}

// setActive makes the thread with key the active one, clears its unread
// count and returns the ids of the messages it marked read.
func (s *store) setActive(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = key
	if key == "" {
		return nil
	}

	var ids []string
	list := s.messages[key]
	for i := range list {
		if s.countsAsUnread(list[i]) {
			list[i].Read = true
			ids = append(ids, list[i].ID)
		}
	}
	if thread, ok := s.threads[key]; ok {
		thread.UnreadCount = 0
	}
	return ids
}

func (s *store) activeKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// mergeThread folds a thread from a reconciliation pull into local state.
// page is the message page pulled with it and must already be merged. Read
// state of loaded messages is local; the server's count only adds the unread
// messages beyond the page.
func (s *store) mergeThread(remote models.ChatThread, page []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.threadLocked(remote.Participants[0], remote.Participants[1])
	if remote.LastMessageAt.After(thread.LastMessageAt) {
		thread.LastMessagePreview = models.Preview(remote.LastMessagePreview, s.previewLength)
		thread.LastMessageAt = remote.LastMessageAt
	}
	if s.active == thread.ID {
		return
	}

	pageUnread := 0
	for _, msg := range page {
		if s.countsAsUnread(msg) {
			pageUnread++
		}
	}
	local := 0
	for _, msg := range s.messages[thread.ID] {
		if s.countsAsUnread(msg) {
			local++
		}
	}
	thread.UnreadCount = local + max(remote.UnreadCount-pageUnread, 0)
}

func (s *store) threadsSnapshot() []models.ChatThread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChatThread, 0, len(s.threads))
	for _, thread := range s.threads {
		out = append(out, *thread)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *store) thread(key string) (models.ChatThread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[key]
	if !ok {
		return models.ChatThread{}, false
	}
	return *thread, true
}

func (s *store) threadMessages(key string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.messages[key]...)
}

// outbound returns the messages from the local user that are not yet sent.
func (s *store) outbound() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, list := range s.messages {
		for _, msg := range list {
			if msg.SenderID == s.local && msg.DeliveryState != models.DeliverySent {
				out = append(out, msg)
			}
		}
	}
	return out
}

func (s *store) applyPost(eventType models.EventType, post models.Post) applyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.posts[post.ID]
	switch eventType {
	case models.EventDelete:
		if !ok {
			return resultIgnored
		}
		delete(s.posts, post.ID)
		return resultApplied
	case models.EventUpdate:
		if ok && post.EntityTimestamp().Before(existing.EntityTimestamp()) {
			return resultIgnored
		}
		s.posts[post.ID] = post
		return resultApplied
	default:
		if ok {
			return resultDuplicate
		}
		s.posts[post.ID] = post
		return resultApplied
	}
}

// mergePost folds a post from a reconciliation pull, keeping the newer copy.
func (s *store) mergePost(post models.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.posts[post.ID]; ok && post.EntityTimestamp().Before(existing.EntityTimestamp()) {
		return
	}
	s.posts[post.ID] = post
}

func (s *store) post(id string) (models.Post, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	post, ok := s.posts[id]
	return post, ok
}

func (s *store) setLike(postID string, like models.LikeState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	post, ok := s.posts[postID]
	if !ok {
		return false
	}
	post.LikeCount = like.Count
	post.LikedByMe = like.Liked
	s.posts[postID] = post
	return true
}

func (s *store) postsSnapshot() []models.Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Post, 0, len(s.posts))
	for _, post := range s.posts {
		out = append(out, post)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *store) applyNotification(eventType models.EventType, n models.Notification) applyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.notificationIndex[n.ID]
	switch eventType {
	case models.EventDelete:
		if !ok {
			return resultIgnored
		}
		s.removeNotificationLocked(n.ID)
		return resultApplied
	case models.EventUpdate:
		if !ok {
			return resultIgnored
		}
		for i := range s.notifications {
			if s.notifications[i].ID == n.ID {
				s.notifications[i] = n
			}
		}
		return resultApplied
	default:
		// The seen set outlives the bounded list, so redeliveries of
		// notifications already trimmed are still dropped.
		if ok || s.notificationSeen.Check(cache.EventKey(string(models.ResourceNotifications), n.ID)) {
			return resultDuplicate
		}
		pos := sort.Search(len(s.notifications), func(i int) bool {
			return !s.notifications[i].CreatedAt.After(n.CreatedAt)
		})
		s.notifications = append(s.notifications, models.Notification{})
		copy(s.notifications[pos+1:], s.notifications[pos:])
		s.notifications[pos] = n
		s.notificationIndex[n.ID] = struct{}{}

		for s.notificationLimit > 0 && len(s.notifications) > s.notificationLimit {
			oldest := s.notifications[len(s.notifications)-1]
			s.notifications = s.notifications[:len(s.notifications)-1]
			delete(s.notificationIndex, oldest.ID)
		}
		return resultApplied
	}
}

func (s *store) removeNotificationLocked(id string) {
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			break
		}
	}
	delete(s.notificationIndex, id)
}

func (s *store) notificationsSnapshot() []models.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Notification(nil), s.notifications...)
}
