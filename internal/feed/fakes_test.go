package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/chatsync/internal/connection"
	"github.com/haasonsaas/chatsync/pkg/models"
)

type fakeSub struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFakeSub() *fakeSub { return &fakeSub{done: make(chan struct{})} }

func (s *fakeSub) Done() <-chan struct{} { return s.done }
func (s *fakeSub) Err() error            { return s.err }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSub) drop(err error) {
	s.err = err
	s.once.Do(func() { close(s.done) })
}

type fakeFeed struct {
	mu       sync.Mutex
	handlers map[models.Resource]func(models.RawEvent)
	subs     map[models.Resource]*fakeSub
	opened   map[models.Resource]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		handlers: make(map[models.Resource]func(models.RawEvent)),
		subs:     make(map[models.Resource]*fakeSub),
		opened:   make(map[models.Resource]int),
	}
}

func (f *fakeFeed) Subscribe(_ context.Context, resource models.Resource, onEvent func(models.RawEvent)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := newFakeSub()
	f.handlers[resource] = onEvent
	f.subs[resource] = sub
	f.opened[resource]++
	return sub, nil
}

func (f *fakeFeed) push(t *testing.T, resource models.Resource, eventType models.EventType, entity models.Entity) {
	t.Helper()
	var raw models.RawEvent
	var err error
	switch e := entity.(type) {
	case models.Message:
		raw, err = models.EncodeEvent(eventType, resource, e)
	case models.Post:
		raw, err = models.EncodeEvent(eventType, resource, e)
	case models.Notification:
		raw, err = models.EncodeEvent(eventType, resource, e)
	}
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	f.pushRaw(resource, raw)
}

func (f *fakeFeed) pushRaw(resource models.Resource, raw models.RawEvent) {
	f.mu.Lock()
	handler := f.handlers[resource]
	f.mu.Unlock()
	if handler != nil {
		handler(raw)
	}
}

func (f *fakeFeed) openedCount(resource models.Resource) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[resource]
}

func (f *fakeFeed) sub(resource models.Resource) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[resource]
}

type fakeWriter struct {
	mu         sync.Mutex
	insert     func(call int, msg models.Message) (models.Message, error)
	inserts    int
	like       func(postID string) (models.LikeState, error)
	readErr    error
	readBatchs [][]string
}

func (w *fakeWriter) InsertMessage(_ context.Context, msg models.Message) (models.Message, error) {
	w.mu.Lock()
	w.inserts++
	call := w.inserts
	fn := w.insert
	w.mu.Unlock()
	if fn == nil {
		return msg, nil
	}
	return fn(call, msg)
}

func (w *fakeWriter) ToggleLike(_ context.Context, postID, _ string) (models.LikeState, error) {
	if w.like == nil {
		return models.LikeState{}, errors.New("not configured")
	}
	return w.like(postID)
}

func (w *fakeWriter) UpdateReadState(_ context.Context, ids []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readBatchs = append(w.readBatchs, append([]string(nil), ids...))
	return w.readErr
}

func (w *fakeWriter) insertCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inserts
}

type fakeFetcher struct {
	mu       sync.Mutex
	threads  []models.ChatThread
	messages map[string][]models.Message
	posts    []models.Post
	gate     chan struct{}
	entered  chan struct{}
	err      error
	pulls    int
}

func (f *fakeFetcher) FetchThreads(ctx context.Context, _ string) ([]models.ChatThread, error) {
	f.mu.Lock()
	f.pulls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatThread(nil), f.threads...), f.err
}

func (f *fakeFetcher) FetchMessages(_ context.Context, _, peerID string, _ int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.messages[peerID]...), nil
}

func (f *fakeFetcher) FetchPosts(context.Context, int) ([]models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Post(nil), f.posts...), nil
}

func (f *fakeFetcher) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

type fakeConn struct {
	mu        sync.Mutex
	state     models.ConnectionState
	listeners map[int]connection.Listener
	nextID    int
	forced    int
}

func newFakeConn(connected bool) *fakeConn {
	c := &fakeConn{state: models.OfflineState(true), listeners: make(map[int]connection.Listener)}
	if connected {
		c.state = models.ConnectionState{IsOnline: true, IsConnected: true, Quality: models.QualityExcellent}
	}
	return c
}

func (c *fakeConn) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Subscribe(fn connection.Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConn) ForceReconnect() {
	c.mu.Lock()
	c.forced++
	c.mu.Unlock()
}

func (c *fakeConn) forcedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}

func (c *fakeConn) WaitConnected(ctx context.Context) error {
	for {
		if c.State().IsConnected {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *fakeConn) set(next models.ConnectionState) {
	c.mu.Lock()
	prev := c.state
	c.state = next
	listeners := make([]connection.Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(prev, next)
	}
}

type fakeOutbox struct {
	mu    sync.Mutex
	saved map[string]models.Message
}

func newFakeOutbox(msgs ...models.Message) *fakeOutbox {
	o := &fakeOutbox{saved: make(map[string]models.Message)}
	for _, msg := range msgs {
		o.saved[msg.ID] = msg
	}
	return o
}

func (o *fakeOutbox) Save(_ context.Context, msg models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saved[msg.ID] = msg
	return nil
}

func (o *fakeOutbox) Delete(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.saved, id)
	return nil
}

func (o *fakeOutbox) Load(_ context.Context, senderID string) ([]models.Message, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []models.Message
	for _, msg := range o.saved {
		if msg.SenderID == senderID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (o *fakeOutbox) get(id string) (models.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg, ok := o.saved[id]
	return msg, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func inbound(id string, at time.Duration, body string) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   "bob",
		ReceiverID: "alice",
		Body:       body,
		CreatedAt:  t0.Add(at),
	}
}
