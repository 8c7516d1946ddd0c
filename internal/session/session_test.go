package session

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/chatsync/internal/config"
	"github.com/haasonsaas/chatsync/internal/connection"
	"github.com/haasonsaas/chatsync/internal/feed"
	"github.com/haasonsaas/chatsync/internal/platform/memory"
	"github.com/haasonsaas/chatsync/internal/presence"
	"github.com/haasonsaas/chatsync/pkg/models"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig(userID string) Config {
	return Config{
		UserID:      userID,
		DisplayName: userID,
		Connection: connection.Config{
			Interval:     50 * time.Millisecond,
			ProbeTimeout: time.Second,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     50 * time.Millisecond,
			MaxAttempts:  3,
		},
		Feed: feed.Config{
			SendRetryDelay:    5 * time.Millisecond,
			OfflineRetryWait:  2 * time.Second,
			ReconcileInterval: time.Second,
		},
		Presence: presence.Config{
			HeartbeatInterval: 50 * time.Millisecond,
			IdleTimeout:       time.Minute,
		},
		Logger: quietLogger(),
	}
}

func newSession(t *testing.T, backend *memory.Backend, userID string) *Session {
	t.Helper()
	client := backend.Client(userID)
	s, err := New(Deps{Platform: client, Presence: client.Presence()}, testConfig(userID))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestNewRequiresDependencies(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	client := backend.Client("alice")

	if _, err := New(Deps{Presence: client.Presence()}, testConfig("alice")); err == nil {
		t.Error("expected error without platform")
	}
	if _, err := New(Deps{Platform: client}, testConfig("alice")); err == nil {
		t.Error("expected error without presence")
	}
	if _, err := New(Deps{Platform: client, Presence: client.Presence()}, Config{}); err == nil {
		t.Error("expected error without user")
	}
}

func TestMessageReachesPeer(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	alice := newSession(t, backend, "alice")
	bob := newSession(t, backend, "bob")

	ctx := context.Background()
	if err := alice.Start(ctx); err != nil {
		t.Fatalf("alice Start() error = %v", err)
	}
	if err := bob.Start(ctx); err != nil {
		t.Fatalf("bob Start() error = %v", err)
	}
	waitFor(t, "alice connected", func() bool { return alice.Monitor().State().IsConnected })

	sent, err := alice.Feed().Send(ctx, feed.Draft{ReceiverID: "bob", Body: "hello bob"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent.DeliveryState != models.DeliverySent {
		t.Fatalf("delivery state = %s, want sent", sent.DeliveryState)
	}

	waitFor(t, "bob receives the message", func() bool {
		return len(bob.Feed().Messages("alice")) == 1
	})
	got := bob.Feed().Messages("alice")[0]
	if got.ID != sent.ID || got.Body != "hello bob" {
		t.Fatalf("bob got %+v, want %+v", got, sent)
	}
	thread, ok := bob.Feed().Thread("alice")
	if !ok || thread.UnreadCount != 1 {
		t.Fatalf("bob thread = %+v, ok=%v", thread, ok)
	}

	waitFor(t, "bob gets a notification", func() bool {
		for _, n := range bob.Feed().Notifications() {
			if n.Kind == models.NotificationMessage && n.ActorID == "alice" {
				return true
			}
		}
		return false
	})

	bob.Feed().SetActiveThread(ctx, "alice")
	thread, _ = bob.Feed().Thread("alice")
	if thread.UnreadCount != 0 {
		t.Fatalf("unread after opening thread = %d", thread.UnreadCount)
	}
}

func TestOfflineSendDeliversAfterReconnect(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	alice := newSession(t, backend, "alice")
	bob := newSession(t, backend, "bob")

	ctx := context.Background()
	for _, s := range []*Session{alice, bob} {
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "alice connected", func() bool { return alice.Monitor().State().IsConnected })

	backend.SetReachable("alice", false)
	alice.Monitor().SetNetworkAvailable(false)

	type result struct {
		msg models.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := alice.Feed().Send(ctx, feed.Draft{ReceiverID: "bob", Body: "hi"})
		done <- result{msg, err}
	}()

	waitFor(t, "pending message visible", func() bool {
		msgs := alice.Feed().Messages("bob")
		return len(msgs) == 1 && msgs[0].DeliveryState == models.DeliveryPending
	})

	backend.SetReachable("alice", true)
	alice.Monitor().SetNetworkAvailable(true)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Send() error = %v", res.err)
		}
		if res.msg.DeliveryState != models.DeliverySent {
			t.Fatalf("delivery state = %s, want sent", res.msg.DeliveryState)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("send did not complete after reconnect")
	}

	thread, ok := alice.Feed().Thread("bob")
	if !ok || thread.LastMessagePreview != "hi" {
		t.Fatalf("alice thread = %+v", thread)
	}
	waitFor(t, "bob unread count", func() bool {
		th, ok := bob.Feed().Thread("alice")
		return ok && th.UnreadCount == 1
	})
}

func TestPresenceAcrossSessions(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	alice := newSession(t, backend, "alice")
	bob := newSession(t, backend, "bob")

	ctx := context.Background()
	if err := bob.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := alice.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "bob sees alice online", func() bool { return bob.Presence().IsOnline("alice") })

	if err := alice.Stop(ctx); err != nil {
		t.Fatalf("alice Stop() error = %v", err)
	}
	waitFor(t, "bob sees alice leave", func() bool { return !bob.Presence().IsOnline("alice") })
}

func TestAcquireRelease(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	s := newSession(t, backend, "alice")
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	if !s.Running() || s.Holders() != 2 {
		t.Fatalf("running=%v holders=%d", s.Running(), s.Holders())
	}

	if err := s.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if !s.Running() {
		t.Fatal("session stopped while a holder remains")
	}
	if err := s.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Running() {
		t.Fatal("session still running after last release")
	}
	if err := s.Release(ctx); err != nil {
		t.Fatalf("extra Release() error = %v", err)
	}

	// A stopped session can be acquired again.
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	waitFor(t, "connected after restart", func() bool { return s.Monitor().State().IsConnected })
}

func TestHealth(t *testing.T) {
	backend := memory.NewBackend(memory.Config{})
	s := newSession(t, backend, "alice")
	ctx := context.Background()

	health := s.Health(ctx)
	for _, name := range []string{"cache", "connection", "presence", "feed"} {
		if h, ok := health[name]; !ok || h.State != HealthUnhealthy {
			t.Fatalf("%s health before start = %+v", name, h)
		}
	}

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", func() bool { return s.Monitor().State().IsConnected })
	health = s.Health(ctx)
	if h := health["connection"]; h.State != HealthHealthy || h.Message != "connected" {
		t.Fatalf("connection health = %+v", h)
	}

	backend.SetReachable("alice", false)
	waitFor(t, "disconnected", func() bool { return !s.Monitor().State().IsConnected })
	if h := s.Health(ctx)["connection"]; h.State != HealthUnhealthy {
		t.Fatalf("connection health offline = %+v", h)
	}
}

func TestConfigFrom(t *testing.T) {
	c := config.Default()
	c.User.ID = "alice"
	c.User.DisplayName = "Alice"
	c.Connection.MaxAttempts = 7
	c.Feed.NotificationLimit = 12

	got := ConfigFrom(c)
	if got.UserID != "alice" || got.DisplayName != "Alice" {
		t.Fatalf("user = %q/%q", got.UserID, got.DisplayName)
	}
	if got.Connection.MaxAttempts != 7 || got.Feed.NotificationLimit != 12 {
		t.Fatalf("config not mapped: %+v", got)
	}
	if got.Cache.TTL != c.Cache.TTL {
		t.Fatalf("cache ttl = %v", got.Cache.TTL)
	}
}
