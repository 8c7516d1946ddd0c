package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestMessage_Peer(t *testing.T) {
	msg := Message{SenderID: "alice", ReceiverID: "bob"}
	if got := msg.Peer("alice"); got != "bob" {
		t.Errorf("Peer(alice) = %q, want bob", got)
	}
	if got := msg.Peer("bob"); got != "alice" {
		t.Errorf("Peer(bob) = %q, want alice", got)
	}
	if msg.ThreadKey() != ThreadKey("bob", "alice") {
		t.Errorf("ThreadKey() = %q", msg.ThreadKey())
	}
}

func TestMessage_WireNames(t *testing.T) {
	msg := Message{
		ID:            "m1",
		SenderID:      "alice",
		ReceiverID:    "bob",
		Body:          "hi",
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		DeliveryState: DeliverySent,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, field := range []string{`"sender_id":"alice"`, `"receiver_id":"bob"`, `"delivery_state":"sent"`, `"created_at":"2026-01-02T03:04:05Z"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("json %s missing %s", data, field)
		}
	}

	// Server payloads omit the local delivery state.
	var decoded Message
	if err := json.Unmarshal([]byte(`{"id":"m2","sender_id":"a","receiver_id":"b","body":"x"}`), &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.DeliveryState != "" {
		t.Errorf("DeliveryState = %q, want empty", decoded.DeliveryState)
	}
}

func TestNewThread(t *testing.T) {
	th := NewThread("zed", "amy")
	if th.Participants != [2]string{"amy", "zed"} {
		t.Fatalf("Participants = %v", th.Participants)
	}
	if th.ID != ThreadKey("amy", "zed") {
		t.Fatalf("ID = %q", th.ID)
	}
	if !th.Has("zed") || th.Has("bob") {
		t.Fatal("Has() mismatch")
	}
	if th.Peer("amy") != "zed" || th.Peer("zed") != "amy" {
		t.Fatal("Peer() mismatch")
	}
}

func TestPost_EntityTimestamp(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	post := Post{ID: "p1", CreatedAt: created}
	if !post.EntityTimestamp().Equal(created) {
		t.Fatalf("timestamp = %v, want created", post.EntityTimestamp())
	}
	post.UpdatedAt = created.Add(time.Minute)
	if !post.EntityTimestamp().Equal(post.UpdatedAt) {
		t.Fatalf("timestamp = %v, want updated", post.EntityTimestamp())
	}
}
