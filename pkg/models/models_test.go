package models

import (
	"testing"
	"time"
)

func TestQualityForLatency(t *testing.T) {
	thresholds := DefaultLatencyThresholds()
	tests := []struct {
		latency time.Duration
		want    ConnectionQuality
	}{
		{0, QualityExcellent},
		{99 * time.Millisecond, QualityExcellent},
		{100 * time.Millisecond, QualityGood},
		{299 * time.Millisecond, QualityGood},
		{300 * time.Millisecond, QualityPoor},
		{2 * time.Second, QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.latency.String(), func(t *testing.T) {
			if got := QualityForLatency(tt.latency, thresholds); got != tt.want {
				t.Errorf("QualityForLatency(%v) = %q, want %q", tt.latency, got, tt.want)
			}
		})
	}
}

func TestConnectionState_Degraded(t *testing.T) {
	if !OfflineState(true).Degraded() {
		t.Error("offline state should be degraded")
	}
	if (ConnectionState{IsConnected: true, Quality: QualityGood}).Degraded() {
		t.Error("good quality should not be degraded")
	}
	if !(ConnectionState{IsConnected: true, Quality: QualityPoor}).Degraded() {
		t.Error("poor quality should be degraded")
	}
}

func TestThreadKey_OrderIndependent(t *testing.T) {
	if ThreadKey("alice", "bob") != ThreadKey("bob", "alice") {
		t.Fatal("thread key must not depend on participant order")
	}
	thread := NewThread("bob", "alice")
	if thread.Participants != [2]string{"alice", "bob"} {
		t.Errorf("participants = %v, want sorted pair", thread.Participants)
	}
	if thread.Peer("alice") != "bob" || thread.Peer("bob") != "alice" {
		t.Errorf("unexpected peers for %v", thread.Participants)
	}
}

func TestMessage_Validate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid", Message{ID: "m1", SenderID: "a", ReceiverID: "b", Body: "hi"}, false},
		{"missing id", Message{SenderID: "a", ReceiverID: "b", Body: "hi"}, true},
		{"self message", Message{ID: "m1", SenderID: "a", ReceiverID: "a", Body: "hi"}, true},
		{"blank body", Message{ID: "m1", SenderID: "a", ReceiverID: "b", Body: "  "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("  hi  ", 10); got != "hi" {
		t.Errorf("Preview = %q, want %q", got, "hi")
	}
	if got := Preview("héllo world", 5); got != "héllo…" {
		t.Errorf("Preview = %q, want %q", got, "héllo…")
	}
}

func TestLikeState_Toggled(t *testing.T) {
	liked := LikeState{Count: 3}.Toggled()
	if liked != (LikeState{Count: 4, Liked: true}) {
		t.Errorf("like = %+v", liked)
	}
	if unliked := liked.Toggled(); unliked != (LikeState{Count: 3}) {
		t.Errorf("unlike = %+v", unliked)
	}
	if floor := (LikeState{Count: 0, Liked: true}).Toggled(); floor.Count != 0 {
		t.Errorf("count went negative: %+v", floor)
	}
}

func TestDecodeEvent(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := EncodeEvent(EventInsert, ResourceMessages, Message{
		ID: "m1", SenderID: "a", ReceiverID: "b", Body: "hi", CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}

	event, err := DecodeEvent[Message](raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if event.Type != EventInsert || event.Resource != ResourceMessages {
		t.Errorf("unexpected envelope: %+v", event)
	}
	if event.Entity.ID != "m1" || !event.Entity.CreatedAt.Equal(created) {
		t.Errorf("unexpected entity: %+v", event.Entity)
	}
	if event.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should default to now")
	}
}

func TestDecodeEvent_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  RawEvent
	}{
		{"unknown type", RawEvent{Type: "upsert", Resource: ResourcePosts, Entity: []byte(`{"id":"p1"}`)}},
		{"missing entity", RawEvent{Type: EventInsert, Resource: ResourcePosts}},
		{"missing id", RawEvent{Type: EventInsert, Resource: ResourcePosts, Entity: []byte(`{"body":"x"}`)}},
		{"bad json", RawEvent{Type: EventInsert, Resource: ResourcePosts, Entity: []byte(`{`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeEvent[Post](tt.raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPresenceRecord_Newer(t *testing.T) {
	now := time.Now()
	older := PresenceRecord{UserID: "a", LastSeenAt: now}
	newer := PresenceRecord{UserID: "a", LastSeenAt: now.Add(time.Second)}
	if !newer.Newer(older) || older.Newer(newer) || older.Newer(older) {
		t.Error("Newer should be strict last-writer-wins on LastSeenAt")
	}
	if !PresenceAway.Valid() || PresenceStatus("gone").Valid() {
		t.Error("unexpected Valid result")
	}
}
