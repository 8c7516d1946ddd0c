package cache

import (
	"testing"
	"time"
)

func TestDedupeCache_Check(t *testing.T) {
	c := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, MaxSize: 10})

	if c.Check("notifications:n1") {
		t.Error("first occurrence should not be a duplicate")
	}
	if !c.Check("notifications:n1") {
		t.Error("second occurrence should be a duplicate")
	}
	if c.Check("") {
		t.Error("empty key is never a duplicate")
	}
	if c.Size() != 1 {
		t.Errorf("expected 1 key, got %d", c.Size())
	}
}

func TestDedupeCache_TTL(t *testing.T) {
	clock := newFakeClock()
	c := NewDedupeCache(DedupeCacheOptions{TTL: time.Minute, Now: clock.Now})

	c.Check("k")
	clock.Advance(59 * time.Second)
	if !c.Contains("k") {
		t.Error("key should still be live inside the ttl")
	}
	clock.Advance(time.Second)
	if c.Contains("k") {
		t.Error("key should expire at the ttl")
	}
	if c.Check("k") {
		t.Error("expired key is not a duplicate")
	}
}

func TestDedupeCache_MaxSize(t *testing.T) {
	clock := newFakeClock()
	c := NewDedupeCache(DedupeCacheOptions{MaxSize: 2, Now: clock.Now})

	c.Check("a")
	clock.Advance(time.Second)
	c.Check("b")
	clock.Advance(time.Second)
	c.Check("c")

	if c.Size() != 2 {
		t.Fatalf("expected 2 keys, got %d", c.Size())
	}
	if c.Contains("a") {
		t.Error("oldest key should have been pushed out")
	}
	if !c.Contains("b") || !c.Contains("c") {
		t.Error("newest keys should remain")
	}
}

func TestDedupeCache_RemoveAndClear(t *testing.T) {
	c := NewDedupeCache(DedupeCacheOptions{})
	c.Check("a")
	c.Check("b")

	c.Remove("a")
	if c.Contains("a") {
		t.Error("removed key should be forgotten")
	}
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("expected empty cache, got %d", c.Size())
	}
}

func TestEventKey(t *testing.T) {
	tests := []struct {
		resource, id, want string
	}{
		{"posts", "p1", "posts:p1"},
		{"", "p1", "p1"},
		{"posts", "", ""},
	}
	for _, tt := range tests {
		if got := EventKey(tt.resource, tt.id); got != tt.want {
			t.Errorf("EventKey(%q, %q) = %q, want %q", tt.resource, tt.id, got, tt.want)
		}
	}
}
