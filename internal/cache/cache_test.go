package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type countingObserver struct {
	mu        sync.Mutex
	hits      int
	misses    int
	evictions map[string]int
}

func (o *countingObserver) CacheHit(string) {
	o.mu.Lock()
	o.hits++
	o.mu.Unlock()
}

func (o *countingObserver) CacheMiss(string) {
	o.mu.Lock()
	o.misses++
	o.mu.Unlock()
}

func (o *countingObserver) CacheEvicted(_ string, reason string) {
	o.mu.Lock()
	if o.evictions == nil {
		o.evictions = make(map[string]int)
	}
	o.evictions[reason]++
	o.mu.Unlock()
}

func TestCache_SetGet(t *testing.T) {
	c := New[int](Config{TTL: time.Minute})
	defer c.Stop()

	c.Set("key1", 100)
	c.Set("key2", 200)

	if val, ok := c.Get("key1"); !ok || val != 100 {
		t.Errorf("expected 100, got %d (ok=%v)", val, ok)
	}
	if val, ok := c.Get("key2"); !ok || val != 200 {
		t.Errorf("expected 200, got %d (ok=%v)", val, ok)
	}
	if _, ok := c.Get("nonexistent"); ok {
		t.Error("expected nonexistent key to miss")
	}
}

func TestCache_Overwrite(t *testing.T) {
	c := New[string](Config{TTL: time.Minute})
	defer c.Stop()

	c.Set("k", "a")
	c.Set("k", "b")
	if val, _ := c.Get("k"); val != "b" {
		t.Errorf("expected overwritten value b, got %q", val)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
}

func TestCache_Expiration(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{TTL: time.Minute, Now: clock.Now})
	defer c.Stop()

	c.Set("key", 42)
	clock.Advance(time.Minute)
	if val, ok := c.Get("key"); !ok || val != 42 {
		t.Fatalf("entry at exactly ttl should still be live, got %d (ok=%v)", val, ok)
	}

	clock.Advance(time.Millisecond)
	if _, ok := c.Get("key"); ok {
		t.Fatal("expected key to be expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry should be evicted on read, len=%d", c.Len())
	}
}

func TestCache_MaxSizeEvictsLeastRecentlyAccessed(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{TTL: time.Hour, MaxSize: 3, Now: clock.Now})
	defer c.Stop()

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
		clock.Advance(time.Second)
	}

	// k0 becomes the most recently accessed, k1 is now the oldest.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("expected k0")
	}
	clock.Advance(time.Second)

	c.Set("k3", 3)

	if c.Len() != 3 {
		t.Fatalf("expected exactly 3 entries, got %d", c.Len())
	}
	if _, ok := c.Get("k1"); ok {
		t.Error("expected least recently accessed k1 to be evicted")
	}
	for _, key := range []string{"k0", "k2", "k3"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive", key)
		}
	}
}

func TestCache_MaxSizeSameTick(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{TTL: time.Hour, MaxSize: 2, Now: clock.Now})
	defer c.Stop()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	if _, ok := c.Get("a"); ok {
		t.Error("expected first inserted key to be evicted when timestamps tie")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

func TestCache_CleanupPrefersExpired(t *testing.T) {
	clock := newFakeClock()
	c := New[int](Config{TTL: time.Minute, MaxSize: 2, Now: clock.Now})
	defer c.Stop()

	c.Set("old", 1)
	clock.Advance(2 * time.Minute)
	c.Set("fresh1", 2)
	c.Set("fresh2", 3)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	for _, key := range []string{"fresh1", "fresh2"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("expected %s to survive cleanup", key)
		}
	}
}

func TestCache_Invalidate(t *testing.T) {
	c := New[int](Config{TTL: time.Minute})
	defer c.Stop()

	c.Set("messages:a:b", 1)
	c.Set("messages:a:c", 2)
	c.Set("likes:p1", 3)

	if removed := c.Invalidate("messages:"); removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, ok := c.Get("likes:p1"); !ok {
		t.Error("expected unrelated key to survive")
	}

	c.Set("x", 1)
	if removed := c.Invalidate(""); removed != 2 {
		t.Errorf("expected empty pattern to clear 2 entries, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d", c.Len())
	}
}

func TestCache_Stats(t *testing.T) {
	clock := newFakeClock()
	observer := &countingObserver{}
	c := New[int](Config{TTL: time.Minute, Now: clock.Now, Observer: observer})
	defer c.Stop()

	c.Set("a", 1)
	clock.Advance(10 * time.Second)
	c.Set("b", 2)
	c.Get("a")
	c.Get("a")
	c.Get("b")
	c.Get("missing")

	stats := c.Stats()
	if stats.Size != 2 {
		t.Errorf("Size = %d, want 2", stats.Size)
	}
	if stats.TotalAccesses != 3 {
		t.Errorf("TotalAccesses = %d, want 3", stats.TotalAccesses)
	}
	if stats.HitRate != 0.75 {
		t.Errorf("HitRate = %v, want 0.75", stats.HitRate)
	}
	if stats.AvgAge != 5*time.Second {
		t.Errorf("AvgAge = %v, want 5s", stats.AvgAge)
	}
	if observer.hits != 3 || observer.misses != 1 {
		t.Errorf("observer saw hits=%d misses=%d", observer.hits, observer.misses)
	}
}

func TestCache_BackgroundCleanup(t *testing.T) {
	c := New[int](Config{TTL: 10 * time.Millisecond, CleanupInterval: 5 * time.Millisecond})
	defer c.Stop()

	c.Set("key", 1)

	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("background sweep did not remove expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := New[int](Config{TTL: time.Minute, CleanupInterval: time.Millisecond})
	c.Stop()
	c.Stop()
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](Config{TTL: time.Minute, MaxSize: 50})
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", (worker*200+j)%120)
				c.Set(key, j)
				c.Get(key)
				if j%50 == 0 {
					c.Invalidate("k1")
				}
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 50 {
		t.Errorf("cache exceeded max size: %d", c.Len())
	}
}
