package cache

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen keys so redelivered feed events can be
// dropped after the entity itself has left its local collection.
type DedupeCache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// DedupeCacheOptions configures the cache. A zero TTL keeps keys until they are
// pushed out by MaxSize; a zero MaxSize means unbounded.
type DedupeCacheOptions struct {
	TTL     time.Duration
	MaxSize int
	Now     func() time.Time
}

// NewDedupeCache creates a new deduplication cache.
func NewDedupeCache(opts DedupeCacheOptions) *DedupeCache {
	if opts.TTL < 0 {
		opts.TTL = 0
	}
	if opts.MaxSize < 0 {
		opts.MaxSize = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DedupeCache{
		seen:    make(map[string]time.Time),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		now:     opts.Now,
	}
}

// Check reports whether key was already seen within the TTL and records it.
func (c *DedupeCache) Check(key string) bool {
	if key == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	duplicate := c.liveLocked(key, now)
	c.seen[key] = now
	if !duplicate {
		c.pruneLocked(now)
	}
	return duplicate
}

// Contains reports whether key was seen within the TTL without recording it.
func (c *DedupeCache) Contains(key string) bool {
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key, c.now())
}

// Remove forgets key.
func (c *DedupeCache) Remove(key string) {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
}

// Clear forgets every key.
func (c *DedupeCache) Clear() {
	c.mu.Lock()
	c.seen = make(map[string]time.Time)
	c.mu.Unlock()
}

// Size returns the number of remembered keys.
func (c *DedupeCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *DedupeCache) liveLocked(key string, now time.Time) bool {
	at, ok := c.seen[key]
	if !ok {
		return false
	}
	return c.ttl <= 0 || now.Sub(at) < c.ttl
}

func (c *DedupeCache) pruneLocked(now time.Time) {
	if c.ttl > 0 {
		for key, at := range c.seen {
			if now.Sub(at) >= c.ttl {
				delete(c.seen, key)
			}
		}
	}

	for c.maxSize > 0 && len(c.seen) > c.maxSize {
		var oldestKey string
		var oldest time.Time
		for key, at := range c.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = key, at
			}
		}
		delete(c.seen, oldestKey)
	}
}

// EventKey builds the dedupe key for an entity on a feed resource.
func EventKey(resource, id string) string {
	if id == "" {
		return ""
	}
	if resource == "" {
		return id
	}
	return resource + ":" + id
}
