// Package cache provides the in-memory stores shared by the sync components:
// a TTL+LRU cache with access statistics and a time-limited dedupe set.
package cache

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Observer receives cache activity, typically to feed metrics.
type Observer interface {
	CacheHit(name string)
	CacheMiss(name string)
	CacheEvicted(name, reason string)
}

// Config configures a Cache.
type Config struct {
	// Name labels the cache in metrics and logs.
	Name string
	// TTL is how long an entry lives after it was set.
	TTL time.Duration
	// MaxSize limits the number of entries (0 = unlimited).
	MaxSize int
	// CleanupInterval sets how often to sweep expired entries (0 = no background sweep).
	CleanupInterval time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
	// Observer is notified of hits, misses and evictions.
	Observer Observer
}

// DefaultConfig returns a 5 minute TTL, 500 entry cache swept every minute.
func DefaultConfig() Config {
	return Config{
		Name:            "default",
		TTL:             5 * time.Minute,
		MaxSize:         500,
		CleanupInterval: time.Minute,
	}
}

type entry[V any] struct {
	value          V
	createdAt      time.Time
	lastAccessedAt time.Time
	accessCount    uint64
	// touch orders entries touched within the same clock tick.
	touch uint64
}

// Cache is a TTL cache that falls back to least-recently-accessed eviction when
// it grows past MaxSize. Entries are only reachable through Get and Set.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*entry[V]
	name     string
	ttl      time.Duration
	maxSize  int
	now      func() time.Time
	observer Observer
	clock    uint64

	hits      uint64
	misses    uint64
	evictions uint64

	stopCh  chan struct{}
	stopped atomic.Bool
}

// Stats is a snapshot of cache usage.
type Stats struct {
	Size          int
	MaxSize       int
	HitRate       float64
	AvgAge        time.Duration
	TotalAccesses uint64
	Hits          uint64
	Misses        uint64
	Evictions     uint64
}

// New creates a cache and starts its background sweep when configured.
func New[V any](config Config) *Cache[V] {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.MaxSize < 0 {
		config.MaxSize = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Name == "" {
		config.Name = "default"
	}

	c := &Cache[V]{
		entries:  make(map[string]*entry[V]),
		name:     config.Name,
		ttl:      config.TTL,
		maxSize:  config.MaxSize,
		now:      config.Now,
		observer: config.Observer,
		stopCh:   make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go c.cleanupLoop(config.CleanupInterval)
	}

	return c
}

// Get returns the value for key. Expired entries are evicted and reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.notifyMiss()
		return zero, false
	}

	now := c.now()
	if now.Sub(e.createdAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		c.evictions++
		c.mu.Unlock()
		c.notifyMiss()
		c.notifyEvicted("expired", 1)
		return zero, false
	}

	c.clock++
	e.accessCount++
	e.lastAccessedAt = now
	e.touch = c.clock
	c.hits++
	value := e.value
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.CacheHit(c.name)
	}
	return value, true
}

// Set stores value under key, replacing any previous entry. When the cache grows
// past MaxSize a cleanup pass runs.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	now := c.now()
	c.clock++
	c.entries[key] = &entry[V]{
		value:          value,
		createdAt:      now,
		lastAccessedAt: now,
		touch:          c.clock,
	}

	var expired, evicted int
	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		expired, evicted = c.cleanupLocked(now)
	}
	c.mu.Unlock()

	c.notifyEvicted("expired", expired)
	c.notifyEvicted("lru", evicted)
}

// Delete removes a single key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Invalidate removes every key containing pattern. An empty pattern clears the cache.
// It returns the number of removed entries.
func (c *Cache[V]) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		removed := len(c.entries)
		c.entries = make(map[string]*entry[V])
		return removed
	}

	removed := 0
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the keys of all stored entries in no particular order.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	stats := Stats{
		Size:      len(c.entries),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}

	var totalAge time.Duration
	for _, e := range c.entries {
		totalAge += now.Sub(e.createdAt)
		stats.TotalAccesses += e.accessCount
	}
	if len(c.entries) > 0 {
		stats.AvgAge = totalAge / time.Duration(len(c.entries))
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Cleanup removes expired entries, then evicts least-recently-accessed entries
// until the cache is within MaxSize. It returns the number of removed entries.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	expired, evicted := c.cleanupLocked(c.now())
	c.mu.Unlock()

	c.notifyEvicted("expired", expired)
	c.notifyEvicted("lru", evicted)
	return expired + evicted
}

// Stop stops the background sweep.
func (c *Cache[V]) Stop() {
	if c.stopped.CompareAndSwap(false, true) {
		close(c.stopCh)
	}
}

// cleanupLocked must be called with mu held.
func (c *Cache[V]) cleanupLocked(now time.Time) (expired, evicted int) {
	for key, e := range c.entries {
		if now.Sub(e.createdAt) > c.ttl {
			delete(c.entries, key)
			expired++
		}
	}

	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		keys := make([]string, 0, len(c.entries))
		for key := range c.entries {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := c.entries[keys[i]], c.entries[keys[j]]
			if !a.lastAccessedAt.Equal(b.lastAccessedAt) {
				return a.lastAccessedAt.Before(b.lastAccessedAt)
			}
			return a.touch < b.touch
		})
		for _, key := range keys[:len(keys)-c.maxSize] {
			delete(c.entries, key)
			evicted++
		}
	}

	c.evictions += uint64(expired + evicted)
	return expired, evicted
}

func (c *Cache[V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache[V]) notifyMiss() {
	if c.observer != nil {
		c.observer.CacheMiss(c.name)
	}
}

func (c *Cache[V]) notifyEvicted(reason string, n int) {
	if c.observer == nil {
		return
	}
	for i := 0; i < n; i++ {
		c.observer.CacheEvicted(c.name, reason)
	}
}
