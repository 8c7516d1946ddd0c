// Package optimistic applies local mutations immediately and reconciles them
// with the server's answer once it arrives.
package optimistic

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/chatsync/internal/cache"
	"github.com/haasonsaas/chatsync/internal/observability"
)

// ErrClosed is reported for mutations applied after, or resolved after, Close.
var ErrClosed = errors.New("optimistic: coordinator closed")

// ConfirmFunc performs the remote write and returns the authoritative value.
type ConfirmFunc[T any] func(ctx context.Context, next T) (T, error)

// Outcome is delivered once per Apply.
type Outcome[T any] struct {
	// Value is the server's value when Err is nil.
	Value T
	Err   error
	// Superseded is set when a later Apply on the same key owns the visible
	// value, so this result did not change it.
	Superseded bool
}

// View is what readers see for a key.
type View[T any] struct {
	Value   T
	Pending bool
}

// Options configures a Coordinator.
type Options[T any] struct {
	// Cache receives confirmed values and rollbacks. Optional.
	Cache *cache.Cache[T]

	// Timeout bounds each confirm call (0 = no limit beyond ctx).
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// operation is a mutation awaiting its server answer.
type operation[T any] struct {
	key       string
	seq       uint64
	previous  T
	pending   T
	confirmed bool
}

type entry[T any] struct {
	// seq is the sequence number of the latest Apply.
	seq      uint64
	value    T
	pending  bool
	inflight int

	// base is the value a failure rolls back to: the pre-mutation value, or
	// the newest server answer seen since.
	base T

	// latestFailed is set once the latest Apply was rolled back.
	latestFailed bool
}

// Coordinator tracks optimistic values per key.
type Coordinator[T any] struct {
	opts   Options[T]
	logger *slog.Logger

	mu        sync.Mutex
	entries   map[string]*entry[T]
	listeners map[uint64]func(key string, view View[T])
	nextID    uint64
	epoch     uint64
	closed    bool
}

// New creates a coordinator.
func New[T any](opts Options[T]) *Coordinator[T] {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator[T]{
		opts:      opts,
		logger:    logger.With("component", "optimistic"),
		entries:   make(map[string]*entry[T]),
		listeners: make(map[uint64]func(string, View[T])),
	}
}

// Apply makes next visible for key right away and confirms it in the
// background. current is the value before the mutation. The returned channel
// receives exactly one Outcome.
func (c *Coordinator[T]) Apply(ctx context.Context, key string, current, next T, confirm ConfirmFunc[T]) <-chan Outcome[T] {
	out := make(chan Outcome[T], 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		out <- Outcome[T]{Err: ErrClosed}
		return out
	}
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{}
		c.entries[key] = e
	}
	if e.inflight == 0 {
		e.base = current
	}
	e.seq++
	e.inflight++
	e.value = next
	e.pending = true
	e.latestFailed = false

	op := &operation[T]{key: key, seq: e.seq, previous: current, pending: next}
	epoch := c.epoch
	notify := c.snapshotLocked(key, e)
	c.mu.Unlock()

	notify()

	go func() {
		out <- c.confirm(ctx, epoch, op, confirm)
	}()
	return out
}

func (c *Coordinator[T]) confirm(ctx context.Context, epoch uint64, op *operation[T], confirm ConfirmFunc[T]) Outcome[T] {
	if c.opts.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer timeoutCancel()
	}

	ctx, span := c.opts.Tracer.TraceMutation(ctx, op.key)
	value, err := confirm(ctx, op.pending)
	c.opts.Tracer.RecordError(span, err)
	span.End()

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.opts.Metrics.OptimisticResolved("superseded")
		return Outcome[T]{Err: ErrClosed, Superseded: true}
	}

	e := c.entries[op.key]
	e.inflight--
	latest := op.seq == e.seq

	var outcome Outcome[T]
	notify := func() {}
	switch {
	case latest && err == nil:
		op.confirmed = true
		e.value = value
		e.base = value
		e.pending = false
		c.store(op.key, value)
		notify = c.snapshotLocked(op.key, e)
		outcome = Outcome[T]{Value: value}
		c.opts.Metrics.OptimisticResolved("confirmed")

	case latest:
		e.value = e.base
		e.pending = false
		e.latestFailed = true
		c.store(op.key, e.base)
		notify = c.snapshotLocked(op.key, e)
		outcome = Outcome[T]{Err: err}
		c.opts.Metrics.OptimisticResolved("rolled_back")
		c.logger.Warn("optimistic mutation rolled back", "key", op.key, "error", err)

	case err == nil:
		// A newer mutation owns the visible value. Keep this answer as the
		// rollback target, and show it if the newer one already failed.
		op.confirmed = true
		e.base = value
		if e.latestFailed {
			e.value = value
			c.store(op.key, value)
			notify = c.snapshotLocked(op.key, e)
		}
		outcome = Outcome[T]{Value: value, Superseded: true}
		c.opts.Metrics.OptimisticResolved("superseded")

	default:
		outcome = Outcome[T]{Err: err, Superseded: true}
		c.opts.Metrics.OptimisticResolved("superseded")
	}
	c.mu.Unlock()

	notify()
	return outcome
}

// Read returns the visible value for key. Keys without local state fall back
// to the cache, then to fallback.
func (c *Coordinator[T]) Read(key string, fallback T) View[T] {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		view := View[T]{Value: e.value, Pending: e.pending}
		c.mu.Unlock()
		return view
	}
	c.mu.Unlock()

	if c.opts.Cache != nil {
		if v, ok := c.opts.Cache.Get(key); ok {
			return View[T]{Value: v}
		}
	}
	return View[T]{Value: fallback}
}

// Forget drops local state for key once nothing is in flight. It reports
// whether the key was removed.
func (c *Coordinator[T]) Forget(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.inflight > 0 {
		return false
	}
	delete(c.entries, key)
	return true
}

// Subscribe registers fn for visible value changes and returns a function
// that removes it.
func (c *Coordinator[T]) Subscribe(fn func(key string, view View[T])) func() {
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

// Close rejects further mutations. Confirm calls already issued run to
// completion under their caller's context, but their results are discarded
// and their outcomes report ErrClosed.
func (c *Coordinator[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.epoch++
}

func (c *Coordinator[T]) store(key string, value T) {
	if c.opts.Cache != nil {
		c.opts.Cache.Set(key, value)
	}
}

// snapshotLocked captures the view and listeners; the returned function
// delivers them and must run without c.mu held.
func (c *Coordinator[T]) snapshotLocked(key string, e *entry[T]) func() {
	view := View[T]{Value: e.value, Pending: e.pending}
	listeners := make([]func(string, View[T]), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		for _, fn := range listeners {
			fn(key, view)
		}
	}
}
