// Package buffer provides a generic, thread-safe ring buffer with
// configurable overflow policies.
//
// The acquisition pipeline uses it for pre-trigger sample retention
// (bounded history that discards the oldest samples) and for output
// fan-out queues that must never block the session thread.
package buffer

import (
	"sync"

	"github.com/c360/acqstreams/errors"
)

// OverflowPolicy defines how a full ring handles a new write.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the new item when the ring is full.
	DropNewest
)

// String returns a human-readable representation of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// Stats tracks ring activity for observability.
type Stats struct {
	Written uint64
	Read    uint64
	Dropped uint64
}

// Ring is a fixed-capacity FIFO ring buffer.
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // index of the oldest item
	count  int
	policy OverflowPolicy
	stats  Stats
}

// Option configures a Ring.
type Option[T any] func(*Ring[T])

// WithOverflowPolicy sets the policy applied when the ring is full.
// The default is DropOldest.
func WithOverflowPolicy[T any](p OverflowPolicy) Option[T] {
	return func(r *Ring[T]) { r.policy = p }
}

// NewRing creates a ring with the given capacity.
func NewRing[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapArgument(errors.New("capacity must be positive"),
			"buffer", "NewRing", "capacity validation")
	}
	r := &Ring[T]{items: make([]T, capacity)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Write adds an item, applying the overflow policy when full. It returns
// ErrBufferFull only under DropNewest.
func (r *Ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.items) {
		switch r.policy {
		case DropNewest:
			r.stats.Dropped++
			return errors.ErrBufferFull
		default: // DropOldest
			r.head = (r.head + 1) % len(r.items)
			r.count--
			r.stats.Dropped++
		}
	}

	r.items[(r.head+r.count)%len(r.items)] = item
	r.count++
	r.stats.Written++
	return nil
}

// Read removes and returns the oldest item.
func (r *Ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked()
}

func (r *Ring[T]) readLocked() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.count--
	r.stats.Read++
	return item, true
}

// ReadBatch removes and returns up to max items in FIFO order.
func (r *Ring[T]) ReadBatch(max int) []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > r.count {
		max = r.count
	}
	if max <= 0 {
		return nil
	}
	out := make([]T, 0, max)
	for i := 0; i < max; i++ {
		item, _ := r.readLocked()
		out = append(out, item)
	}
	return out
}

// Drain removes and returns every buffered item in FIFO order.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	n := r.count
	r.mu.Unlock()
	return r.ReadBatch(n)
}

// Len returns the current number of buffered items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}

// Stats returns a snapshot of ring activity counters.
func (r *Ring[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
