// Package ringchan provides the transport event bus: a bounded channel whose
// producers never block. When the consumer falls behind, the oldest queued
// events are discarded and counted.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel delivers values through an ordinary receive channel, so
// consumers can select on it next to their context.
type RingChannel[T any] struct {
	mu     sync.Mutex // serializes Send against Close
	ch     chan T
	closed bool

	written     atomic.Int64
	overwritten atomic.Int64
}

// New panics when capacity is not positive.
func New[T any](capacity int) *RingChannel[T] {
	if capacity < 1 {
		panic("ringchan: capacity must be positive")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C is closed after Close, once the buffered values are read.
func (rc *RingChannel[T]) C() <-chan T { return rc.ch }

// Send queues v, evicting the oldest values until it fits, and reports
// whether anything was evicted. It is a no-op after Close.
func (rc *RingChannel[T]) Send(v T) (evicted bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return false
	}
	for {
		select {
		case rc.ch <- v:
			rc.written.Add(1)
			return evicted
		default:
		}
		// A concurrent reader may win the race for the slot; retry either way.
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			evicted = true
		default:
		}
	}
}

// TryReceive returns the oldest queued value without blocking.
func (rc *RingChannel[T]) TryReceive() (T, bool) {
	select {
	case v, ok := <-rc.ch:
		return v, ok
	default:
		var zero T
		return zero, false
	}
}

func (rc *RingChannel[T]) Len() int { return len(rc.ch) }

// Written counts accepted values, evicted ones included.
func (rc *RingChannel[T]) Written() int64 { return rc.written.Load() }

// Overwritten counts values evicted before anyone read them.
func (rc *RingChannel[T]) Overwritten() int64 { return rc.overwritten.Load() }

// Close ends the stream. Repeated calls are ignored.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if !rc.closed {
		rc.closed = true
		close(rc.ch)
	}
}
