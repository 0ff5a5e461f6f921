// Package backoff paces retries with a fixed delay. The init protocol waits
// between step attempts with it, and the hub client schedules
// re-registration with it.
package backoff

import (
	"context"
	"sync"
	"time"
)

// Backoff hands out a constant delay and counts the retries since the last
// success.
type Backoff struct {
	mu       sync.Mutex
	delay    time.Duration
	attempts int
}

// Fixed returns a backoff that always yields d; negative d means no pause.
func Fixed(d time.Duration) *Backoff {
	return &Backoff{delay: max(d, 0)}
}

// Next records an attempt and returns the delay before it.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return b.delay
}

// Reset clears the attempt count. Call it after a successful attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Wait sleeps for the next delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	d := b.Next()
	if d == 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
