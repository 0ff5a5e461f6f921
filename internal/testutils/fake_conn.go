package testutils

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrConnClosed is returned by writes on a closed FakeConn.
var ErrConnClosed = errors.New("fake conn closed")

// FakeConn is an in-memory framed connection. Frames written by the client
// are collected for inspection; frames for the client are injected with Inject.
type FakeConn struct {
	written  chan []byte
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu   sync.Mutex
	gate chan struct{} // non-nil while writes are stalled
}

// NewFakeConn returns an open FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		written:  make(chan []byte, 256),
		incoming: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (f *FakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *FakeConn) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-f.closed:
			return ErrConnClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-f.closed:
		return ErrConnClosed
	default:
	}
	f.written <- append([]byte(nil), data...)
	return nil
}

// Stall blocks every write until release is called, the connection closes or
// the write context ends.
func (f *FakeConn) Stall() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
			close(gate)
		})
	}
}

// Close closes the connection; pending and future reads return io.EOF.
func (f *FakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (f *FakeConn) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// Inject delivers a frame to the reader.
func (f *FakeConn) Inject(data []byte) {
	f.incoming <- data
}

// Next returns the next written frame, or nil if none arrives within timeout.
func (f *FakeConn) Next(timeout time.Duration) []byte {
	select {
	case data := <-f.written:
		return data
	case <-time.After(timeout):
		return nil
	}
}

// Pending returns the number of written frames not yet consumed by Next.
func (f *FakeConn) Pending() int {
	return len(f.written)
}
