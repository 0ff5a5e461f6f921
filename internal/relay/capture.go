package relay

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/sensorlink/internal/device"
)

// Capture records the first raw notification bytes of a session, up to its
// capacity. Writes never block; once full, further bytes are dropped and
// counted until Drain empties it.
type Capture struct {
	buf     *ringbuffer.RingBuffer
	logger  *logrus.Logger
	cancel  func()
	dropped uint64
	written uint64
}

// NewCapture creates a Capture holding up to capacity bytes.
func NewCapture(capacity int, logger *logrus.Logger) *Capture {
	if logger == nil {
		logger = logrus.New()
	}
	return &Capture{
		buf:    ringbuffer.New(capacity),
		logger: logger,
	}
}

// Attach subscribes to source. Calling Attach again replaces the subscription.
func (c *Capture) Attach(source Source) {
	c.Detach()
	c.cancel = source.OnData(func(data device.SensorData) {
		_, _ = c.Write(data.Raw)
	})
}

// Detach stops capturing.
func (c *Capture) Detach() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Write queues p and returns the number of bytes kept.
func (c *Capture) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	n, err := c.buf.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	atomic.AddUint64(&c.written, uint64(n))
	if n < len(p) {
		dropped := len(p) - n
		atomic.AddUint64(&c.dropped, uint64(dropped))
		c.logger.WithField("dropped", dropped).Debug("Capture buffer full")
	}
	return n, nil
}

// Drain returns and removes every captured byte.
func (c *Capture) Drain() []byte {
	out := make([]byte, 0, c.buf.Length())
	chunk := make([]byte, 512)
	for {
		n, err := c.buf.TryRead(chunk)
		out = append(out, chunk[:n]...)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			return out
		}
	}
}

// Len returns the number of captured bytes not yet drained.
func (c *Capture) Len() int { return c.buf.Length() }

// Cap returns the buffer capacity.
func (c *Capture) Cap() int { return c.buf.Capacity() }

// Dropped returns the number of bytes lost to a full buffer.
func (c *Capture) Dropped() uint64 { return atomic.LoadUint64(&c.dropped) }

// Written returns the number of bytes accepted.
func (c *Capture) Written() uint64 { return atomic.LoadUint64(&c.written) }
