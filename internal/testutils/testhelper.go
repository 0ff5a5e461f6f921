package testutils

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// EventSink receives the per-device events a Registry would route.
type EventSink interface {
	HandleStateChange(device.State)
	HandleData(device.SensorData)
	HandleError(string)
}

// Pump routes every event of address from the fake's stream to sink until the
// test ends. It stands in for the registry demultiplexer in session tests.
func (h *TestHelper) Pump(fake *FakeTransport, address string, sink EventSink) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-fake.Events():
				if ev == nil || ev.DeviceAddress() != address {
					continue
				}
				switch e := ev.(type) {
				case device.StateChangedEvent:
					sink.HandleStateChange(e.State)
				case device.DataEvent:
					sink.HandleData(e.Data)
				case device.ErrorEvent:
					sink.HandleError(e.Message)
				}
			}
		}
	}()

	h.T.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

// FakeClock is a manually advanced clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock frozen at a fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
