// Package relay forwards sensor notifications from a session to the hub as
// native data broadcasts.
//
// Notifications are buffered in an overlapped ring so a slow hub link drops
// the oldest records instead of stalling the session's event path.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
)

// Publisher receives native data records. *hub.Client implements it.
type Publisher interface {
	BroadcastDataSwitch(on bool) error
	BroadcastData(data string) error
}

// Source is the data feed a Relay subscribes to. *session.Session implements it.
type Source interface {
	OnData(fn func(device.SensorData)) (cancel func())
}

// Metrics provides lock-free counters for a Relay.
type Metrics struct {
	RecordsForwarded   int64 // records handed to the publisher
	RecordsOverwritten int64 // records lost to ring overflow
	ErrorsOccurred     int64 // publisher or buffer failures
}

func (m *Metrics) addForwarded() {
	atomic.AddInt64(&m.RecordsForwarded, 1)
}

func (m *Metrics) addOverwritten(count uint32) {
	atomic.AddInt64(&m.RecordsOverwritten, int64(count))
}

func (m *Metrics) addError() {
	atomic.AddInt64(&m.ErrorsOccurred, 1)
}

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		RecordsForwarded:   atomic.LoadInt64(&m.RecordsForwarded),
		RecordsOverwritten: atomic.LoadInt64(&m.RecordsOverwritten),
		ErrorsOccurred:     atomic.LoadInt64(&m.ErrorsOccurred),
	}
}

func (m *Metrics) reset() {
	atomic.StoreInt64(&m.RecordsForwarded, 0)
	atomic.StoreInt64(&m.RecordsOverwritten, 0)
	atomic.StoreInt64(&m.ErrorsOccurred, 0)
}

// Relay lifecycle states
const (
	StateStopped uint32 = iota
	StateRunning
	StateStopping
)

const (
	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 64 * 1024

	drainInterval = 10 * time.Millisecond
)

// Relay drains a session's notifications into a Publisher.
//
// All methods are safe for concurrent use.
type Relay struct {
	source    Source
	publisher Publisher
	logger    *logrus.Logger

	buffer  mpmc.RichOverlappedRingBuffer[device.SensorData]
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	cancel  func()
	metrics Metrics
	state   uint32
}

// New creates a stopped Relay with a ring of bufferSize records.
func New(source Source, publisher Publisher, bufferSize uint32, logger *logrus.Logger) (*Relay, error) {
	if source == nil || publisher == nil {
		return nil, fmt.Errorf("relay: source and publisher are required")
	}
	if bufferSize == 0 {
		return nil, fmt.Errorf("relay: buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("relay: buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Relay{
		source:    source,
		publisher: publisher,
		logger:    logger,
		buffer:    mpmc.NewOverlappedRingBuffer[device.SensorData](bufferSize),
		state:     StateStopped,
	}, nil
}

// Start subscribes to the source and announces the stream to the publisher.
func (r *Relay) Start() error {
	if !atomic.CompareAndSwapUint32(&r.state, StateStopped, StateRunning) {
		switch atomic.LoadUint32(&r.state) {
		case StateRunning:
			return fmt.Errorf("relay is already running")
		default:
			return fmt.Errorf("relay is stopping, wait for it to finish")
		}
	}

	r.wake = make(chan struct{}, 1)
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	if err := r.publisher.BroadcastDataSwitch(true); err != nil {
		r.metrics.addError()
		r.logger.WithError(err).Warn("Native data start announcement failed")
	}

	r.cancel = r.source.OnData(r.enqueue)

	stop, done := r.stop, r.done
	groutine.Go(context.Background(), "relay-drain", func(ctx context.Context) {
		defer close(done)
		r.drainLoop(stop)
	})
	return nil
}

// Stop unsubscribes, flushes buffered records and announces the end of the stream.
func (r *Relay) Stop() error {
	if !atomic.CompareAndSwapUint32(&r.state, StateRunning, StateStopping) {
		return nil
	}

	r.cancel()
	close(r.stop)
	<-r.done

	r.flush()
	if err := r.publisher.BroadcastDataSwitch(false); err != nil {
		r.metrics.addError()
		r.logger.WithError(err).Warn("Native data stop announcement failed")
	}

	atomic.StoreUint32(&r.state, StateStopped)
	return nil
}

// State returns the lifecycle state.
func (r *Relay) State() uint32 {
	return atomic.LoadUint32(&r.state)
}

// Metrics returns a copy of the current counters.
func (r *Relay) Metrics() Metrics {
	return r.metrics.snapshot()
}

// ResetMetrics zeroes all counters.
func (r *Relay) ResetMetrics() {
	r.metrics.reset()
}

func (r *Relay) enqueue(data device.SensorData) {
	overwrites, err := r.buffer.EnqueueM(data)
	if err != nil {
		r.metrics.addError()
		r.logger.WithError(err).Error("Relay buffer enqueue failed")
		return
	}
	if overwrites > 0 {
		r.metrics.addOverwritten(overwrites)
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Relay) drainLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-r.wake:
		case <-ticker.C:
		}
		r.flush()
	}
}

func (r *Relay) flush() {
	for !r.buffer.IsEmpty() {
		data, err := r.buffer.Dequeue()
		if err != nil {
			return
		}
		if err := r.publisher.BroadcastData(Encode(data)); err != nil {
			r.metrics.addError()
			r.logger.WithError(err).Debug("Native data broadcast failed")
			continue
		}
		r.metrics.addForwarded()
	}
}

// Encode renders one notification as a native data record:
// type,sampleRate,channelCount,packageSampleCount,base64(raw).
func Encode(data device.SensorData) string {
	return fmt.Sprintf("%d,%d,%d,%d,%s",
		int(data.DataType),
		data.SampleRate,
		data.ChannelCount,
		data.PackageSampleCount,
		base64.StdEncoding.EncodeToString(data.Raw))
}
