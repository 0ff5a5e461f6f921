package session

import (
	"time"

	"github.com/srg/sensorlink/internal/device"
)

// Sample-count bounds accepted by Init.
const (
	MinSamplesPerPackage = 1
	MaxSamplesPerPackage = 99
)

// Options configures a Session. Zero timeouts, attempt counts, MTU, feature
// bits and clock take the values from DefaultOptions; InitRetryDelay and
// DisconnectRetries are used as given.
type Options struct {
	// OperationTimeout bounds how long a connect or disconnect may wait for
	// its confirming state change before the watchdog force-resolves it.
	OperationTimeout time.Duration
	// WatchdogInterval is the watchdog tick period.
	WatchdogInterval time.Duration
	// InitAttempts is the per-step attempt budget of the init protocol.
	InitAttempts int
	// InitRetryDelay is the pause between attempts of one init step.
	InitRetryDelay time.Duration
	// MinMTU is the smallest MTU accepted as a negotiated link.
	MinMTU int
	// DisconnectRetries is how many times a confirmed disconnect failure is re-issued.
	DisconnectRetries int
	// ConnectedIsReady treats Connected like Ready for the connect fast path
	// and for connect confirmation.
	ConnectedIsReady bool
	// ConnectedIsTimeout treats a Connected notification that arrives while a
	// connect awaits confirmation as an early connect failure.
	ConnectedIsTimeout bool
	// FeatureBits maps channel kinds to feature-mask bits.
	FeatureBits device.FeatureBits
	// Now is the clock used for watchdog timestamps.
	Now func() time.Time
}

// DefaultOptions returns the mature-protocol settings.
func DefaultOptions() Options {
	return Options{
		OperationTimeout:  10 * time.Second,
		WatchdogInterval:  time.Second,
		InitAttempts:      10,
		InitRetryDelay:    100 * time.Millisecond,
		MinMTU:            80,
		DisconnectRetries: 3,
		FeatureBits:       device.DefaultFeatureBits(),
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = d.WatchdogInterval
	}
	if o.InitAttempts <= 0 {
		o.InitAttempts = d.InitAttempts
	}
	if o.InitRetryDelay < 0 {
		o.InitRetryDelay = 0
	}
	if o.MinMTU <= 0 {
		o.MinMTU = d.MinMTU
	}
	if o.DisconnectRetries < 0 {
		o.DisconnectRetries = 0
	}
	if o.FeatureBits == (device.FeatureBits{}) {
		o.FeatureBits = d.FeatureBits
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}
