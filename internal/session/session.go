package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/observer"
	"golang.org/x/sync/singleflight"
)

// Session errors
var (
	ErrConnectInFlight    = errors.New("connect in flight")
	ErrDisconnectInFlight = errors.New("disconnect in flight")
	ErrRetriesExhausted   = errors.New("retries exhausted")
	ErrLinkReset          = errors.New("link reset while operation was running")
)

// Session coordinates every operation against one device address.
//
// Link state is never cached: State always asks the transport. The Session
// owns only the coalescing bookkeeping, the init results and the caches.
type Session struct {
	dev       device.BLEDevice
	transport device.Transport
	opts      Options
	logger    *logrus.Logger

	flights singleflight.Group

	mu      sync.Mutex
	baseCtx context.Context
	waiting map[opKind]int
	active  map[opKind]bool

	// epoch advances on every reset; results computed under an older epoch
	// are discarded instead of committed.
	epoch uint64

	initialized   bool
	transferring  bool
	featureMask   device.FeatureMask
	channelCounts map[device.ChannelKind]int
	deviceInfo    *device.DeviceInfo
	battery       int

	// zero time means "not pending"
	connectRequestedAt    time.Time
	disconnectRequestedAt time.Time
	connectAcked          bool
	connectDone           chan bool
	disconnectDone        chan bool

	batteryCancel context.CancelFunc

	stateObs   observer.Set[device.State]
	dataObs    observer.Set[device.SensorData]
	errorObs   observer.Set[string]
	batteryObs observer.Set[int]
}

// New creates a Session for dev. A nil logger gets a default one.
func New(dev device.BLEDevice, transport device.Transport, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}

	return &Session{
		dev:           dev,
		transport:     transport,
		opts:          opts.withDefaults(),
		logger:        logger,
		baseCtx:       context.Background(),
		waiting:       make(map[opKind]int),
		active:        make(map[opKind]bool),
		channelCounts: make(map[device.ChannelKind]int),
		battery:       -1,
	}
}

// Device returns the identity the session was created for.
func (s *Session) Device() device.BLEDevice { return s.dev }

// Address returns the device address.
func (s *Session) Address() string { return s.dev.Address }

// State reads the current link state from the transport.
func (s *Session) State() device.State {
	return s.transport.GetState(s.dev.Address)
}

// Initialized reports whether the full init protocol has succeeded.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Transferring reports whether notifications are flowing.
func (s *Session) Transferring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferring
}

// FeatureMask returns the cached feature mask, zero when unknown.
func (s *Session) FeatureMask() device.FeatureMask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.featureMask
}

// ChannelCount returns the number of active channels of kind.
func (s *Session) ChannelCount(kind device.ChannelKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelCounts[kind]
}

// BatteryLevel returns the last read battery percentage, -1 if unknown.
func (s *Session) BatteryLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.battery
}

// CachedDeviceInfo returns a copy of the cached device info, nil if none.
func (s *Session) CachedDeviceInfo() *device.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceInfo.Clone()
}

// OnStateChanged subscribes to state changes. Observers run after internal handling.
func (s *Session) OnStateChanged(fn func(device.State)) (cancel func()) {
	return s.stateObs.Subscribe(fn)
}

// OnData subscribes to data notifications.
func (s *Session) OnData(fn func(device.SensorData)) (cancel func()) {
	return s.dataObs.Subscribe(fn)
}

// OnError subscribes to device and transport errors.
func (s *Session) OnError(fn func(string)) (cancel func()) {
	return s.errorObs.Subscribe(fn)
}

// OnBattery subscribes to successful battery readings, including polled ones.
func (s *Session) OnBattery(fn func(int)) (cancel func()) {
	return s.batteryObs.Subscribe(fn)
}

// HandleStateChange applies a state-change notification and forwards it to observers.
func (s *Session) HandleStateChange(state device.State) {
	s.log().WithField("state", state).Debug("State changed")

	switch state {
	case device.Ready:
		s.resolveConnect(true)
	case device.Connected:
		switch {
		case s.opts.ConnectedIsReady:
			s.resolveConnect(true)
		case s.opts.ConnectedIsTimeout:
			s.mu.Lock()
			early := s.connectDone != nil && s.connectAcked
			s.mu.Unlock()
			if early {
				s.log().Warn("Connected reported while awaiting Ready, treating as connect timeout")
				s.resolveConnect(false)
			}
		}
	case device.Disconnected:
		s.resolveDisconnect(true)
		s.mu.Lock()
		connecting := s.connectDone != nil
		s.mu.Unlock()
		if connecting {
			s.log().Warn("Link dropped while connecting")
			s.resolveConnect(false)
		}
		s.reset()
	}

	s.stateObs.Notify(state)
}

// HandleData forwards a data notification to observers.
func (s *Session) HandleData(data device.SensorData) {
	s.dataObs.Notify(data)
}

// HandleError forwards a driver error to observers.
func (s *Session) HandleError(msg string) {
	s.log().WithField("error", msg).Warn("Device reported error")
	s.errorObs.Notify(msg)
}

// Run drives the watchdog until ctx is done, then tears the session down:
// the battery poll stops and pending connect/disconnect waits resolve false.
func (s *Session) Run(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	ticker := time.NewTicker(s.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case <-ticker.C:
			s.checkWatchdog(s.opts.Now())
		}
	}
}

// checkWatchdog force-resolves connect/disconnect waits older than the
// operation timeout using freshly read state.
func (s *Session) checkWatchdog(now time.Time) {
	s.mu.Lock()
	connectDue := !s.connectRequestedAt.IsZero() && now.Sub(s.connectRequestedAt) >= s.opts.OperationTimeout
	disconnectDue := !s.disconnectRequestedAt.IsZero() && now.Sub(s.disconnectRequestedAt) >= s.opts.OperationTimeout
	s.mu.Unlock()

	if !connectDue && !disconnectDue {
		return
	}

	state := s.State()
	if connectDue {
		ok := s.isConnectedState(state)
		s.log().WithFields(logrus.Fields{"state": state, "result": ok}).Warn("Connect confirmation timed out")
		s.resolveConnect(ok)
	}
	if disconnectDue {
		ok := state == device.Disconnected
		s.log().WithFields(logrus.Fields{"state": state, "result": ok}).Warn("Disconnect confirmation timed out")
		s.resolveDisconnect(ok)
	}
}

func (s *Session) isConnectedState(state device.State) bool {
	return state == device.Ready || (s.opts.ConnectedIsReady && state == device.Connected)
}

// reset clears everything a confirmed disconnect invalidates.
func (s *Session) reset() {
	s.mu.Lock()
	s.epoch++
	s.initialized = false
	s.transferring = false
	s.featureMask = 0
	s.channelCounts = make(map[device.ChannelKind]int)
	s.deviceInfo = nil
	s.battery = -1
	s.mu.Unlock()

	s.stopBatteryPoll()
}

func (s *Session) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// commit runs apply under the session lock unless a reset happened since
// epoch was read.
func (s *Session) commit(epoch uint64, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return ErrLinkReset
	}
	apply()
	return nil
}

func (s *Session) teardown() {
	s.stopBatteryPoll()
	s.resolveConnect(false)
	s.resolveDisconnect(false)
	s.log().Debug("Session torn down")
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// callContext bounds a single physical call.
func (s *Session) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.context(), s.opts.OperationTimeout)
}

func (s *Session) reportError(err error) {
	if err == nil {
		return
	}
	s.errorObs.Notify(err.Error())
}

// schedule runs fn on a named goroutine bound to the session lifetime.
func (s *Session) schedule(name string, fn func(ctx context.Context)) {
	groutine.Go(s.context(), name+"-"+s.dev.Address, fn)
}

func (s *Session) log() *logrus.Entry {
	return s.logger.WithField("address", s.dev.Address)
}
