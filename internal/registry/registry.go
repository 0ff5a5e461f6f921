// Package registry owns the address → Session table and routes the
// transport's single event stream to the owning sessions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
	"github.com/srg/sensorlink/internal/observer"
	"github.com/srg/sensorlink/internal/session"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Scan period bounds; requested periods are clamped into this range.
const (
	MinScanPeriod = 6 * time.Second
	MaxScanPeriod = 30 * time.Second
)

var (
	ErrPermissionDenied = errors.New("scan permission denied")
	ErrScanInProgress   = errors.New("scan already in progress")
	ErrBindFailed       = errors.New("transport refused device binding")
)

// Options configures a Registry.
type Options struct {
	// Session is applied to every session the registry creates.
	Session session.Options
	// RejectConcurrentScan makes StartScan fail with ErrScanInProgress while
	// a scan is running; otherwise the request proceeds.
	RejectConcurrentScan bool
}

// DefaultOptions returns the registry defaults.
func DefaultOptions() Options {
	return Options{
		Session:              session.DefaultOptions(),
		RejectConcurrentScan: true,
	}
}

// Registry is the process-wide table of device sessions.
type Registry struct {
	transport device.Transport
	perms     Permissions
	opts      Options
	logger    *logrus.Logger

	mu       sync.Mutex
	sessions *orderedmap.OrderedMap[string, *session.Session]
	runCtx   context.Context
	wg       sync.WaitGroup

	discovered *hashmap.Map[string, device.BLEDevice]
	lastScan   []device.BLEDevice

	scanMu sync.Mutex

	deviceListObs observer.Set[[]device.BLEDevice]
}

// New creates a Registry over transport. A nil perms allows scanning
// unconditionally; a nil logger gets a default one.
func New(transport device.Transport, perms Permissions, opts Options, logger *logrus.Logger) *Registry {
	if perms == nil {
		perms = AllowAll{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Registry{
		transport:  transport,
		perms:      perms,
		opts:       opts,
		logger:     logger,
		sessions:   orderedmap.New[string, *session.Session](),
		discovered: hashmap.New[string, device.BLEDevice](),
	}
}

// Session returns the session for address, creating it on first use.
// The identity of a previously discovered device is preserved.
func (r *Registry) Session(address string) (*session.Session, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, device.ErrInvalidAddress
	}

	dev, ok := r.discovered.Get(address)
	if !ok {
		dev = device.BLEDevice{Address: address}
	}
	return r.Require(dev)
}

// Require returns the session for dev, creating it with dev's identity on
// first use.
func (r *Registry) Require(dev device.BLEDevice) (*session.Session, error) {
	if dev.Address == "" {
		return nil, device.ErrInvalidAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions.Get(dev.Address); ok {
		return s, nil
	}

	if !r.transport.InitSensor(dev.Address) {
		r.logger.WithField("address", dev.Address).Error("Transport refused device binding")
		return nil, fmt.Errorf("registry: %s: %w", dev.Address, ErrBindFailed)
	}

	s := session.New(dev, r.transport, r.opts.Session, r.logger)
	r.sessions.Set(dev.Address, s)
	if r.runCtx != nil {
		r.startSession(s)
	}

	r.logger.WithFields(logrus.Fields{
		"address": dev.Address,
		"name":    dev.Name,
	}).Debug("Session created")
	return s, nil
}

// Lookup returns the session for address without creating one.
func (r *Registry) Lookup(address string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions.Get(address)
}

// must be called with r.mu held
func (r *Registry) startSession(s *session.Session) {
	groutine.GoWait(r.runCtx, &r.wg, "session-"+s.Address(), s.Run)
}

// Run routes transport events until ctx is done or the event stream closes.
// Session watchdogs run for as long as Run does.
func (r *Registry) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.runCtx != nil {
		r.mu.Unlock()
		return errors.New("registry: already running")
	}
	r.runCtx = ctx
	for pair := r.sessions.Oldest(); pair != nil; pair = pair.Next() {
		r.startSession(pair.Value)
	}
	r.mu.Unlock()

	defer func() {
		cancel()
		r.wg.Wait()

		r.mu.Lock()
		r.runCtx = nil
		r.mu.Unlock()
	}()

	r.logger.Debug("Registry dispatch started")
	events := r.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				r.logger.Debug("Transport event stream closed")
				return nil
			}
			r.dispatch(ev)
		}
	}
}

func (r *Registry) dispatch(ev device.Event) {
	if list, ok := ev.(device.DeviceListEvent); ok {
		r.updateDiscovered(list.Devices)
		return
	}

	s, ok := r.Lookup(ev.DeviceAddress())
	if !ok {
		r.logger.WithField("address", ev.DeviceAddress()).Debug("Event for unknown device ignored")
		return
	}

	switch e := ev.(type) {
	case device.StateChangedEvent:
		s.HandleStateChange(e.State)
	case device.DataEvent:
		s.HandleData(e.Data)
	case device.ErrorEvent:
		s.HandleError(e.Message)
	}
}

func (r *Registry) updateDiscovered(devices []device.BLEDevice) {
	for _, dev := range devices {
		if dev.Address == "" {
			continue
		}
		r.discovered.Set(dev.Address, dev)
	}

	snapshot := append([]device.BLEDevice(nil), devices...)
	r.mu.Lock()
	r.lastScan = snapshot
	r.mu.Unlock()

	r.logger.WithField("device_count", len(devices)).Debug("Device list received")
	r.deviceListObs.Notify(snapshot)
}

// OnDeviceList subscribes to scan results.
func (r *Registry) OnDeviceList(fn func([]device.BLEDevice)) (cancel func()) {
	return r.deviceListObs.Subscribe(fn)
}

// StartScan starts discovery for period, clamped to MinScanPeriod..MaxScanPeriod.
//
// Scanning requires permission: when Check fails the user is prompted, and a
// refused prompt is shown once more before failing with ErrPermissionDenied.
func (r *Registry) StartScan(ctx context.Context, period time.Duration) (bool, error) {
	if err := r.acquirePermission(ctx); err != nil {
		return false, err
	}

	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	if r.transport.IsScanning() {
		if r.opts.RejectConcurrentScan {
			r.logger.Warn("Scan rejected: another scan is running")
			return false, ErrScanInProgress
		}
		r.logger.Debug("Scan already running, restarting")
	}

	clamped := ClampScanPeriod(period)
	r.logger.WithFields(logrus.Fields{
		"requested": period,
		"period":    clamped,
	}).Info("Starting scan")

	ok, err := r.transport.StartScan(ctx, clamped)
	if err != nil {
		return false, fmt.Errorf("registry: start scan: %w", device.NormalizeError(err))
	}
	return ok, nil
}

func (r *Registry) acquirePermission(ctx context.Context) error {
	if r.perms.Check(ctx) {
		return nil
	}

	for attempt := 1; attempt <= 2; attempt++ {
		granted, err := r.perms.Request(ctx)
		if err != nil {
			r.logger.WithError(err).WithField("attempt", attempt).Warn("Permission request failed")
		}
		if granted {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	r.logger.Error("Scan permission denied")
	return ErrPermissionDenied
}

// ClampScanPeriod bounds period to MinScanPeriod..MaxScanPeriod.
func ClampScanPeriod(period time.Duration) time.Duration {
	return min(max(period, MinScanPeriod), MaxScanPeriod)
}

// StopScan stops discovery.
func (r *Registry) StopScan(ctx context.Context) error {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	if err := r.transport.StopScan(ctx); err != nil {
		return fmt.Errorf("registry: stop scan: %w", device.NormalizeError(err))
	}
	r.logger.Info("Scan stopped")
	return nil
}

// IsScanning reports whether discovery is running.
func (r *Registry) IsScanning() bool { return r.transport.IsScanning() }

// IsEnabled reports whether the radio is available.
func (r *Registry) IsEnabled() bool { return r.transport.IsEnabled() }

// ConnectedSessions returns the Ready sessions in creation order.
func (r *Registry) ConnectedSessions() []*session.Session {
	r.mu.Lock()
	all := make([]*session.Session, 0, r.sessions.Len())
	for pair := r.sessions.Oldest(); pair != nil; pair = pair.Next() {
		all = append(all, pair.Value)
	}
	r.mu.Unlock()

	ready := all[:0]
	for _, s := range all {
		if s.State() == device.Ready {
			ready = append(ready, s)
		}
	}
	return ready
}

// ConnectedDevices returns the identities of the Ready sessions in creation order.
func (r *Registry) ConnectedDevices() []device.BLEDevice {
	sessions := r.ConnectedSessions()
	devs := make([]device.BLEDevice, 0, len(sessions))
	for _, s := range sessions {
		devs = append(devs, s.Device())
	}
	return devs
}

// LastScan returns the device list of the most recent scan report.
func (r *Registry) LastScan() []device.BLEDevice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.BLEDevice(nil), r.lastScan...)
}

// Discovered returns every device seen since the registry was created, sorted by address.
func (r *Registry) Discovered() []device.BLEDevice {
	devs := make([]device.BLEDevice, 0, r.discovered.Len())
	r.discovered.Range(func(_ string, dev device.BLEDevice) bool {
		devs = append(devs, dev)
		return true
	})
	sort.Slice(devs, func(i, j int) bool { return devs[i].Address < devs[j].Address })
	return devs
}
