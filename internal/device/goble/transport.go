// Package goble implements device.Transport on top of the go-ble host stack.
//
// Only standard GATT services are reachable through it: battery level, device
// information and notifications of one configurable data characteristic. The
// vendor channel-setup verbs report device.ErrUnsupported.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/ringchan"
)

// Options configures a Transport.
type Options struct {
	// DataService and DataCharacteristic identify the notification source
	// streamed by StartNotify. Both accept short ("fff0") or full UUIDs.
	DataService        string
	DataCharacteristic string
	// DataType tags every published notification.
	DataType device.DataType
	// ConnectTimeout bounds dialing and profile discovery.
	ConnectTimeout time.Duration
	// RequestMTU is the ATT MTU proposed after connecting.
	RequestMTU int
	// EventBuffer is the capacity of the event stream; the oldest events are
	// overwritten when consumers fall behind.
	EventBuffer int
}

// DefaultOptions returns the options used for unset fields.
func DefaultOptions() Options {
	return Options{
		DataService:        "fff0",
		DataCharacteristic: "fff4",
		DataType:           device.DataEEG,
		ConnectTimeout:     10 * time.Second,
		RequestMTU:         247,
		EventBuffer:        1024,
	}
}

// ATT default MTU, reported when the exchange is refused.
const defaultATTMTU = 23

// Standard GATT UUIDs read by the transport.
var (
	uuidBatteryLevel    = ble.UUID16(0x2A19)
	uuidDeviceName      = ble.UUID16(0x2A00)
	uuidModelNumber     = ble.UUID16(0x2A24)
	uuidFirmwareVersion = ble.UUID16(0x2A26)
	uuidHardwareVersion = ble.UUID16(0x2A27)
)

// Transport is a go-ble backed device.Transport.
type Transport struct {
	opts   Options
	logger *logrus.Logger
	events *ringchan.RingChannel[device.Event]

	mu         sync.Mutex
	dev        ble.Device
	links      map[string]*link
	scanCancel context.CancelFunc
	scanGen    uint64
	seen       map[string]device.BLEDevice
}

var _ device.Transport = (*Transport)(nil)

// New creates a Transport. The host device is opened lazily on first use.
func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}

	def := DefaultOptions()
	if opts.DataService == "" {
		opts.DataService = def.DataService
	}
	if opts.DataCharacteristic == "" {
		opts.DataCharacteristic = def.DataCharacteristic
	}
	if opts.DataType == 0 {
		opts.DataType = def.DataType
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RequestMTU <= 0 {
		opts.RequestMTU = def.RequestMTU
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = def.EventBuffer
	}

	return &Transport{
		opts:   opts,
		logger: logger,
		events: ringchan.New[device.Event](opts.EventBuffer),
		links:  make(map[string]*link),
	}
}

// Events returns the process-wide event stream.
func (t *Transport) Events() <-chan device.Event {
	return t.events.C()
}

// Dropped returns the number of events overwritten before anyone read them.
func (t *Transport) Dropped() int64 {
	return t.events.Overwritten()
}

func (t *Transport) publish(ev device.Event) {
	t.events.Send(ev)
}

// hostDevice returns the host device, creating it on first use.
func (t *Transport) hostDevice() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	t.dev = dev
	return dev, nil
}

// IsEnabled reports whether the radio is powered.
func (t *Transport) IsEnabled() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return EnabledProbe(ctx)
}

// InitSensor registers address with the transport. Verbs on unknown
// addresses fail with device.ErrNotInitialized.
func (t *Transport) InitSensor(address string) bool {
	address = normalizeAddress(address)
	if address == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.links[address]; !ok {
		t.links[address] = &link{address: address, state: device.Disconnected}
	}
	return true
}

func (t *Transport) lookup(address string) (*link, error) {
	address = normalizeAddress(address)

	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.links[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotInitialized, address)
	}
	return l, nil
}

// GetState returns the link state; unknown addresses are Disconnected.
func (t *Transport) GetState(address string) device.State {
	l, err := t.lookup(address)
	if err != nil {
		return device.Disconnected
	}
	return l.State()
}

// IsTransferring reports whether notifications are subscribed.
func (t *Transport) IsTransferring(address string) bool {
	l, err := t.lookup(address)
	if err != nil {
		return false
	}
	return l.Transferring()
}

// InitChannel is a vendor command the GATT layer cannot express.
func (t *Transport) InitChannel(_ context.Context, _ string, kind device.ChannelKind, _ int) (int, error) {
	return 0, fmt.Errorf("%w: init %s channel", device.ErrUnsupported, kind)
}

// InitTransfer is a vendor command the GATT layer cannot express.
func (t *Transport) InitTransfer(context.Context, string, bool) (device.FeatureMask, error) {
	return 0, fmt.Errorf("%w: init data transfer", device.ErrUnsupported)
}

// SetParam is a vendor command the GATT layer cannot express.
func (t *Transport) SetParam(_ context.Context, _ string, key, _ string) (string, error) {
	return "", fmt.Errorf("%w: set param %q", device.ErrUnsupported, key)
}

// Close stops scanning, drops every link and closes the event stream.
func (t *Transport) Close() {
	_ = t.StopScan(context.Background())

	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		l.drop()
	}
	t.events.Close()
}

func normalizeAddress(address string) string {
	return strings.TrimSpace(address)
}

// parseUUID accepts short and full forms.
func parseUUID(s string) (ble.UUID, error) {
	u, err := ble.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid %q", device.ErrInvalidParameter, s)
	}
	return u, nil
}
