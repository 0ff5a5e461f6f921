package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/groutine"
)

// link is the per-address connection record.
type link struct {
	address string

	mu           sync.Mutex
	state        device.State
	client       ble.Client
	profile      *ble.Profile
	data         *ble.Characteristic
	mtu          int
	transferring bool
	cancel       context.CancelFunc // stops the disconnect monitor
}

func (l *link) State() device.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) Transferring() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferring
}

// reset returns the link to Disconnected and hands back the client it held.
// The peer is not told; callers cancel the returned client when needed.
func (l *link) reset() ble.Client {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	client := l.client
	l.client = nil
	l.profile = nil
	l.data = nil
	l.transferring = false
	l.state = device.Disconnected
	return client
}

// drop resets the link and cancels the connection it held.
func (l *link) drop() {
	if client := l.reset(); client != nil {
		_ = client.CancelConnection()
	}
}

// adopt stores client if the link is still in state want.
func (l *link) adopt(client ble.Client, want device.State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != want {
		return false
	}
	l.client = client
	return true
}

// ready returns the client and profile of a Ready link.
func (l *link) ready() (ble.Client, *ble.Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != device.Ready || l.client == nil {
		return nil, nil, fmt.Errorf("%w: %s is %s", device.ErrNotReady, l.address, l.state)
	}
	return l.client, l.profile, nil
}

// advance moves a link still owned by client to s and publishes the change.
func (t *Transport) advance(l *link, client ble.Client, s device.State) bool {
	l.mu.Lock()
	if l.client != client {
		l.mu.Unlock()
		return false
	}
	l.state = s
	l.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address": l.address,
		"state":   s,
	}).Debug("Link state changed")
	t.publish(device.StateChangedEvent{Address: l.address, State: s})
	return true
}

// Connect starts connecting and returns once the attempt is under way.
// Progress is reported as Connecting, Connected and Ready state changes;
// a failed attempt reports an error followed by Disconnected.
func (t *Transport) Connect(_ context.Context, address string) (bool, error) {
	l, err := t.lookup(address)
	if err != nil {
		return false, err
	}

	dev, err := t.hostDevice()
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	if l.state != device.Disconnected {
		l.mu.Unlock()
		return true, nil
	}
	l.state = device.Connecting
	l.mu.Unlock()

	t.publish(device.StateChangedEvent{Address: l.address, State: device.Connecting})

	groutine.Go(context.Background(), "ble-connect-"+l.address, func(ctx context.Context) {
		if err := t.dial(ctx, dev, l); err != nil {
			t.logger.WithError(err).WithField("address", l.address).Error("BLE connect failed")
			t.publish(device.ErrorEvent{Address: l.address, Message: err.Error()})
			l.drop()
			t.publish(device.StateChangedEvent{Address: l.address, State: device.Disconnected})
		}
	})
	return true, nil
}

func (t *Transport) dial(ctx context.Context, dev ble.Device, l *link) error {
	dialCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	client, err := dev.Dial(dialCtx, ble.NewAddr(l.address))
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.address, NormalizeError(err))
	}
	if !l.adopt(client, device.Connecting) {
		// disconnected while dialing
		_ = client.CancelConnection()
		return nil
	}
	if !t.advance(l, client, device.Connected) {
		return nil
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return fmt.Errorf("discover profile: %w", NormalizeError(err))
	}

	mtu, err := client.ExchangeMTU(t.opts.RequestMTU)
	if err != nil || mtu <= 0 {
		t.logger.WithError(err).WithField("address", l.address).Debug("MTU exchange refused")
		mtu = defaultATTMTU
	}

	data, err := t.dataCharacteristic(profile)
	if err != nil {
		t.logger.WithError(err).WithField("address", l.address).Warn("Data characteristic not found")
	}

	monitorCtx, stop := context.WithCancel(context.Background())
	l.mu.Lock()
	if l.client != client {
		l.mu.Unlock()
		stop()
		return nil
	}
	l.profile = profile
	l.data = data
	l.mtu = mtu
	l.cancel = stop
	l.mu.Unlock()

	t.monitor(monitorCtx, l, client)
	if !t.advance(l, client, device.Ready) {
		return nil
	}

	t.logger.WithFields(logrus.Fields{
		"address":  l.address,
		"services": len(profile.Services),
		"mtu":      mtu,
	}).Info("BLE device ready")
	return nil
}

func (t *Transport) dataCharacteristic(profile *ble.Profile) (*ble.Characteristic, error) {
	svcUUID, err := parseUUID(t.opts.DataService)
	if err != nil {
		return nil, err
	}
	charUUID, err := parseUUID(t.opts.DataCharacteristic)
	if err != nil {
		return nil, err
	}

	for _, svc := range profile.Services {
		if !svc.UUID.Equal(svcUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(charUUID) {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("characteristic %s/%s not in profile", t.opts.DataService, t.opts.DataCharacteristic)
}

// monitor reports a peer-initiated disconnect. Clients that cannot signal
// disconnection are only seen going down through Disconnect.
func (t *Transport) monitor(ctx context.Context, l *link, client ble.Client) {
	notifier, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		t.logger.Debug("Client does not report disconnection")
		return
	}

	groutine.Go(ctx, "ble-connection-monitor-"+l.address, func(ctx context.Context) {
		select {
		case <-notifier.Disconnected():
			l.mu.Lock()
			current := l.client == client
			l.mu.Unlock()
			if !current {
				return
			}
			t.logger.WithField("address", l.address).Warn("Peer disconnected")
			l.reset()
			t.publish(device.StateChangedEvent{Address: l.address, State: device.Disconnected})
		case <-ctx.Done():
		}
	})
}

// Disconnect starts tearing the link down and returns once the request is
// under way. Completion is reported as a Disconnected state change.
func (t *Transport) Disconnect(_ context.Context, address string) (bool, error) {
	l, err := t.lookup(address)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	prev, client := l.state, l.client
	if prev == device.Disconnected {
		l.mu.Unlock()
		return true, nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.state = device.Disconnecting
	l.mu.Unlock()

	t.publish(device.StateChangedEvent{Address: l.address, State: device.Disconnecting})

	groutine.Go(context.Background(), "ble-disconnect-"+l.address, func(ctx context.Context) {
		if client != nil {
			if err := client.CancelConnection(); err != nil {
				err = NormalizeError(err)
				if !errors.Is(err, device.ErrNotConnected) {
					t.logger.WithError(err).WithField("address", l.address).Warn("BLE disconnect failed")
					t.publish(device.ErrorEvent{Address: l.address, Message: err.Error()})
					l.mu.Lock()
					l.state = prev
					l.mu.Unlock()
					return
				}
			}
		}
		l.reset()
		t.publish(device.StateChangedEvent{Address: l.address, State: device.Disconnected})
	})
	return true, nil
}

// StartNotify subscribes to the data characteristic. Each notification is
// published as a DataEvent.
func (t *Transport) StartNotify(_ context.Context, address string) (bool, error) {
	l, err := t.lookup(address)
	if err != nil {
		return false, err
	}
	client, _, err := l.ready()
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	data := l.data
	l.mu.Unlock()
	if data == nil {
		return false, fmt.Errorf("%w: no data characteristic on %s", device.ErrUnsupported, l.address)
	}

	indicate := data.Property&ble.CharNotify == 0 && data.Property&ble.CharIndicate != 0
	err = client.Subscribe(data, indicate, func(payload []byte) {
		raw := make([]byte, len(payload))
		copy(raw, payload)
		t.publish(device.DataEvent{
			Address: l.address,
			Data:    device.SensorData{DataType: t.opts.DataType, Raw: raw},
		})
	})
	if err != nil {
		return false, NormalizeError(err)
	}

	l.mu.Lock()
	l.transferring = true
	l.mu.Unlock()
	return true, nil
}

// StopNotify unsubscribes from the data characteristic.
func (t *Transport) StopNotify(_ context.Context, address string) (bool, error) {
	l, err := t.lookup(address)
	if err != nil {
		return false, err
	}
	client, _, err := l.ready()
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	data, on := l.data, l.transferring
	l.mu.Unlock()
	if data == nil || !on {
		return true, nil
	}

	indicate := data.Property&ble.CharNotify == 0 && data.Property&ble.CharIndicate != 0
	if err := client.Unsubscribe(data, indicate); err != nil {
		return false, NormalizeError(err)
	}

	l.mu.Lock()
	l.transferring = false
	l.mu.Unlock()
	return true, nil
}

// GetBattery reads the Battery Level characteristic.
func (t *Transport) GetBattery(_ context.Context, address string) (int, error) {
	l, err := t.lookup(address)
	if err != nil {
		return 0, err
	}
	client, profile, err := l.ready()
	if err != nil {
		return 0, err
	}

	value, err := read(client, profile, uuidBatteryLevel)
	if err != nil {
		return 0, err
	}
	if len(value) == 0 {
		return 0, fmt.Errorf("empty battery level from %s", l.address)
	}
	return int(value[0]), nil
}

// GetDeviceInfo reads the Device Information service. quickOnly returns the
// negotiated MTU alone. Missing characteristics leave their fields empty.
func (t *Transport) GetDeviceInfo(_ context.Context, address string, quickOnly bool) (*device.DeviceInfo, error) {
	l, err := t.lookup(address)
	if err != nil {
		return nil, err
	}
	client, profile, err := l.ready()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	info := &device.DeviceInfo{MTUSize: l.mtu}
	l.mu.Unlock()
	if quickOnly {
		return info, nil
	}

	fields := []struct {
		uuid ble.UUID
		dst  *string
	}{
		{uuidDeviceName, &info.DeviceName},
		{uuidModelNumber, &info.ModelName},
		{uuidHardwareVersion, &info.HardwareVersion},
		{uuidFirmwareVersion, &info.FirmwareVersion},
	}
	for _, f := range fields {
		value, err := read(client, profile, f.uuid)
		if err != nil {
			t.logger.WithError(err).WithField("uuid", f.uuid.String()).Debug("Device info field unavailable")
			continue
		}
		*f.dst = string(value)
	}
	return info, nil
}

func read(client ble.Client, profile *ble.Profile, uuid ble.UUID) ([]byte, error) {
	if profile == nil {
		return nil, fmt.Errorf("%w: no profile", device.ErrNotReady)
	}
	c := profile.FindCharacteristic(ble.NewCharacteristic(uuid))
	if c == nil {
		return nil, fmt.Errorf("%w: characteristic %s", device.ErrUnsupported, uuid.String())
	}
	value, err := client.ReadCharacteristic(c)
	if err != nil {
		return nil, NormalizeError(err)
	}
	return value, nil
}
