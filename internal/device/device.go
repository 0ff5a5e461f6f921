package device

import (
	"context"
	"time"
)

// BLEDevice is the identity of a discovered device. It never changes once discovered.
type BLEDevice struct {
	Name    string `json:"Name"`
	Address string `json:"Address"`
	RSSI    int    `json:"RSSI"`
}

// DisplayName returns the advertised name, falling back to the address
func (d BLEDevice) DisplayName() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name
}

//nolint:revive // DeviceInfo name is intentional for clarity when used as a device.DeviceInfo
type DeviceInfo struct {
	DeviceName       string `json:"DeviceName"`
	ModelName        string `json:"ModelName"`
	HardwareVersion  string `json:"HardwareVersion"`
	FirmwareVersion  string `json:"FirmwareVersion"`
	MTUSize          int    `json:"MTUSize"`
	EEGChannelCount  int    `json:"EegChannelCount"`
	ECGChannelCount  int    `json:"EcgChannelCount"`
	AccChannelCount  int    `json:"AccChannelCount"`
	GyroChannelCount int    `json:"GyroChannelCount"`
	BrthChannelCount int    `json:"BrthChannelCount"`
	EMGChannelCount  int    `json:"EmgChannelCount"`
}

// Clone returns a copy that callers may mutate freely
func (i *DeviceInfo) Clone() *DeviceInfo {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}

// Transport is the primitive verb surface of the native link driver.
// Implementations perform no retries and no coalescing; every verb is a single
// physical call whose completion may never be reported through Events.
type Transport interface {
	StartScan(ctx context.Context, period time.Duration) (bool, error)
	StopScan(ctx context.Context) error
	IsScanning() bool
	IsEnabled() bool

	// InitSensor binds the driver's per-device callbacks; it must be called once
	// before any other per-address verb.
	InitSensor(address string) bool

	Connect(ctx context.Context, address string) (bool, error)
	Disconnect(ctx context.Context, address string) (bool, error)
	StartNotify(ctx context.Context, address string) (bool, error)
	StopNotify(ctx context.Context, address string) (bool, error)
	IsTransferring(address string) bool

	InitChannel(ctx context.Context, address string, kind ChannelKind, sampleCount int) (int, error)
	InitTransfer(ctx context.Context, address string, probeOnly bool) (FeatureMask, error)
	GetBattery(ctx context.Context, address string) (int, error)
	GetDeviceInfo(ctx context.Context, address string, quickOnly bool) (*DeviceInfo, error)
	GetState(address string) State
	SetParam(ctx context.Context, address, key, value string) (string, error)

	// Events is the single process-wide event stream, keyed by device address.
	Events() <-chan Event
}
