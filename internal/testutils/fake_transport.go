package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/ringchan"
)

// Transport verb names accepted by FakeTransport.Calls.
const (
	CallStartScan     = "StartScan"
	CallStopScan      = "StopScan"
	CallInitSensor    = "InitSensor"
	CallConnect       = "Connect"
	CallDisconnect    = "Disconnect"
	CallStartNotify   = "StartNotify"
	CallStopNotify    = "StopNotify"
	CallInitChannel   = "InitChannel"
	CallInitTransfer  = "InitTransfer"
	CallGetBattery    = "GetBattery"
	CallGetDeviceInfo = "GetDeviceInfo"
	CallSetParam      = "SetParam"
)

// FakeTransport is a scripted device.Transport.
//
// Without hooks it behaves like a healthy device: connect walks the state to
// Ready and publishes Connected and Ready events, disconnect publishes
// Disconnected, init verbs succeed on the first attempt. Any *Func hook
// replaces the default behaviour of its verb. Hooks must be set before the
// fake is shared with other goroutines.
type FakeTransport struct {
	StartScanFunc     func(ctx context.Context, period time.Duration) (bool, error)
	ConnectFunc       func(ctx context.Context, address string) (bool, error)
	DisconnectFunc    func(ctx context.Context, address string) (bool, error)
	StartNotifyFunc   func(ctx context.Context, address string) (bool, error)
	StopNotifyFunc    func(ctx context.Context, address string) (bool, error)
	InitChannelFunc   func(ctx context.Context, address string, kind device.ChannelKind, sampleCount int) (int, error)
	InitTransferFunc  func(ctx context.Context, address string, probeOnly bool) (device.FeatureMask, error)
	GetBatteryFunc    func(ctx context.Context, address string) (int, error)
	GetDeviceInfoFunc func(ctx context.Context, address string, quickOnly bool) (*device.DeviceInfo, error)
	SetParamFunc      func(ctx context.Context, address, key, value string) (string, error)

	// Mask is returned by a probing InitTransfer.
	Mask device.FeatureMask
	// Channels is returned by InitChannel per kind.
	Channels map[device.ChannelKind]int
	// Info is returned by GetDeviceInfo.
	Info device.DeviceInfo
	// Level is returned by GetBattery.
	Level int
	// Enabled is returned by IsEnabled.
	Enabled bool

	mu           sync.Mutex
	states       map[string]device.State
	transferring map[string]bool
	scanning     bool
	calls        map[string]int
	events       *ringchan.RingChannel[device.Event]
}

// NewFakeTransport returns a fake reporting an EEG+ECG device with a
// negotiated MTU.
func NewFakeTransport() *FakeTransport {
	bits := device.DefaultFeatureBits()
	return &FakeTransport{
		Mask:     bits.EEG | bits.ECG,
		Channels: map[device.ChannelKind]int{device.EEG: 8, device.ECG: 1, device.IMU: 1, device.Respiration: 1},
		Info: device.DeviceInfo{
			DeviceName:      "BioSense",
			ModelName:       "BS-1",
			HardwareVersion: "1.0",
			FirmwareVersion: "2.3.1",
			MTUSize:         247,
		},
		Level:        87,
		Enabled:      true,
		states:       make(map[string]device.State),
		transferring: make(map[string]bool),
		calls:        make(map[string]int),
		events:       ringchan.New[device.Event](256),
	}
}

// Calls returns how many times verb was invoked.
func (f *FakeTransport) Calls(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[verb]
}

// SetState changes the reported state without publishing an event.
func (f *FakeTransport) SetState(address string, state device.State) {
	f.mu.Lock()
	f.states[address] = state
	f.mu.Unlock()
}

// Transition changes the reported state and publishes the matching event.
func (f *FakeTransport) Transition(address string, state device.State) {
	f.SetState(address, state)
	f.Emit(device.StateChangedEvent{Address: address, State: state})
}

// SetTransferring changes the reported transferring flag.
func (f *FakeTransport) SetTransferring(address string, on bool) {
	f.mu.Lock()
	f.transferring[address] = on
	f.mu.Unlock()
}

// Emit publishes ev on the event stream.
func (f *FakeTransport) Emit(ev device.Event) {
	f.events.Send(ev)
}

// Close closes the event stream.
func (f *FakeTransport) Close() {
	f.events.Close()
}

func (f *FakeTransport) record(verb string) {
	f.mu.Lock()
	f.calls[verb]++
	f.mu.Unlock()
}

func (f *FakeTransport) StartScan(ctx context.Context, period time.Duration) (bool, error) {
	f.record(CallStartScan)
	if f.StartScanFunc != nil {
		return f.StartScanFunc(ctx, period)
	}
	f.mu.Lock()
	f.scanning = true
	f.mu.Unlock()
	return true, nil
}

func (f *FakeTransport) StopScan(context.Context) error {
	f.record(CallStopScan)
	f.mu.Lock()
	f.scanning = false
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) IsScanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *FakeTransport) IsEnabled() bool {
	return f.Enabled
}

func (f *FakeTransport) InitSensor(string) bool {
	f.record(CallInitSensor)
	return true
}

func (f *FakeTransport) Connect(ctx context.Context, address string) (bool, error) {
	f.record(CallConnect)
	if f.ConnectFunc != nil {
		return f.ConnectFunc(ctx, address)
	}
	f.Transition(address, device.Connected)
	f.Transition(address, device.Ready)
	return true, nil
}

func (f *FakeTransport) Disconnect(ctx context.Context, address string) (bool, error) {
	f.record(CallDisconnect)
	if f.DisconnectFunc != nil {
		return f.DisconnectFunc(ctx, address)
	}
	f.SetTransferring(address, false)
	f.Transition(address, device.Disconnected)
	return true, nil
}

func (f *FakeTransport) StartNotify(ctx context.Context, address string) (bool, error) {
	f.record(CallStartNotify)
	if f.StartNotifyFunc != nil {
		return f.StartNotifyFunc(ctx, address)
	}
	f.SetTransferring(address, true)
	return true, nil
}

func (f *FakeTransport) StopNotify(ctx context.Context, address string) (bool, error) {
	f.record(CallStopNotify)
	if f.StopNotifyFunc != nil {
		return f.StopNotifyFunc(ctx, address)
	}
	f.SetTransferring(address, false)
	return false, nil
}

func (f *FakeTransport) IsTransferring(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transferring[address]
}

func (f *FakeTransport) InitChannel(ctx context.Context, address string, kind device.ChannelKind, sampleCount int) (int, error) {
	f.record(CallInitChannel)
	f.record(CallInitChannel + ":" + kind.String())
	if f.InitChannelFunc != nil {
		return f.InitChannelFunc(ctx, address, kind, sampleCount)
	}
	return f.Channels[kind], nil
}

func (f *FakeTransport) InitTransfer(ctx context.Context, address string, probeOnly bool) (device.FeatureMask, error) {
	f.record(CallInitTransfer)
	if f.InitTransferFunc != nil {
		return f.InitTransferFunc(ctx, address, probeOnly)
	}
	if probeOnly {
		return f.Mask, nil
	}
	return 1, nil
}

func (f *FakeTransport) GetBattery(ctx context.Context, address string) (int, error) {
	f.record(CallGetBattery)
	if f.GetBatteryFunc != nil {
		return f.GetBatteryFunc(ctx, address)
	}
	return f.Level, nil
}

func (f *FakeTransport) GetDeviceInfo(ctx context.Context, address string, quickOnly bool) (*device.DeviceInfo, error) {
	f.record(CallGetDeviceInfo)
	if f.GetDeviceInfoFunc != nil {
		return f.GetDeviceInfoFunc(ctx, address, quickOnly)
	}
	if quickOnly {
		return &device.DeviceInfo{MTUSize: f.Info.MTUSize}, nil
	}
	return f.Info.Clone(), nil
}

func (f *FakeTransport) GetState(address string) device.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[address]; ok {
		return st
	}
	return device.Disconnected
}

func (f *FakeTransport) SetParam(ctx context.Context, address, key, value string) (string, error) {
	f.record(CallSetParam)
	if f.SetParamFunc != nil {
		return f.SetParamFunc(ctx, address, key, value)
	}
	return key + "=" + value, nil
}

func (f *FakeTransport) Events() <-chan device.Event {
	return f.events.C()
}

var _ device.Transport = (*FakeTransport)(nil)
