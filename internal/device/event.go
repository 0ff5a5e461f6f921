package device

// Event is a notification published by a Transport. The concrete types are
// DeviceListEvent, StateChangedEvent, DataEvent and ErrorEvent.
type Event interface {
	// DeviceAddress returns the address the event is keyed by; empty for device lists.
	DeviceAddress() string
	isEvent()
}

// DeviceListEvent carries the devices seen during one scan period
type DeviceListEvent struct {
	Devices []BLEDevice
}

// StateChangedEvent reports a new link state for a device
type StateChangedEvent struct {
	Address string
	State   State
}

// DataEvent carries one notification payload from a device
type DataEvent struct {
	Address string
	Data    SensorData
}

// ErrorEvent carries an asynchronous driver error for a device
type ErrorEvent struct {
	Address string
	Message string
}

func (DeviceListEvent) DeviceAddress() string     { return "" }
func (e StateChangedEvent) DeviceAddress() string { return e.Address }
func (e DataEvent) DeviceAddress() string         { return e.Address }
func (e ErrorEvent) DeviceAddress() string        { return e.Address }

func (DeviceListEvent) isEvent()   {}
func (StateChangedEvent) isEvent() {}
func (DataEvent) isEvent()         {}
func (ErrorEvent) isEvent()        {}

// DataType tags the payload family of a notification
type DataType int

const (
	DataAcc  DataType = 0x1
	DataGyro DataType = 0x2
	DataEEG  DataType = 0x10
	DataECG  DataType = 0x11
	DataBrth DataType = 0x15
)

// SensorData is a typed notification payload. Samples stay in their raw wire
// form; conversion to physical units happens outside this module.
type SensorData struct {
	DataType           DataType
	SampleRate         int
	ChannelCount       int
	PackageSampleCount int
	Raw                []byte
}
