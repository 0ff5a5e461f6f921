package device

// State is the link-level state of a device as reported by the driver
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Ready
	Disconnecting
	Invalid
)

var stateNames = [...]string{
	Disconnected:  "Disconnected",
	Connecting:    "Connecting",
	Connected:     "Connected",
	Ready:         "Ready",
	Disconnecting: "Disconnecting",
	Invalid:       "Invalid",
}

// String returns the driver's name for the state
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Invalid"
	}
	return stateNames[s]
}

// ChannelKind identifies a data channel family that can be initialized on a device
type ChannelKind int

const (
	EEG ChannelKind = iota
	ECG
	IMU
	Respiration
)

// ChannelKinds lists the initializable kinds in init order
var ChannelKinds = []ChannelKind{EEG, ECG, IMU, Respiration}

func (k ChannelKind) String() string {
	switch k {
	case EEG:
		return "EEG"
	case ECG:
		return "ECG"
	case IMU:
		return "IMU"
	case Respiration:
		return "BRTH"
	default:
		return "UNKNOWN"
	}
}

// FeatureMask is the device-reported bitmask of supported data channels
type FeatureMask uint32

// Has reports whether every bit of bit is set
func (m FeatureMask) Has(bit FeatureMask) bool {
	return bit != 0 && m&bit == bit
}

// FeatureBits assigns a feature-mask bit to each channel kind.
// The values come from call sites rather than firmware documentation, so they
// are configuration.
type FeatureBits struct {
	EEG         FeatureMask `yaml:"eeg"`
	ECG         FeatureMask `yaml:"ecg"`
	IMU         FeatureMask `yaml:"imu"`
	Respiration FeatureMask `yaml:"respiration"`
	EMG         FeatureMask `yaml:"emg"`
}

// DefaultFeatureBits returns the bit layout observed in shipping firmware
func DefaultFeatureBits() FeatureBits {
	return FeatureBits{
		EEG:         0x400000,
		ECG:         0x800000,
		IMU:         0x2000000,
		Respiration: 0x8000000,
		EMG:         0x200000,
	}
}

// Bit returns the bit assigned to kind, or zero when the kind is unknown
func (b FeatureBits) Bit(kind ChannelKind) FeatureMask {
	switch kind {
	case EEG:
		return b.EEG
	case ECG:
		return b.ECG
	case IMU:
		return b.IMU
	case Respiration:
		return b.Respiration
	default:
		return 0
	}
}
