package device

import (
	"errors"
	"fmt"
	"strings"
)

// LinkReason classifies why a per-address verb could not run.
type LinkReason int

const (
	LinkNotConnected LinkReason = iota + 1
	LinkAlreadyConnected
	LinkNotReady
	LinkNotInitialized
)

var linkReasonNames = map[LinkReason]string{
	LinkNotConnected:     "not connected",
	LinkAlreadyConnected: "already connected",
	LinkNotReady:         "not ready",
	LinkNotInitialized:   "not initialized",
}

func (r LinkReason) String() string {
	if name, ok := linkReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("link reason %d", int(r))
}

// LinkError is a failure caused by the state of a device link. errors.Is
// matches any LinkError with the same Reason, so wrapped errors built from
// the sentinels below compare equal regardless of their detail.
type LinkError struct {
	Reason LinkReason
	Detail string
}

func (e *LinkError) Error() string {
	if e.Detail == "" {
		return e.Reason.String()
	}
	return e.Reason.String() + ": " + e.Detail
}

func (e *LinkError) Is(target error) bool {
	var t *LinkError
	return errors.As(target, &t) && t.Reason == e.Reason
}

var (
	ErrNotConnected     = &LinkError{Reason: LinkNotConnected}
	ErrAlreadyConnected = &LinkError{Reason: LinkAlreadyConnected}
	ErrNotReady         = &LinkError{Reason: LinkNotReady}
	ErrNotInitialized   = &LinkError{Reason: LinkNotInitialized}
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrUnsupported      = errors.New("unsupported")
	ErrBluetoothOff     = errors.New("bluetooth is turned off")
	ErrInvalidAddress   = errors.New("invalid device address")
	ErrInvalidParameter = errors.New("invalid parameter")
)

// driverMessages maps lower-cased fragments of native driver messages to
// sentinels. First match wins.
var driverMessages = []struct {
	fragment string
	sentinel error
}{
	{"is bluetooth turned on", ErrBluetoothOff},
	{"bluetooth is turned off", ErrBluetoothOff},
	{"device not connected", ErrNotConnected},
	{"device already connected", ErrAlreadyConnected},
	{"timed out", ErrTimeout},
	{"timeout", ErrTimeout},
}

// NormalizeError wraps a driver error with the sentinel its message names.
// Errors that already carry a sentinel, and unknown messages, pass through.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range driverMessages {
		if strings.Contains(msg, m.fragment) {
			if errors.Is(err, m.sentinel) {
				return err
			}
			return fmt.Errorf("%w: %v", m.sentinel, err)
		}
	}
	return err
}
