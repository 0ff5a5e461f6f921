package goble

import (
	"fmt"
	"strings"

	"github.com/srg/sensorlink/internal/device"
)

// NormalizeError maps go-ble error strings that device.NormalizeError does not
// know about, then defers to it. Returns wrapped errors to preserve context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "have=4 want=5"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "can't init hci"), strings.Contains(msg, "no devices available"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return device.NormalizeError(err)
	}
}
