//go:build darwin

package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}

// EnabledProbe reports whether the radio is usable. CoreBluetooth refuses to
// create a central manager while Bluetooth is off.
var EnabledProbe = func(context.Context) bool {
	_, err := DeviceFactory()
	return err == nil
}
