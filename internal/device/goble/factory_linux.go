//go:build linux

package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/srg/sensorlink/internal/device/bluez"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// EnabledProbe reports whether the radio is usable, asking BlueZ for the
// power state of the default adapter.
var EnabledProbe = func(ctx context.Context) bool {
	return bluez.Powered(ctx, bluez.DefaultAdapter)
}
