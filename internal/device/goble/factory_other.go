//go:build !darwin && !linux

package goble

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/sensorlink/internal/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, fmt.Errorf("%w: no BLE host stack for %s", device.ErrUnsupported, runtime.GOOS)
}

// EnabledProbe reports whether the radio is usable.
var EnabledProbe = func(context.Context) bool {
	return false
}
