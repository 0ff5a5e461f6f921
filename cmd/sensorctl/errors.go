package main

import (
	"errors"

	"github.com/srg/sensorlink/internal/device"
	"github.com/srg/sensorlink/internal/hub"
	"github.com/srg/sensorlink/internal/registry"
	"github.com/srg/sensorlink/internal/session"
)

// Command-level errors
var (
	// ErrConnectFailed is returned when the session could not reach Ready.
	ErrConnectFailed = errors.New("connect failed")
	// ErrInitFailed is returned when the initialization protocol did not complete.
	ErrInitFailed = errors.New("sensor initialization failed")
	// ErrStreamFailed is returned when notifications could not be started.
	ErrStreamFailed = errors.New("data streaming could not be started")
	// ErrNoDevices is returned by scan when nothing answered within the period.
	ErrNoDevices = errors.New("no devices discovered")
)

// userErrors maps known failures to the message shown to the user.
var userErrors = []struct {
	err     error
	message string
}{
	{device.ErrBluetoothOff, "Bluetooth is turned off or no adapter is available"},
	{registry.ErrPermissionDenied, "Bluetooth scan permission was denied"},
	{registry.ErrScanInProgress, "another scan is already running"},
	{registry.ErrBindFailed, "the transport refused to bind the device"},
	{session.ErrConnectInFlight, "a connect is already in progress for this device"},
	{session.ErrDisconnectInFlight, "a disconnect is in progress for this device"},
	{hub.ErrNotConnected, "the hub connection is closed"},
	{hub.ErrCommandTimeout, "the hub did not answer the command in time"},
	{device.ErrInvalidAddress, "invalid device address"},
}

// FormatUserError returns a short, user-facing description of err.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	for _, ue := range userErrors {
		if errors.Is(err, ue.err) {
			return ue.message + " (" + err.Error() + ")"
		}
	}
	return err.Error()
}
