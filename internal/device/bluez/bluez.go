// Package bluez queries the BlueZ daemon over the system D-Bus.
package bluez

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"

	// DefaultAdapter is the first HCI controller.
	DefaultAdapter = "hci0"
)

// AdapterPath returns the object path of the named adapter, e.g. "/org/bluez/hci0".
func AdapterPath(adapter string) dbus.ObjectPath {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath converts "AA:BB:CC:DD:EE:FF" to "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func DevicePath(adapter, address string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(string(AdapterPath(adapter)) + "/dev_" + escaped)
}

// Client wraps a system bus connection.
type Client struct {
	conn *dbus.Conn
}

// Connect opens the shared system bus connection.
func Connect() (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Powered reports the Powered property of the adapter.
func (c *Client) Powered(ctx context.Context, adapter string) (bool, error) {
	obj := c.conn.Object(busName, AdapterPath(adapter))

	var v dbus.Variant
	if err := obj.CallWithContext(ctx, propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("read %s.Powered: %w", adapterIface, err)
	}
	return asBool(v, "Powered")
}

func asBool(v dbus.Variant, prop string) (bool, error) {
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

// Powered is a one-shot probe of the adapter power state over the system bus.
// Any failure to reach BlueZ counts as powered off.
func Powered(ctx context.Context, adapter string) bool {
	c, err := Connect()
	if err != nil {
		return false
	}
	on, err := c.Powered(ctx, adapter)
	return err == nil && on
}
