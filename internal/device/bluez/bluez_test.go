package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterPath(t *testing.T) {
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0"), AdapterPath(""))
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci1"), AdapterPath("hci1"))
}

func TestDevicePath(t *testing.T) {
	got := DevicePath("", "aa:bb:cc:dd:ee:ff")
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"), got)
	assert.True(t, got.IsValid())
}

func TestAsBool(t *testing.T) {
	on, err := asBool(dbus.MakeVariant(true), "Powered")
	require.NoError(t, err)
	assert.True(t, on)

	_, err = asBool(dbus.MakeVariant("yes"), "Powered")
	assert.ErrorContains(t, err, "not bool")
}
