package connmgr

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"

	"bluetooth-serial/internal/rfcomm"
)

func deviceIfaces(addr, name string, uuids ...string) map[string]map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"UUIDs": dbus.MakeVariant(uuids),
		"Name":  dbus.MakeVariant(name),
		"Alias": dbus.MakeVariant(name + " alias"),
	}
	if addr != "" {
		props["Address"] = dbus.MakeVariant(addr)
	}
	return map[string]map[string]dbus.Variant{deviceIface: props}
}

func testObjects() managedObjects {
	return managedObjects{
		"/org/bluez/hci0": {adapterIface: {}},
		"/org/bluez/hci0/dev_00_11_22_33_44_55": deviceIfaces("00:11:22:33:44:55", "printer",
			"00001101-0000-1000-8000-00805F9B34FB"),
		"/org/bluez/hci0/dev_66_77_88_99_AA_BB": deviceIfaces("", "headset",
			"0000110b-0000-1000-8000-00805f9b34fb"),
	}
}

func TestMacFromPath(t *testing.T) {
	tests := []struct {
		path dbus.ObjectPath
		want string
	}{
		{"/org/bluez/hci0/dev_00_11_22_33_44_55", "00:11:22:33:44:55"},
		{"/org/bluez/hci0", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.path), func(t *testing.T) {
			assert.Equal(t, tt.want, macFromPath(tt.path))
		})
	}
}

func TestContainsUUID(t *testing.T) {
	list := []string{"0000110b-0000-1000-8000-00805f9b34fb", "00001101-0000-1000-8000-00805F9B34FB"}
	assert.True(t, containsUUID(list, rfcomm.SPPUUID))
	assert.False(t, containsUUID(list, "0000111e-0000-1000-8000-00805f9b34fb"))
	assert.False(t, containsUUID(nil, rfcomm.SPPUUID))
}

func TestAdapterPaths(t *testing.T) {
	assert.Equal(t, []dbus.ObjectPath{"/org/bluez/hci0"}, adapterPaths(testObjects()))
}

func TestFindDevice(t *testing.T) {
	objs := testObjects()

	dev, ok := findDevice(objs, "00:11:22:33:44:55")
	assert.True(t, ok)
	assert.Equal(t, "/org/bluez/hci0/dev_00_11_22_33_44_55", dev.Path)
	assert.Equal(t, "printer", dev.Name)
	assert.Equal(t, "printer alias", dev.Alias)

	// Address falls back to the object path and matching ignores case.
	dev, ok = findDevice(objs, "66:77:88:99:aa:bb")
	assert.True(t, ok)
	assert.Equal(t, "headset", dev.Name)

	_, ok = findDevice(objs, "de:ad:be:ef:00:00")
	assert.False(t, ok)
}

func TestSPPDevices(t *testing.T) {
	devs := sppDevices(testObjects(), rfcomm.SPPUUID)
	assert.Len(t, devs, 1)
	dev, ok := devs["/org/bluez/hci0/dev_00_11_22_33_44_55"]
	assert.True(t, ok)
	assert.Equal(t, "00:11:22:33:44:55", dev.MAC)

	_, ok = sppDeviceFromIfaces("/org/bluez/hci0", map[string]map[string]dbus.Variant{adapterIface: {}}, rfcomm.SPPUUID)
	assert.False(t, ok)
}
