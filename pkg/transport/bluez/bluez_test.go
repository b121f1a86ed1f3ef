package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

const addr = "D4:22:CD:00:12:34"

func newTestTransport() *Transport {
	return New(Config{NameFilter: wire.SensorName})
}

func pending(t *Transport) []transport.Event {
	var out []transport.Event
	for {
		select {
		case ev := <-t.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func sensorObjects(t *Transport, channels ...wire.Channel) map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	dev := t.devicePath(addr)
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		dev: {ifaceDevice: {"Address": dbus.MakeVariant(addr)}},
	}
	for i, ch := range channels {
		path := dbus.ObjectPath(string(dev) + "/service000c/char" + string(rune('a'+i)))
		objects[path] = map[string]map[string]dbus.Variant{
			ifaceCharacteristic: {"UUID": dbus.MakeVariant(string(ch))},
		}
	}
	return objects
}

func TestDevicePath(t *testing.T) {
	adapter := dbus.ObjectPath("/org/bluez/hci0")

	tests := []struct {
		addr string
		want dbus.ObjectPath
	}{
		{"d4:22:cd:00:12:34", "/org/bluez/hci0/dev_D4_22_CD_00_12_34"},
		{"D4-22-CD-00-12-34", "/org/bluez/hci0/dev_D4_22_CD_00_12_34"},
	}
	for _, tt := range tests {
		if got := devicePath(adapter, tt.addr); got != tt.want {
			t.Errorf("devicePath(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestAddressFromPath(t *testing.T) {
	adapter := dbus.ObjectPath("/org/bluez/hci0")

	got, ok := addressFromPath(adapter, "/org/bluez/hci0/dev_D4_22_CD_00_12_34")
	require.True(t, ok)
	assert.Equal(t, addr, got)

	for _, p := range []dbus.ObjectPath{
		"/org/bluez/hci0",
		"/org/bluez/hci1/dev_D4_22_CD_00_12_34",
		"/org/bluez/hci0/dev_D4_22_CD_00_12_34/service000c",
		"/org/bluez/hci0/dev_nope",
	} {
		if _, ok := addressFromPath(adapter, p); ok {
			t.Errorf("addressFromPath(%q) ok = true, want false", p)
		}
	}
}

func TestOperationsBeforeStart(t *testing.T) {
	tr := newTestTransport()

	assert.ErrorIs(t, tr.StartScanning(), transport.ErrPoweredOff)
	assert.ErrorIs(t, tr.Connect(addr), transport.ErrPoweredOff)

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, tr.Connect(addr), transport.ErrClosed)
}

func TestInterfacesAddedDiscovers(t *testing.T) {
	tr := newTestTransport()
	tr.scanning = true

	added := func(a, name string) *dbus.Signal {
		return &dbus.Signal{
			Name: sigInterfacesAdded,
			Body: []any{
				devicePath(tr.adapter, a),
				map[string]map[string]dbus.Variant{
					ifaceDevice: {
						"Address": dbus.MakeVariant(a),
						"Name":    dbus.MakeVariant(name),
						"RSSI":    dbus.MakeVariant(int16(-61)),
					},
				},
			},
		}
	}

	tr.handleSignal(added(addr, wire.SensorName))
	tr.handleSignal(added(addr, wire.SensorName))
	tr.handleSignal(added("11:22:33:44:55:66", "Headphones"))

	evs := pending(tr)
	require.Len(t, evs, 1)
	assert.Equal(t, transport.EventDiscovered, evs[0].Kind)
	assert.Equal(t, addr, evs[0].Address)
	assert.Equal(t, int16(-61), evs[0].RSSI)
}

func TestDiscoveryIgnoredWhenNotScanning(t *testing.T) {
	tr := newTestTransport()

	tr.maybeDiscovered(map[string]dbus.Variant{
		"Address": dbus.MakeVariant(addr),
		"Name":    dbus.MakeVariant(wire.SensorName),
	})

	assert.Empty(t, pending(tr))
}

func TestIndexChannels(t *testing.T) {
	tr := newTestTransport()

	found, err := tr.indexChannels(addr, sensorObjects(tr, wire.Channels...))
	require.NoError(t, err)
	assert.Len(t, found, len(wire.Channels))
	assert.Contains(t, string(found[wire.ChannelMeasurement]), "/dev_D4_22_CD_00_12_34/")
}

func TestIndexChannelsMissing(t *testing.T) {
	tr := newTestTransport()

	_, err := tr.indexChannels(addr, sensorObjects(tr, wire.ChannelControl, wire.ChannelMeasurement))
	assert.ErrorIs(t, err, transport.ErrChannelMissing)
	assert.Contains(t, err.Error(), "RECORDING_ACK")
}

func TestNotificationBecomesData(t *testing.T) {
	tr := newTestTransport()
	found, err := tr.indexChannels(addr, sensorObjects(tr, wire.Channels...))
	require.NoError(t, err)

	payload := []byte{0x64, 0, 0, 0}
	tr.handleSignal(&dbus.Signal{
		Name: sigPropertiesChanged,
		Path: dbus.ObjectPath(found[wire.ChannelMeasurement]),
		Body: []any{
			ifaceCharacteristic,
			map[string]dbus.Variant{"Value": dbus.MakeVariant(payload)},
			[]string{},
		},
	})

	evs := pending(tr)
	require.Len(t, evs, 1)
	assert.Equal(t, transport.EventData, evs[0].Kind)
	assert.Equal(t, wire.ChannelMeasurement, evs[0].Channel)
	assert.Equal(t, payload, evs[0].Data)
}

func TestLinkEdges(t *testing.T) {
	tr := newTestTransport()

	connected := func(up bool) *dbus.Signal {
		return &dbus.Signal{
			Name: sigPropertiesChanged,
			Path: tr.devicePath(addr),
			Body: []any{ifaceDevice, map[string]dbus.Variant{"Connected": dbus.MakeVariant(up)}, []string{}},
		}
	}

	tr.handleSignal(connected(true))
	tr.handleSignal(connected(true))
	tr.handleSignal(connected(false))
	tr.handleSignal(connected(false))

	evs := pending(tr)
	require.Len(t, evs, 2)
	assert.Equal(t, transport.EventConnected, evs[0].Kind)
	assert.Equal(t, transport.EventDisconnected, evs[1].Kind)
}

func TestExplicitDisconnectOfUnknownDevice(t *testing.T) {
	tr := newTestTransport()

	tr.updateLink(addr, false, true)
	tr.updateLink(addr, false, true)

	evs := pending(tr)
	require.Len(t, evs, 1, "only the first explicit disconnect of an unseen device completes")
	assert.Equal(t, transport.EventDisconnected, evs[0].Kind)
}

func TestAdapterPower(t *testing.T) {
	tr := newTestTransport()

	power := func(on bool) *dbus.Signal {
		return &dbus.Signal{
			Name: sigPropertiesChanged,
			Path: tr.adapter,
			Body: []any{ifaceAdapter, map[string]dbus.Variant{"Powered": dbus.MakeVariant(on)}, []string{}},
		}
	}

	tr.handleSignal(power(true))
	tr.handleSignal(power(false))

	evs := pending(tr)
	require.Len(t, evs, 2)
	assert.Equal(t, transport.EventPoweredOn, evs[0].Kind)
	assert.Equal(t, transport.EventPoweredOff, evs[1].Kind)
}
