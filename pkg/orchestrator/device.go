package orchestrator

import (
	"slices"

	"github.com/dotfleet/dotfleet-go/pkg/clocksync"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Device is one sensor known to the orchestrator.
type Device struct {
	Address string
	Name    string
	RSSI    int16

	// Linked is true between channel discovery and the next disconnect.
	Linked bool

	Channels map[wire.Channel]transport.Handle

	// Payload is the layout the device streams once enabled.
	Payload wire.PayloadID

	Heading wire.HeadingStatus

	Clock clocksync.Clock

	// Samples counts decoded telemetry notifications.
	Samples uint64

	// LastTimestamp is the synchronized time of the last sample.
	LastTimestamp int64
}

// hasChannels reports whether every channel in chs was discovered.
func (d *Device) hasChannels(chs ...wire.Channel) bool {
	for _, ch := range chs {
		if _, ok := d.Channels[ch]; !ok {
			return false
		}
	}
	return true
}

// DeviceInfo is a snapshot of a device for queries.
type DeviceInfo struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	RSSI      int16  `json:"rssi"`
	State     string `json:"state"`
	Linked    bool   `json:"linked"`
	Measuring bool   `json:"measuring"`
	Payload   string `json:"payload,omitempty"`
	Heading   string `json:"heading,omitempty"`
	Samples   uint64 `json:"samples"`
	LastTime  int64  `json:"lastTimestamp,omitempty"`
}

// registry holds the devices of the current session in discovery order.
type registry struct {
	devices map[string]*Device
	order   []string
}

func newRegistry() *registry {
	return &registry{devices: make(map[string]*Device)}
}

func (r *registry) get(addr string) *Device {
	return r.devices[addr]
}

// add inserts d unless its address is known. It reports whether d was
// added.
func (r *registry) add(d *Device) bool {
	if _, ok := r.devices[d.Address]; ok {
		return false
	}
	r.devices[d.Address] = d
	r.order = append(r.order, d.Address)
	return true
}

func (r *registry) clear() {
	clear(r.devices)
	r.order = r.order[:0]
}

func (r *registry) all() []*Device {
	out := make([]*Device, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, r.devices[a])
	}
	return out
}

func (r *registry) linked() []*Device {
	var out []*Device
	for _, a := range r.order {
		if d := r.devices[a]; d.Linked {
			out = append(out, d)
		}
	}
	return out
}

// memberSet is an ordered set of addresses.
type memberSet []string

func (s *memberSet) add(addr string) bool {
	if slices.Contains(*s, addr) {
		return false
	}
	*s = append(*s, addr)
	return true
}

func (s *memberSet) remove(addr string) bool {
	i := slices.Index(*s, addr)
	if i < 0 {
		return false
	}
	*s = slices.Delete(*s, i, i+1)
	return true
}

func (s memberSet) has(addr string) bool {
	return slices.Contains(s, addr)
}

func (s memberSet) list() []string {
	return slices.Clone([]string(s))
}
