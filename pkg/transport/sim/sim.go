// Package sim provides a simulated sensor fleet behind the transport
// interface. Devices advertise when scanning, accept the real command
// frames, stream generated telemetry and answer sync rounds. Faults can be
// injected per device and operation.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dotfleet/dotfleet-go/pkg/timer"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Defaults.
const (
	DefaultLatency        = 20 * time.Millisecond
	DefaultSampleInterval = time.Second / 60
	DefaultScanSpacing    = 150 * time.Millisecond
)

// DeviceConfig describes one simulated sensor.
type DeviceConfig struct {
	Address string
	Name    string

	// RSSI reported on discovery.
	RSSI int16

	// FirstTick is the device clock at power on.
	FirstTick uint32
}

// Config configures a simulated fleet.
type Config struct {
	Devices []DeviceConfig

	// Latency delays every operation's completion event.
	Latency time.Duration

	// SampleInterval is the telemetry period while streaming.
	SampleInterval time.Duration

	// ScanSpacing separates discovery events while scanning.
	ScanSpacing time.Duration

	// Scheduler drives all simulated time. Nil means the wall clock.
	Scheduler timer.Scheduler

	// BusSize is the event buffer size.
	BusSize int

	Logger *slog.Logger
}

// Fleet returns n device configs with sequential addresses.
func Fleet(n int) []DeviceConfig {
	out := make([]DeviceConfig, n)
	for i := range out {
		out[i] = DeviceConfig{
			Address:   fmt.Sprintf("D4:22:CD:00:00:%02X", i+1),
			Name:      wire.SensorName,
			RSSI:      int16(-50 - 3*i),
			FirstTick: uint32(1_000_000 * (i + 1)),
		}
	}
	return out
}

type device struct {
	cfg DeviceConfig

	connected  bool
	enabled    bool
	subscribed bool
	payload    wire.PayloadID
	tick       uint32
	phase      float64
	heading    wire.HeadingStatus

	syncAck    []byte
	syncResult bool

	stream timer.Stopper
}

type faultKey struct {
	addr string
	op   transport.Op
}

// Transport is a simulated fleet. It implements transport.Transport.
type Transport struct {
	cfg   Config
	sched timer.Scheduler
	bus   *transport.Bus

	mu       sync.Mutex
	devices  map[string]*device
	order    []string
	faults   map[faultKey]error
	scanning bool
	scanJobs []timer.Stopper
	powered  bool
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a simulated fleet.
func New(cfg Config) *Transport {
	if cfg.Latency <= 0 {
		cfg.Latency = DefaultLatency
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.ScanSpacing <= 0 {
		cfg.ScanSpacing = DefaultScanSpacing
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = timer.System
	}

	t := &Transport{
		cfg:     cfg,
		sched:   sched,
		bus:     transport.NewBus(cfg.BusSize),
		devices: make(map[string]*device),
		faults:  make(map[faultKey]error),
	}
	for _, dc := range cfg.Devices {
		t.addLocked(dc)
	}
	return t
}

func (t *Transport) addLocked(dc DeviceConfig) {
	if dc.Name == "" {
		dc.Name = wire.SensorName
	}
	t.devices[dc.Address] = &device{
		cfg:        dc,
		tick:       dc.FirstTick,
		heading:    wire.HeadingDefaultAlignment,
		syncResult: true,
	}
	t.order = append(t.order, dc.Address)
}

// AddDevice adds a sensor to the fleet. It is found by the next scan.
func (t *Transport) AddDevice(dc DeviceConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(dc)
}

// Start powers the simulated radio on.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.powered = true
	t.later(func() { t.emit(transport.Event{Kind: transport.EventPoweredOn}) })

	go func() {
		<-ctx.Done()
		t.Close()
	}()
	return nil
}

// Events returns the event stream.
func (t *Transport) Events() <-chan transport.Event {
	return t.bus.C()
}

// Close stops every device and the event stream.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, d := range t.devices {
		t.stopStreamLocked(d)
	}
	t.stopScanJobsLocked()
	t.bus.Close()
	return nil
}

// StartScanning advertises every device not yet connected.
func (t *Transport) StartScanning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usableLocked(); err != nil {
		return &transport.Error{Op: transport.OpScan, Err: err}
	}
	if err := t.takeFaultLocked("", transport.OpScan); err != nil {
		return &transport.Error{Op: transport.OpScan, Err: err}
	}

	t.scanning = true
	t.stopScanJobsLocked()
	t.later(func() { t.emit(transport.Event{Kind: transport.EventScanStarted}) })

	delay := t.cfg.Latency
	for _, addr := range t.order {
		d := t.devices[addr]
		if d.connected {
			continue
		}
		delay += t.cfg.ScanSpacing
		ev := transport.Event{
			Kind:    transport.EventDiscovered,
			Address: d.cfg.Address,
			Name:    d.cfg.Name,
			RSSI:    d.cfg.RSSI,
		}
		t.scanJobs = append(t.scanJobs, t.sched.AfterFunc(delay, func() {
			t.mu.Lock()
			scanning := t.scanning
			t.mu.Unlock()
			if scanning {
				t.emit(ev)
			}
		}))
	}
	return nil
}

// StopScanning ends discovery.
func (t *Transport) StopScanning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usableLocked(); err != nil {
		return &transport.Error{Op: transport.OpScan, Err: err}
	}
	t.scanning = false
	t.stopScanJobsLocked()
	t.later(func() { t.emit(transport.Event{Kind: transport.EventScanStopped}) })
	return nil
}

// Connect links one device.
func (t *Transport) Connect(addr string) error {
	return t.op(transport.OpConnect, addr, "", false, func(d *device) []transport.Event {
		d.connected = true
		return []transport.Event{{Kind: transport.EventConnected, Address: addr}}
	})
}

// Disconnect drops one device. Disconnecting an unlinked device still
// reports Disconnected.
func (t *Transport) Disconnect(addr string) error {
	return t.op(transport.OpDisconnect, addr, "", false, func(d *device) []transport.Event {
		t.unlinkLocked(d)
		return []transport.Event{{Kind: transport.EventDisconnected, Address: addr}}
	})
}

// DiscoverChannels reports the handles of every sensor channel.
func (t *Transport) DiscoverChannels(addr string) error {
	return t.op(transport.OpDiscover, addr, "", true, func(d *device) []transport.Event {
		chans := make(map[wire.Channel]transport.Handle, len(wire.Channels))
		for _, c := range wire.Channels {
			chans[c] = transport.Handle("sim/" + addr + "/" + c.Short())
		}
		return []transport.Event{{Kind: transport.EventChannelsDiscovered, Address: addr, Channels: chans}}
	})
}

// ReadChannel answers heading status and sync result reads.
func (t *Transport) ReadChannel(addr string, ch wire.Channel) error {
	return t.op(transport.OpRead, addr, ch, true, func(d *device) []transport.Event {
		var data []byte
		switch ch {
		case wire.ChannelOrientationReset:
			data = []byte{byte(d.heading), 0x00}
		case wire.ChannelRecordingAck:
			data = d.syncAck
			if data == nil {
				data = []byte{wire.MIDSyncing}
			}
		case wire.ChannelControl:
			flag := byte(0)
			if d.enabled {
				flag = 1
			}
			data = []byte{0x01, flag, byte(d.payload)}
		default:
			return []transport.Event{transport.ErrorEvent(transport.OpRead, addr, ch, transport.ErrChannelMissing)}
		}
		return []transport.Event{{Kind: transport.EventReadComplete, Address: addr, Channel: ch, Data: bytes.Clone(data)}}
	})
}

// WriteChannel applies a command frame.
func (t *Transport) WriteChannel(addr string, ch wire.Channel, data []byte) error {
	data = bytes.Clone(data)
	return t.op(transport.OpWrite, addr, ch, true, func(d *device) []transport.Event {
		if err := t.applyWriteLocked(d, ch, data); err != nil {
			return []transport.Event{transport.ErrorEvent(transport.OpWrite, addr, ch, err)}
		}
		return []transport.Event{{Kind: transport.EventWriteComplete, Address: addr, Channel: ch}}
	})
}

// Subscribe enables notifications on a channel. Only the measurement
// channel notifies.
func (t *Transport) Subscribe(addr string, ch wire.Channel) error {
	return t.op(transport.OpSubscribe, addr, ch, true, func(d *device) []transport.Event {
		if ch != wire.ChannelMeasurement {
			return []transport.Event{transport.ErrorEvent(transport.OpSubscribe, addr, ch, transport.ErrChannelMissing)}
		}
		d.subscribed = true
		t.updateStreamLocked(d)
		return []transport.Event{{Kind: transport.EventSubscribed, Address: addr, Channel: ch}}
	})
}

// op validates a request now and completes it after the configured
// latency. complete runs with the lock held.
func (t *Transport) op(op transport.Op, addr string, ch wire.Channel, needLink bool, complete func(*device) []transport.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usableLocked(); err != nil {
		return &transport.Error{Op: op, Address: addr, Channel: ch, Err: err}
	}
	d, ok := t.devices[addr]
	if !ok {
		return &transport.Error{Op: op, Address: addr, Channel: ch, Err: transport.ErrUnknownDevice}
	}

	t.later(func() {
		t.mu.Lock()
		var evs []transport.Event
		switch {
		case t.closed:
		case needLink && !d.connected:
			evs = []transport.Event{transport.ErrorEvent(op, addr, ch, transport.ErrNotConnected)}
		default:
			if err := t.takeFaultLocked(addr, op); err != nil {
				evs = []transport.Event{transport.ErrorEvent(op, addr, ch, err)}
			} else {
				evs = complete(d)
			}
		}
		t.mu.Unlock()

		for _, ev := range evs {
			t.emit(ev)
		}
	})
	return nil
}

func (t *Transport) applyWriteLocked(d *device, ch wire.Channel, data []byte) error {
	switch ch {
	case wire.ChannelControl:
		if len(data) != 3 || data[0] != 0x01 {
			return fmt.Errorf("malformed control frame %x", data)
		}
		d.enabled = data[1] == 0x01
		d.payload = wire.PayloadID(data[2])
		t.updateStreamLocked(d)

	case wire.ChannelOrientationReset:
		switch {
		case bytes.Equal(data, wire.EncodeHeadingReset()):
			d.heading = wire.HeadingXRM
		case bytes.Equal(data, wire.EncodeHeadingRevert()):
			d.heading = wire.HeadingDefaultAlignment
		default:
			return fmt.Errorf("malformed heading frame %x", data)
		}

	case wire.ChannelRecordingControl:
		if len(data) < 10 || data[0] != wire.MIDSyncing || !wire.VerifyChecksum(data) {
			return fmt.Errorf("malformed sync frame %x", data)
		}
		d.syncAck = wire.EncodeSyncAck(d.syncResult)

	default:
		return transport.ErrChannelMissing
	}
	return nil
}

func (t *Transport) updateStreamLocked(d *device) {
	want := d.connected && d.enabled && d.subscribed && d.payload.Known()
	switch {
	case want && d.stream == nil:
		t.scheduleSampleLocked(d)
	case !want && d.stream != nil:
		t.stopStreamLocked(d)
	}
}

func (t *Transport) scheduleSampleLocked(d *device) {
	d.stream = t.sched.AfterFunc(t.cfg.SampleInterval, func() {
		t.mu.Lock()
		if d.stream == nil || t.closed {
			t.mu.Unlock()
			return
		}
		d.tick += uint32(t.cfg.SampleInterval / time.Microsecond)
		d.phase += t.cfg.SampleInterval.Seconds()
		buf := wire.EncodeSample(synthesize(d.tick, d.phase), d.payload)
		addr := d.cfg.Address
		t.scheduleSampleLocked(d)
		t.mu.Unlock()

		t.emit(transport.Event{Kind: transport.EventData, Address: addr, Channel: wire.ChannelMeasurement, Data: buf})
	})
}

func (t *Transport) stopStreamLocked(d *device) {
	if d.stream != nil {
		d.stream.Stop()
		d.stream = nil
	}
}

func (t *Transport) unlinkLocked(d *device) {
	d.connected = false
	d.enabled = false
	d.subscribed = false
	t.stopStreamLocked(d)
}

func (t *Transport) stopScanJobsLocked() {
	for _, s := range t.scanJobs {
		s.Stop()
	}
	t.scanJobs = nil
}

func (t *Transport) usableLocked() error {
	if t.closed {
		return transport.ErrClosed
	}
	if !t.powered {
		return transport.ErrPoweredOff
	}
	return nil
}

func (t *Transport) takeFaultLocked(addr string, op transport.Op) error {
	k := faultKey{addr: addr, op: op}
	err, ok := t.faults[k]
	if ok {
		delete(t.faults, k)
	}
	return err
}

func (t *Transport) later(f func()) {
	t.sched.AfterFunc(t.cfg.Latency, f)
}

func (t *Transport) emit(ev transport.Event) {
	if !t.bus.Emit(ev) && t.cfg.Logger != nil {
		t.cfg.Logger.Debug("sim: event dropped after close", "kind", ev.Kind.String(), "address", ev.Address)
	}
}

// FailNext makes the next op on addr complete with err. Use an empty
// address for scanning.
func (t *Transport) FailNext(addr string, op transport.Op, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faults[faultKey{addr: addr, op: op}] = err
}

// SetSyncResult sets whether the device reports success for the next sync
// round.
func (t *Transport) SetSyncResult(addr string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[addr]; ok {
		d.syncResult = success
	}
}

// Drop simulates a link loss.
func (t *Transport) Drop(addr string) {
	t.mu.Lock()
	d, ok := t.devices[addr]
	if !ok || !d.connected {
		t.mu.Unlock()
		return
	}
	t.unlinkLocked(d)
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventDisconnected, Address: addr})
}

// Connected reports whether a device is linked.
func (t *Transport) Connected(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[addr]
	return ok && d.connected
}

// Heading returns the current heading status of a device.
func (t *Transport) Heading(addr string) wire.HeadingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[addr]; ok {
		return d.heading
	}
	return 0
}

// synthesize produces a slow rotation with a small tremor.
func synthesize(tick uint32, phase float64) wire.Sample {
	yaw := float32(math.Mod(phase*30, 360) - 180)
	roll := float32(10 * math.Sin(phase))
	pitch := float32(5 * math.Cos(phase*0.5))

	half := float64(yaw) * math.Pi / 360
	q := &wire.Quat{W: float32(math.Cos(half)), Z: float32(math.Sin(half))}

	status := int32(0)
	var clip int8

	return wire.Sample{
		Tick:         tick,
		Euler:        &wire.Vec3{X: roll, Y: pitch, Z: yaw},
		Quaternion:   q,
		FreeAcc:      &wire.Vec3{X: float32(0.05 * math.Sin(phase*7)), Y: float32(0.05 * math.Cos(phase*5)), Z: 0.01},
		Acc:          &wire.Vec3{X: 0, Y: 0, Z: 9.81},
		Gyr:          &wire.Vec3{X: float32(math.Cos(phase)) * 10, Y: 0, Z: 30},
		Mag:          &wire.Vec3{X: 0.25, Y: -0.5, Z: 0.75},
		Status:       &status,
		ClipCountAcc: &clip,
		ClipCountGyr: &clip,
	}
}
