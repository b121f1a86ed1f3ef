// Package bluez implements the sensor transport on top of BlueZ over the
// system D-Bus.
//
// Operations are issued as D-Bus method calls on their own goroutine and
// report completion as transport events. Notifications, discoveries and
// link changes arrive as PropertiesChanged and InterfacesAdded signals.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/dotfleet/dotfleet-go/pkg/backoff"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// D-Bus names.
const (
	busName = "org.bluez"

	ifaceAdapter        = "org.bluez.Adapter1"
	ifaceDevice         = "org.bluez.Device1"
	ifaceCharacteristic = "org.bluez.GattCharacteristic1"
	ifaceProperties     = "org.freedesktop.DBus.Properties"
	ifaceObjectManager  = "org.freedesktop.DBus.ObjectManager"

	sigPropertiesChanged = ifaceProperties + ".PropertiesChanged"
	sigInterfacesAdded   = ifaceObjectManager + ".InterfacesAdded"
)

// Defaults.
const (
	DefaultAdapter         = "hci0"
	DefaultResolveTimeout  = 10 * time.Second
	DefaultResolveInterval = 200 * time.Millisecond
)

// Config configures the BlueZ transport.
type Config struct {
	// Adapter is the controller name, e.g. "hci0".
	Adapter string

	// NameFilter limits discovery to devices advertising this local name.
	// Empty reports every device.
	NameFilter string

	// ResolveTimeout bounds the wait for GATT services after connect.
	ResolveTimeout time.Duration

	BusSize int
	Logger  *slog.Logger

	// Dial opens the bus. Nil means the system bus.
	Dial func() (*dbus.Conn, error)

	// WaitForService retries Start while org.bluez is not on the bus.
	WaitForService bool

	// RetryInitial and RetryMax bound the retry delay. Zero values use
	// the backoff package defaults.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

type charRef struct {
	addr    string
	channel wire.Channel
}

// Transport talks to BlueZ. It implements transport.Transport.
type Transport struct {
	cfg     Config
	bus     *transport.Bus
	adapter dbus.ObjectPath

	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	chars    map[dbus.ObjectPath]charRef
	handles  map[string]map[wire.Channel]dbus.ObjectPath
	linked   map[string]bool
	seen     map[string]bool
	scanning bool
	powered  bool
	closed   bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a BlueZ transport. Start connects to the bus.
func New(cfg Config) *Transport {
	if cfg.Adapter == "" {
		cfg.Adapter = DefaultAdapter
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = dbus.ConnectSystemBus
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Transport{
		cfg:     cfg,
		bus:     transport.NewBus(cfg.BusSize),
		adapter: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
		done:    make(chan struct{}),
		chars:   make(map[dbus.ObjectPath]charRef),
		handles: make(map[string]map[wire.Channel]dbus.ObjectPath),
		linked:  make(map[string]bool),
		seen:    make(map[string]bool),
	}
}

// Start connects to the system bus, subscribes to BlueZ signals and powers
// the adapter on. With WaitForService set, Start keeps retrying with
// backoff while bluetoothd is not on the bus, until ctx is done.
func (t *Transport) Start(ctx context.Context) error {
	retry := backoff.New(backoff.Config{
		Initial: t.cfg.RetryInitial,
		Max:     t.cfg.RetryMax,
		Jitter:  backoff.DefaultJitter,
	}, nil)
	for {
		err := t.start(ctx)
		if err == nil || !t.cfg.WaitForService || !IsUnavailable(err) {
			return err
		}
		delay := retry.Next()
		t.cfg.Logger.Warn("bluez: service not available, retrying",
			"adapter", t.cfg.Adapter, "attempt", retry.Attempts(), "in", delay)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
}

func (t *Transport) start(ctx context.Context) error {
	conn, err := t.cfg.Dial()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}

	// Powered is read before subscribing so a missing bluetoothd leaves
	// nothing to undo.
	var powered bool
	adapter := conn.Object(busName, t.adapter)
	if err := adapter.Call(ifaceProperties+".Get", 0, ifaceAdapter, "Powered").Store(&powered); err != nil {
		conn.Close()
		return fmt.Errorf("read adapter %s: %w", t.cfg.Adapter, err)
	}

	for _, rule := range t.matchRules() {
		if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			conn.Close()
			return fmt.Errorf("add match %q: %w", rule, err)
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.signals = make(chan *dbus.Signal, 256)
	t.mu.Unlock()
	conn.Signal(t.signals)

	t.wg.Add(1)
	go t.signalLoop(ctx)

	if powered {
		t.setPowered(true)
		return nil
	}

	t.cfg.Logger.Info("bluez: powering adapter on", "adapter", t.cfg.Adapter)
	if err := adapter.Call(ifaceProperties+".Set", 0, ifaceAdapter, "Powered", dbus.MakeVariant(true)).Err; err != nil {
		return fmt.Errorf("power adapter %s: %w", t.cfg.Adapter, err)
	}
	return nil
}

func (t *Transport) matchRules() []string {
	return []string{
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'", busName, ifaceProperties, t.adapter),
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='InterfacesAdded'", busName, ifaceObjectManager),
	}
}

// Events returns the event stream.
func (t *Transport) Events() <-chan transport.Event {
	return t.bus.C()
}

// Close stops signal handling and closes the bus connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	t.bus.Close()
	if conn == nil {
		return nil
	}
	conn.RemoveSignal(t.signals)
	err := conn.Close()
	t.wg.Wait()
	return err
}

// StartScanning sets an LE discovery filter and starts discovery. Devices
// BlueZ already knows are reported right away.
func (t *Transport) StartScanning() error {
	conn, err := t.ready(transport.OpScan, "")
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.scanning = true
	clear(t.seen)
	t.mu.Unlock()

	t.async(func() {
		adapter := conn.Object(busName, t.adapter)
		filter := map[string]any{
			"Transport":     "le",
			"DuplicateData": false,
		}
		if err := adapter.Call(ifaceAdapter+".SetDiscoveryFilter", 0, filter).Err; err != nil {
			t.cfg.Logger.Debug("bluez: discovery filter not applied", "error", err)
		}
		if err := adapter.Call(ifaceAdapter+".StartDiscovery", 0).Err; err != nil {
			t.mu.Lock()
			t.scanning = false
			t.mu.Unlock()
			t.bus.Emit(transport.ErrorEvent(transport.OpScan, "", "", err))
			return
		}
		t.bus.Emit(transport.Event{Kind: transport.EventScanStarted})

		objects, err := t.managedObjects(conn)
		if err != nil {
			t.cfg.Logger.Warn("bluez: list known devices", "error", err)
			return
		}
		for _, ifaces := range objects {
			if props, ok := ifaces[ifaceDevice]; ok {
				t.maybeDiscovered(props)
			}
		}
	})
	return nil
}

// StopScanning stops discovery.
func (t *Transport) StopScanning() error {
	conn, err := t.ready(transport.OpScan, "")
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.scanning = false
	t.mu.Unlock()

	t.async(func() {
		err := conn.Object(busName, t.adapter).Call(ifaceAdapter+".StopDiscovery", 0).Err
		if err != nil {
			t.cfg.Logger.Debug("bluez: stop discovery", "error", err)
		}
		t.bus.Emit(transport.Event{Kind: transport.EventScanStopped})
	})
	return nil
}

// Connect connects a device.
func (t *Transport) Connect(addr string) error {
	conn, err := t.ready(transport.OpConnect, addr)
	if err != nil {
		return err
	}
	t.async(func() {
		if err := conn.Object(busName, t.devicePath(addr)).Call(ifaceDevice+".Connect", 0).Err; err != nil {
			t.bus.Emit(transport.ErrorEvent(transport.OpConnect, addr, "", err))
			return
		}
		t.setLinked(addr, true)
	})
	return nil
}

// Disconnect disconnects a device.
func (t *Transport) Disconnect(addr string) error {
	conn, err := t.ready(transport.OpDisconnect, addr)
	if err != nil {
		return err
	}
	t.async(func() {
		if err := conn.Object(busName, t.devicePath(addr)).Call(ifaceDevice+".Disconnect", 0).Err; err != nil {
			t.cfg.Logger.Debug("bluez: disconnect", "address", addr, "error", err)
		}
		t.updateLink(addr, false, true)
	})
	return nil
}

// DiscoverChannels waits for GATT service resolution and maps the sensor
// characteristics of a device.
func (t *Transport) DiscoverChannels(addr string) error {
	conn, err := t.ready(transport.OpDiscover, addr)
	if err != nil {
		return err
	}
	t.async(func() {
		if err := t.waitResolved(conn, addr); err != nil {
			t.bus.Emit(transport.ErrorEvent(transport.OpDiscover, addr, "", err))
			return
		}
		objects, err := t.managedObjects(conn)
		if err != nil {
			t.bus.Emit(transport.ErrorEvent(transport.OpDiscover, addr, "", err))
			return
		}
		found, err := t.indexChannels(addr, objects)
		if err != nil {
			t.bus.Emit(transport.ErrorEvent(transport.OpDiscover, addr, "", err))
			return
		}
		t.bus.Emit(transport.Event{Kind: transport.EventChannelsDiscovered, Address: addr, Channels: found})
	})
	return nil
}

// ReadChannel reads a characteristic value.
func (t *Transport) ReadChannel(addr string, ch wire.Channel) error {
	conn, path, err := t.charPath(transport.OpRead, addr, ch)
	if err != nil {
		return err
	}
	t.async(func() {
		var value []byte
		if err := conn.Object(busName, path).Call(ifaceCharacteristic+".ReadValue", 0, map[string]any{}).Store(&value); err != nil {
			t.bus.Emit(transport.ErrorEvent(transport.OpRead, addr, ch, err))
			return
		}
		t.bus.Emit(transport.Event{Kind: transport.EventReadComplete, Address: addr, Channel: ch, Data: value})
	})
	return nil
}

// WriteChannel writes a characteristic value with response.
func (t *Transport) WriteChannel(addr string, ch wire.Channel, data []byte) error {
	conn, path, err := t.charPath(transport.OpWrite, addr, ch)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	t.async(func() {
		options := map[string]any{"type": "request"}
		if err := conn.Object(busName, path).Call(ifaceCharacteristic+".WriteValue", 0, payload, options).Err; err != nil {
			t.bus.Emit(transport.ErrorEvent(transport.OpWrite, addr, ch, err))
			return
		}
		t.bus.Emit(transport.Event{Kind: transport.EventWriteComplete, Address: addr, Channel: ch})
	})
	return nil
}

// Subscribe starts notifications on a characteristic.
func (t *Transport) Subscribe(addr string, ch wire.Channel) error {
	conn, path, err := t.charPath(transport.OpSubscribe, addr, ch)
	if err != nil {
		return err
	}
	t.async(func() {
		if err := conn.Object(busName, path).Call(ifaceCharacteristic+".StartNotify", 0).Err; err != nil {
			t.bus.Emit(transport.ErrorEvent(transport.OpSubscribe, addr, ch, err))
			return
		}
		t.bus.Emit(transport.Event{Kind: transport.EventSubscribed, Address: addr, Channel: ch})
	})
	return nil
}

func (t *Transport) ready(op transport.Op, addr string) (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return nil, &transport.Error{Op: op, Address: addr, Err: transport.ErrClosed}
	case t.conn == nil || !t.powered:
		return nil, &transport.Error{Op: op, Address: addr, Err: transport.ErrPoweredOff}
	}
	if addr != "" {
		if _, err := wire.ParseAddress(addr); err != nil {
			return nil, &transport.Error{Op: op, Address: addr, Err: err}
		}
	}
	return t.conn, nil
}

func (t *Transport) charPath(op transport.Op, addr string, ch wire.Channel) (*dbus.Conn, dbus.ObjectPath, error) {
	conn, err := t.ready(op, addr)
	if err != nil {
		return nil, "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	path, ok := t.handles[addr][ch]
	if !ok {
		return nil, "", &transport.Error{Op: op, Address: addr, Channel: ch, Err: transport.ErrChannelMissing}
	}
	return conn, path, nil
}

func (t *Transport) async(f func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		f()
	}()
}

func (t *Transport) managedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := conn.Object(busName, "/").Call(ifaceObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objects, nil
}

func (t *Transport) waitResolved(conn *dbus.Conn, addr string) error {
	obj := conn.Object(busName, t.devicePath(addr))
	deadline := time.Now().Add(t.cfg.ResolveTimeout)
	for {
		var resolved bool
		if err := obj.Call(ifaceProperties+".Get", 0, ifaceDevice, "ServicesResolved").Store(&resolved); err != nil {
			return err
		}
		if resolved {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("services not resolved after %s", t.cfg.ResolveTimeout)
		}
		select {
		case <-t.done:
			return transport.ErrClosed
		case <-time.After(DefaultResolveInterval):
		}
	}
}

// indexChannels records the sensor characteristics found under a device.
// Every channel in wire.Channels must be present.
func (t *Transport) indexChannels(addr string, objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) (map[wire.Channel]transport.Handle, error) {
	prefix := string(t.devicePath(addr)) + "/"
	paths := make(map[wire.Channel]dbus.ObjectPath)

	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[ifaceCharacteristic]
		if !ok {
			continue
		}
		uuid, ok := props["UUID"].Value().(string)
		if !ok {
			continue
		}
		if ch, known := wire.ParseChannel(uuid); known {
			paths[ch] = path
		}
	}

	var missing []string
	for _, ch := range wire.Channels {
		if _, ok := paths[ch]; !ok {
			missing = append(missing, ch.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", transport.ErrChannelMissing, strings.Join(missing, ", "))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for p, ref := range t.chars {
		if ref.addr == addr {
			delete(t.chars, p)
		}
	}
	out := make(map[wire.Channel]transport.Handle, len(paths))
	for ch, p := range paths {
		t.chars[p] = charRef{addr: addr, channel: ch}
		out[ch] = transport.Handle(p)
	}
	t.handles[addr] = paths
	return out, nil
}

func (t *Transport) signalLoop(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			if sig != nil {
				t.handleSignal(sig)
			}
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case sigPropertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		t.propertiesChanged(sig.Path, iface, changed)

	case sigInterfacesAdded:
		if len(sig.Body) < 2 {
			return
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return
		}
		if props, ok := ifaces[ifaceDevice]; ok {
			t.maybeDiscovered(props)
		}
	}
}

func (t *Transport) propertiesChanged(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	switch iface {
	case ifaceAdapter:
		if v, ok := changed["Powered"]; ok {
			if on, ok := v.Value().(bool); ok {
				t.setPowered(on)
			}
		}

	case ifaceDevice:
		addr, ok := addressFromPath(t.adapter, path)
		if !ok {
			return
		}
		if v, ok := changed["Connected"]; ok {
			if up, ok := v.Value().(bool); ok {
				t.setLinked(addr, up)
			}
		}
		if _, ok := changed["RSSI"]; ok {
			props := map[string]dbus.Variant{"Address": dbus.MakeVariant(addr)}
			for k, v := range changed {
				props[k] = v
			}
			t.maybeDiscovered(props)
		}

	case ifaceCharacteristic:
		v, ok := changed["Value"]
		if !ok {
			return
		}
		value, ok := v.Value().([]byte)
		if !ok {
			return
		}
		t.mu.Lock()
		ref, known := t.chars[path]
		t.mu.Unlock()
		if known {
			t.bus.Emit(transport.Event{Kind: transport.EventData, Address: ref.addr, Channel: ref.channel, Data: value})
		}
	}
}

// maybeDiscovered reports a device once per scan if it matches the name
// filter.
func (t *Transport) maybeDiscovered(props map[string]dbus.Variant) {
	addr, _ := props["Address"].Value().(string)
	if addr == "" {
		return
	}
	name, _ := props["Name"].Value().(string)
	if name == "" {
		name, _ = props["Alias"].Value().(string)
	}

	t.mu.Lock()
	if !t.scanning || t.seen[addr] {
		t.mu.Unlock()
		return
	}
	if t.cfg.NameFilter != "" && name != t.cfg.NameFilter {
		t.mu.Unlock()
		return
	}
	t.seen[addr] = true
	t.mu.Unlock()

	rssi, _ := props["RSSI"].Value().(int16)
	t.bus.Emit(transport.Event{Kind: transport.EventDiscovered, Address: addr, Name: name, RSSI: rssi})
}

func (t *Transport) setLinked(addr string, up bool) {
	t.updateLink(addr, up, false)
}

// updateLink records a link change and emits Connected or Disconnected on
// edges. An explicit disconnect of a device never seen linked still
// completes with Disconnected.
func (t *Transport) updateLink(addr string, up, explicit bool) {
	t.mu.Lock()
	was, known := t.linked[addr]
	t.linked[addr] = up
	if !up {
		delete(t.handles, addr)
		for p, ref := range t.chars {
			if ref.addr == addr {
				delete(t.chars, p)
			}
		}
	}
	t.mu.Unlock()

	switch {
	case up && !was:
		t.bus.Emit(transport.Event{Kind: transport.EventConnected, Address: addr})
	case !up && was:
		t.bus.Emit(transport.Event{Kind: transport.EventDisconnected, Address: addr})
	case !up && explicit && !known:
		t.bus.Emit(transport.Event{Kind: transport.EventDisconnected, Address: addr})
	}
}

func (t *Transport) setPowered(on bool) {
	t.mu.Lock()
	was := t.powered
	t.powered = on
	t.mu.Unlock()

	switch {
	case on && !was:
		t.bus.Emit(transport.Event{Kind: transport.EventPoweredOn})
	case !on && was:
		t.bus.Emit(transport.Event{Kind: transport.EventPoweredOff})
	}
}

func (t *Transport) devicePath(addr string) dbus.ObjectPath {
	return devicePath(t.adapter, addr)
}

func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	mac := strings.ToUpper(strings.NewReplacer(":", "_", "-", "_").Replace(addr))
	return dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", adapter, mac))
}

// addressFromPath extracts the device address from a device object path.
func addressFromPath(adapter, path dbus.ObjectPath) (string, bool) {
	rest, ok := strings.CutPrefix(string(path), string(adapter)+"/dev_")
	if !ok || strings.Contains(rest, "/") {
		return "", false
	}
	addr := strings.ReplaceAll(rest, "_", ":")
	if _, err := wire.ParseAddress(addr); err != nil {
		return "", false
	}
	return addr, true
}

// IsUnavailable reports whether err means no BlueZ service is reachable.
func IsUnavailable(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == "org.freedesktop.DBus.Error.ServiceUnknown"
	}
	return false
}
