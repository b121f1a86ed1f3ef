package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dotfleet/dotfleet-go/pkg/clocksync"
	"github.com/dotfleet/dotfleet-go/pkg/fsm"
	"github.com/dotfleet/dotfleet-go/pkg/log"
	"github.com/dotfleet/dotfleet-go/pkg/syncround"
	"github.com/dotfleet/dotfleet-go/pkg/timer"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Orchestrator errors.
var (
	ErrNoTransport    = errors.New("orchestrator: transport required")
	ErrAlreadyRunning = errors.New("orchestrator: already running")
	ErrStopped        = errors.New("orchestrator: stopped")
	ErrInvalidState   = errors.New("not possible in current state")
	ErrSyncActive     = errors.New("sync round in progress")
	ErrSyncRefused    = errors.New("sync round not possible")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrNoDevices      = errors.New("no devices")
	ErrNoRecorder     = errors.New("recording not configured")
)

// Defaults.
const (
	DefaultFlushThreshold   int64 = 1_000_000
	DefaultHeadingReadDelay       = 200 * time.Millisecond
	DefaultInboxSize              = 64
	DefaultPayload                = wire.PayloadCompleteEuler
)

// Config configures an Orchestrator.
type Config struct {
	// Transport is the radio link. Required.
	Transport transport.Transport

	// Timers is shared with the sync coordinator. Nil creates a manager on
	// the system clock.
	Timers *timer.Manager

	Notifier Notifier

	// OpenSink creates recording files. Nil disables recording.
	OpenSink SinkOpener

	// History persists sessions and rounds. Optional.
	History History

	// Trace receives frame, state, sync and error events. Optional.
	Trace log.Logger

	Logger *slog.Logger

	Sync syncround.Config

	// FlushThreshold is the buffered span in microseconds after which
	// recorded rows are written.
	FlushThreshold int64

	// HeadingReadDelay separates a heading write from the status read.
	HeadingReadDelay time.Duration

	// Payload is used by Enable when no payload is given.
	Payload wire.PayloadID

	// DisableClockSync starts with wall-clock timestamps.
	DisableClockSync bool

	// Now is the host clock. Nil means time.Now.
	Now func() time.Time

	InboxSize int
}

// recordingSession is the open recording, if any.
type recordingSession struct {
	id      string
	name    string
	payload wire.PayloadID
	started time.Time

	opening bool
	closing bool
	sink    Sink

	rows       [][]string
	lastSample int64
	watermark  int64
	samples    int64
}

// Orchestrator owns the device lifecycle. See the package documentation.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	trace   log.Logger
	notify  Notifier
	now     func() time.Time
	session string

	tr     transport.Transport
	link   *tracedLink
	timers *timer.Manager
	coord  *syncround.Coordinator
	clock  *clocksync.Synchronizer
	engine *fsm.Engine[*Orchestrator]

	inbox   chan func()
	done    chan struct{}
	running atomic.Bool

	// goAsync runs blocking work off the dispatcher.
	goAsync func(func())

	// Dispatcher state below.

	pending  []fsm.Event
	draining bool

	reg       *registry
	connected memberSet
	measuring memberSet

	connectQ    *queue
	enableQ     *queue
	disableQ    *queue
	disconnectQ *queue

	payload     wire.PayloadID
	candidate   *Device
	syncRoot    string
	syncMembers []string
	rec         recordingSession
}

var lifecycle = sync.OnceValue(func() *fsm.Table[*Orchestrator] {
	return buildTable().MustBuild()
})

// New creates an orchestrator. Call Run to start it.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Timers == nil {
		cfg.Timers = timer.NewManager()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	if cfg.Trace == nil {
		cfg.Trace = log.NoopLogger{}
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.HeadingReadDelay <= 0 {
		cfg.HeadingReadDelay = DefaultHeadingReadDelay
	}
	if !cfg.Payload.Known() {
		cfg.Payload = DefaultPayload
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.Sync.Logger == nil {
		cfg.Sync.Logger = cfg.Logger
	}
	if cfg.Sync.Now == nil {
		cfg.Sync.Now = cfg.Now
	}

	o := &Orchestrator{
		cfg:         cfg,
		logger:      cfg.Logger,
		trace:       cfg.Trace,
		notify:      cfg.Notifier,
		now:         cfg.Now,
		session:     uuid.NewString(),
		tr:          cfg.Transport,
		timers:      cfg.Timers,
		clock:       &clocksync.Synchronizer{Enabled: !cfg.DisableClockSync, Now: cfg.Now},
		inbox:       make(chan func(), cfg.InboxSize),
		done:        make(chan struct{}),
		goAsync:     func(f func()) { go f() },
		reg:         newRegistry(),
		connectQ:    newQueue(EvConnect, NoteAllSensorsConnected),
		enableQ:     newQueue(EvEnable, NoteAllSensorsEnabled),
		disableQ:    newQueue(EvDisable, NoteAllSensorsDisabled),
		disconnectQ: newQueue(EvDisconnect, NoteAllSensorsDisconnected),
		payload:     cfg.Payload,
	}
	o.link = &tracedLink{Transport: cfg.Transport, o: o}
	o.coord = syncround.New(cfg.Sync, o.link, o.timers)
	o.coord.OnComplete = o.syncCompleted

	o.engine = fsm.NewEngine(lifecycle(), o, fsm.Config{
		Component:       "orchestrator",
		GlobalEvents:    globalEvents,
		ResetEvents:     resetEvents,
		Busy:            o.coord.Active,
		BusyAllowed:     syncEvents,
		OnProtocolError: o.protocolError,
		OnTransition:    o.transition,
		Logger:          cfg.Logger,
	})
	return o, nil
}

// SessionID identifies this orchestrator in trace files.
func (o *Orchestrator) SessionID() string {
	return o.session
}

// Run starts the transport and processes events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(o.done)

	o.timers.OnExpiry(func(f timer.Fired) {
		o.post(func() { o.handleTimer(f) })
	})
	if err := o.tr.Start(ctx); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	o.infoLog("orchestrator started", "session", o.session)

	events := o.tr.Events()
	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil
		case ev := <-events:
			o.handleTransport(ev)
		case fn := <-o.inbox:
			fn()
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.timers.CancelAll()
	if o.rec.sink != nil && !o.rec.closing {
		o.flushRows()
		if err := o.rec.sink.Close(); err != nil {
			o.warnLog("close recording", "file", o.rec.sink.Name(), "error", err)
		}
		o.finishRecording()
	}
	if err := o.tr.Close(); err != nil {
		o.warnLog("close transport", "error", err)
	}
	o.infoLog("orchestrator stopped", "session", o.session)
}

// post queues fn for the dispatcher. It drops fn once Run has returned.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.inbox <- fn:
	case <-o.done:
	}
}

// do runs fn on the dispatcher and waits for its result.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.inbox <- func() { reply <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// dispatch queues ev and drains the queue unless a drain is already in
// progress further up the stack.
func (o *Orchestrator) dispatch(ev fsm.Event) {
	o.pending = append(o.pending, ev)
	if o.draining {
		return
	}
	o.draining = true
	for len(o.pending) > 0 {
		next := o.pending[0]
		o.pending = o.pending[1:]
		o.engine.Dispatch(next)
	}
	o.draining = false
}

func device(ev fsm.EventID, addr string, payload any) fsm.Event {
	return fsm.Event{Name: ev, Addresses: []string{addr}, Payload: payload}
}

// Commands.

// StartScanning begins a new session: linked devices are disconnected, the
// registry is cleared and the transport starts scanning.
func (o *Orchestrator) StartScanning(ctx context.Context) error {
	return o.do(ctx, func() error {
		if err := o.requireGlobal(GlobalIdle); err != nil {
			return err
		}
		if o.queuesActive() || len(o.measuring) > 0 {
			return fmt.Errorf("%w: devices busy", ErrInvalidState)
		}
		o.dispatch(fsm.Event{Name: EvStartScanning})
		return nil
	})
}

// StopScanning stops a running scan.
func (o *Orchestrator) StopScanning(ctx context.Context) error {
	return o.do(ctx, func() error {
		if err := o.requireGlobal(GlobalScanning); err != nil {
			return err
		}
		o.dispatch(fsm.Event{Name: EvStopScanning})
		return nil
	})
}

// Connect queues devices for connection. They are connected one at a time.
func (o *Orchestrator) Connect(ctx context.Context, addrs []string) error {
	return o.do(ctx, func() error {
		if err := o.requireNoSync(); err != nil {
			return err
		}
		for _, a := range addrs {
			if o.reg.get(a) == nil {
				return fmt.Errorf("%w: %s", ErrUnknownDevice, a)
			}
		}
		o.startQueue(o.connectQ, addrs)
		return nil
	})
}

// StopConnecting drops queued connects; the one in progress completes.
func (o *Orchestrator) StopConnecting(ctx context.Context) error {
	return o.do(ctx, func() error {
		o.connectQ.truncate()
		return nil
	})
}

// Disconnect queues devices for disconnection. No addresses means every
// linked device.
func (o *Orchestrator) Disconnect(ctx context.Context, addrs []string) error {
	return o.do(ctx, func() error {
		if err := o.requireNoSync(); err != nil {
			return err
		}
		if len(addrs) == 0 {
			addrs = o.connected.list()
		}
		o.startQueue(o.disconnectQ, addrs)
		return nil
	})
}

// Enable starts streaming payload on devices. A zero payload keeps the
// current one; no addresses means every connected device.
func (o *Orchestrator) Enable(ctx context.Context, addrs []string, payload wire.PayloadID) error {
	return o.do(ctx, func() error {
		if err := o.requireNoSync(); err != nil {
			return err
		}
		if err := o.requireGlobal(GlobalIdle, GlobalMeasuring, GlobalRecording); err != nil {
			return err
		}
		if payload != 0 {
			if !payload.Known() {
				return fmt.Errorf("%w: %d", wire.ErrUnknownPayload, payload)
			}
			if o.rec.sink != nil || o.rec.opening {
				if payload != o.payload {
					return fmt.Errorf("%w: payload fixed while recording", ErrInvalidState)
				}
			}
			o.payload = payload
		}
		if len(addrs) == 0 {
			for _, a := range o.connected {
				if !o.measuring.has(a) {
					addrs = append(addrs, a)
				}
			}
		}
		if len(addrs) == 0 {
			return ErrNoDevices
		}
		o.startQueue(o.enableQ, addrs)
		return nil
	})
}

// Disable stops streaming. No addresses means every measuring device.
func (o *Orchestrator) Disable(ctx context.Context, addrs []string) error {
	return o.do(ctx, func() error {
		if err := o.requireNoSync(); err != nil {
			return err
		}
		if len(addrs) == 0 {
			addrs = o.measuring.list()
		}
		if len(addrs) == 0 {
			return ErrNoDevices
		}
		o.startQueue(o.disableQ, addrs)
		return nil
	})
}

// StartRecording opens a recording named name. The file is created
// asynchronously; recordingStarted or recordingError follows.
func (o *Orchestrator) StartRecording(ctx context.Context, name string) error {
	return o.do(ctx, func() error {
		if o.cfg.OpenSink == nil {
			return ErrNoRecorder
		}
		if err := o.requireGlobal(GlobalMeasuring); err != nil {
			return err
		}
		if o.rec.opening {
			return fmt.Errorf("%w: recording already opening", ErrInvalidState)
		}
		o.dispatch(fsm.Event{Name: EvStartRecording, Payload: name})
		return nil
	})
}

// StopRecording flushes and closes the recording.
func (o *Orchestrator) StopRecording(ctx context.Context) error {
	return o.do(ctx, func() error {
		if err := o.requireGlobal(GlobalRecording); err != nil {
			return err
		}
		o.dispatch(fsm.Event{Name: EvStopRecording})
		return nil
	})
}

// StartSync runs a sync round over the connected devices with root as the
// reference. An empty root picks the first connected device.
func (o *Orchestrator) StartSync(ctx context.Context, root string) error {
	return o.do(ctx, func() error {
		if err := o.requireGlobal(GlobalIdle); err != nil {
			return err
		}
		o.dispatch(fsm.Event{Name: EvStartSync, Payload: root})
		if o.engine.GlobalState() != GlobalSyncing && !o.coord.Active() {
			return ErrSyncRefused
		}
		return nil
	})
}

// SetClockSync switches between drift-corrected device time and wall-clock
// timestamps.
func (o *Orchestrator) SetClockSync(ctx context.Context, enabled bool) error {
	return o.do(ctx, func() error {
		if err := o.requireNoSync(); err != nil {
			return err
		}
		o.dispatch(fsm.Event{Name: EvEnableSync, Payload: enabled})
		return nil
	})
}

// ResetHeading resets the heading of devices; no addresses means every
// connected device.
func (o *Orchestrator) ResetHeading(ctx context.Context, addrs []string) error {
	return o.headingCommand(ctx, EvResetHeading, addrs)
}

// RevertHeading reverts the heading of devices to the default alignment.
func (o *Orchestrator) RevertHeading(ctx context.Context, addrs []string) error {
	return o.headingCommand(ctx, EvRevertHeading, addrs)
}

func (o *Orchestrator) headingCommand(ctx context.Context, ev fsm.EventID, addrs []string) error {
	return o.do(ctx, func() error {
		if err := o.requireNoSync(); err != nil {
			return err
		}
		if len(addrs) == 0 {
			addrs = o.connected.list()
		}
		if len(addrs) == 0 {
			return ErrNoDevices
		}
		o.dispatch(fsm.Event{Name: ev, Payload: addrs})
		return nil
	})
}

func (o *Orchestrator) requireGlobal(states ...fsm.State) error {
	cur := o.engine.GlobalState()
	if slices.Contains(states, cur) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidState, cur)
}

func (o *Orchestrator) requireNoSync() error {
	if o.coord.Active() || o.engine.GlobalState() == GlobalSyncing {
		return ErrSyncActive
	}
	return nil
}

// Queries.

// Snapshot is the state of the orchestrator at one point.
type Snapshot struct {
	Global    string            `json:"global"`
	Devices   map[string]string `json:"devices"`
	Connected []string          `json:"connected"`
	Measuring []string          `json:"measuring"`
	Recording string            `json:"recording,omitempty"`
	Syncing   bool              `json:"syncing"`
	ClockSync bool              `json:"clockSync"`
	Payload   string            `json:"payload"`
}

// Devices returns the registry in discovery order.
func (o *Orchestrator) Devices(ctx context.Context) ([]DeviceInfo, error) {
	var out []DeviceInfo
	err := o.do(ctx, func() error {
		out = o.deviceInfos()
		return nil
	})
	return out, err
}

// ConnectedDevices returns the addresses of connected devices.
func (o *Orchestrator) ConnectedDevices(ctx context.Context) ([]string, error) {
	var out []string
	err := o.do(ctx, func() error {
		out = o.connected.list()
		return nil
	})
	return out, err
}

// State returns the global and per-device states.
func (o *Orchestrator) State(ctx context.Context) (Snapshot, error) {
	var out Snapshot
	err := o.do(ctx, func() error {
		out = o.snapshot()
		return nil
	})
	return out, err
}

func (o *Orchestrator) snapshot() Snapshot {
	s := Snapshot{
		Global:    o.engine.GlobalState().String(),
		Devices:   make(map[string]string),
		Connected: o.connected.list(),
		Measuring: o.measuring.list(),
		Syncing:   o.coord.Active(),
		ClockSync: o.clock.Enabled,
		Payload:   o.payload.String(),
	}
	for addr, st := range o.engine.Entities() {
		s.Devices[addr] = st.String()
	}
	for _, d := range o.reg.all() {
		s.Devices[d.Address] = o.engine.EntityState(d.Address).String()
	}
	if o.rec.sink != nil {
		s.Recording = o.rec.sink.Name()
	}
	return s
}

func (o *Orchestrator) deviceInfos() []DeviceInfo {
	devs := o.reg.all()
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Address:   d.Address,
			Name:      d.Name,
			RSSI:      d.RSSI,
			State:     o.engine.EntityState(d.Address).String(),
			Linked:    d.Linked,
			Measuring: o.measuring.has(d.Address),
			Samples:   d.Samples,
			LastTime:  d.LastTimestamp,
		}
		if d.Payload != 0 {
			info.Payload = d.Payload.String()
		}
		if d.Heading != 0 {
			info.Heading = d.Heading.String()
		}
		out = append(out, info)
	}
	return out
}

func (o *Orchestrator) debugLog(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Debug(msg, args...)
	}
}

func (o *Orchestrator) infoLog(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Info(msg, args...)
	}
}

func (o *Orchestrator) warnLog(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, args...)
	}
}
