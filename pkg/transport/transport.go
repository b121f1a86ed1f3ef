package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// Transport errors.
var (
	ErrClosed         = errors.New("transport closed")
	ErrPoweredOff     = errors.New("radio powered off")
	ErrUnknownDevice  = errors.New("unknown device")
	ErrNotConnected   = errors.New("device not connected")
	ErrChannelMissing = errors.New("channel not available")
	ErrBusy           = errors.New("operation already in progress")
)

// Transport is an asynchronous radio link. See the package documentation
// for how operations complete.
type Transport interface {
	// Start opens the link and begins delivering events. PoweredOn follows
	// once the radio is usable.
	Start(ctx context.Context) error

	StartScanning() error
	StopScanning() error

	Connect(addr string) error
	Disconnect(addr string) error
	DiscoverChannels(addr string) error

	ReadChannel(addr string, ch wire.Channel) error
	WriteChannel(addr string, ch wire.Channel, data []byte) error
	Subscribe(addr string, ch wire.Channel) error

	// Events returns the event stream. The same channel is returned on
	// every call.
	Events() <-chan Event

	Close() error
}

// Handle is an implementation-specific reference to a channel on one
// device, e.g. a D-Bus object path.
type Handle string

// EventKind identifies a transport event.
type EventKind uint8

const (
	EventPoweredOn EventKind = iota + 1
	EventPoweredOff
	EventScanStarted
	EventScanStopped
	EventDiscovered
	EventConnected
	EventDisconnected
	EventChannelsDiscovered
	EventData
	EventReadComplete
	EventWriteComplete
	EventSubscribed
	EventError
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventPoweredOn:
		return "POWERED_ON"
	case EventPoweredOff:
		return "POWERED_OFF"
	case EventScanStarted:
		return "SCAN_STARTED"
	case EventScanStopped:
		return "SCAN_STOPPED"
	case EventDiscovered:
		return "DISCOVERED"
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventChannelsDiscovered:
		return "CHANNELS_DISCOVERED"
	case EventData:
		return "DATA"
	case EventReadComplete:
		return "READ_COMPLETE"
	case EventWriteComplete:
		return "WRITE_COMPLETE"
	case EventSubscribed:
		return "SUBSCRIBED"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", k)
	}
}

// Op identifies the operation an Error belongs to.
type Op uint8

const (
	OpScan Op = iota + 1
	OpConnect
	OpDisconnect
	OpDiscover
	OpRead
	OpWrite
	OpSubscribe
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpScan:
		return "scan"
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpDiscover:
		return "discover"
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Event is one notification from a Transport.
type Event struct {
	Kind    EventKind
	Address string

	// Name is the advertised local name (Discovered).
	Name string

	// RSSI is the signal strength in dBm (Discovered), 0 if unknown.
	RSSI int16

	// Channel is set for Data, ReadComplete, WriteComplete and Subscribed.
	Channel wire.Channel

	// Channels maps the known channels of a device (ChannelsDiscovered).
	Channels map[wire.Channel]Handle

	// Data carries notification or read bytes.
	Data []byte

	// Err is set for Error events and is always a *Error.
	Err error
}

// Error is a failed transport operation.
type Error struct {
	Op      Op
	Address string
	Channel wire.Channel
	Err     error
}

func (e *Error) Error() string {
	target := e.Address
	if e.Channel != "" {
		target += " " + e.Channel.String()
	}
	if target == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorEvent builds an Error event.
func ErrorEvent(op Op, addr string, ch wire.Channel, err error) Event {
	return Event{
		Kind:    EventError,
		Address: addr,
		Channel: ch,
		Err:     &Error{Op: op, Address: addr, Channel: ch, Err: err},
	}
}
