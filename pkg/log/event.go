package log

import (
	"strings"
	"time"
)

// MaxFrameData is the number of frame bytes kept in a FrameEvent.
const MaxFrameData = 64

// Event represents a trace event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies one run of the orchestrator (UUID).
	SessionID string `cbor:"2,keyasint"`

	// Direction indicates frame flow relative to the host.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// Address is the sensor address, empty for fleet-wide events.
	Address string `cbor:"6,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Radio frames
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"` // Machine transitions
	Sync        *SyncEvent        `cbor:"12,keyasint,omitempty"` // Sync round outcome
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn is a frame received from a sensor.
	DirectionIn Direction = 0
	// DirectionOut is a frame written to a sensor.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which component captured the event.
type Layer uint8

const (
	// LayerTransport is the radio link.
	LayerTransport Layer = 0
	// LayerWire is frame encoding and decoding.
	LayerWire Layer = 1
	// LayerOrchestrator is the device lifecycle machine.
	LayerOrchestrator Layer = 2
	// LayerSync is the clock sync round.
	LayerSync Layer = 3
	// LayerRecording is the file sink.
	LayerRecording Layer = 4
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerOrchestrator:
		return "ORCHESTRATOR"
	case LayerSync:
		return "SYNC"
	case LayerRecording:
		return "RECORDING"
	default:
		return "UNKNOWN"
	}
}

// ParseLayer parses a layer name as printed by String, in any case.
func ParseLayer(s string) (Layer, bool) {
	for l := LayerTransport; l <= LayerRecording; l++ {
		if strings.EqualFold(l.String(), s) {
			return l, true
		}
	}
	return 0, false
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame is a command or notification frame.
	CategoryFrame Category = 0
	// CategoryState is a state change.
	CategoryState Category = 1
	// CategorySync is a sync round result.
	CategorySync Category = 2
	// CategoryError is an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryState:
		return "STATE"
	case CategorySync:
		return "SYNC"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseCategory parses a category name as printed by String, in any case.
func ParseCategory(s string) (Category, bool) {
	for c := CategoryFrame; c <= CategoryError; c++ {
		if strings.EqualFold(c.String(), s) {
			return c, true
		}
	}
	return 0, false
}

// FrameEvent captures bytes exchanged on one channel.
type FrameEvent struct {
	// Channel is the short channel name (CONTROL, MEASUREMENT, ...).
	Channel string `cbor:"1,keyasint"`

	// Size is the frame size in bytes.
	Size int `cbor:"2,keyasint"`

	// Data is the frame bytes, cut at MaxFrameData.
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was cut.
	Truncated bool `cbor:"4,keyasint,omitempty"`

	// Kind describes the frame ("enable", "syncStart", "sample", ...).
	Kind string `cbor:"5,keyasint,omitempty"`
}

// NewFrameEvent copies up to MaxFrameData bytes of data.
func NewFrameEvent(channel, kind string, data []byte) *FrameEvent {
	f := &FrameEvent{Channel: channel, Kind: kind, Size: len(data)}
	if len(data) > MaxFrameData {
		f.Data = append([]byte(nil), data[:MaxFrameData]...)
		f.Truncated = true
	} else {
		f.Data = append([]byte(nil), data...)
	}
	return f
}

// StateChangeEvent captures a transition of the global or a device state.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Trigger is the event that caused the change.
	Trigger string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityGlobal is the fleet-wide state.
	StateEntityGlobal StateEntity = 0
	// StateEntityDevice is a single sensor.
	StateEntityDevice StateEntity = 1
	// StateEntityRecording is the recording session.
	StateEntityRecording StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityGlobal:
		return "GLOBAL"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityRecording:
		return "RECORDING"
	default:
		return "UNKNOWN"
	}
}

// SyncEvent captures the outcome of a sync round.
type SyncEvent struct {
	RoundID  string          `cbor:"1,keyasint"`
	Root     string          `cbor:"2,keyasint"`
	Members  []string        `cbor:"3,keyasint,omitempty"`
	Results  map[string]bool `cbor:"4,keyasint,omitempty"`
	Success  bool            `cbor:"5,keyasint"`
	TimedOut bool            `cbor:"6,keyasint,omitempty"`

	// Duration is stored as nanoseconds.
	Duration time.Duration `cbor:"7,keyasint,omitempty"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Kind is the error class (transport, protocol, framing, timeout,
	// storage).
	Kind string `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
