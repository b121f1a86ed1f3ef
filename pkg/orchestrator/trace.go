package orchestrator

import (
	"github.com/dotfleet/dotfleet-go/pkg/fsm"
	"github.com/dotfleet/dotfleet-go/pkg/log"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// tracedLink records every frame written to a device.
type tracedLink struct {
	transport.Transport
	o *Orchestrator
}

func (l *tracedLink) WriteChannel(addr string, ch wire.Channel, data []byte) error {
	l.o.traceFrame(log.DirectionOut, addr, ch, frameKind(ch, data), data)
	return l.Transport.WriteChannel(addr, ch, data)
}

func frameKind(ch wire.Channel, data []byte) string {
	switch ch {
	case wire.ChannelControl:
		if len(data) > 1 && data[1] == 1 {
			return "enable"
		}
		return "disable"
	case wire.ChannelOrientationReset:
		return "heading"
	case wire.ChannelRecordingControl:
		return "syncStart"
	default:
		return ""
	}
}

func (o *Orchestrator) traceFrame(dir log.Direction, addr string, ch wire.Channel, kind string, data []byte) {
	layer := log.LayerTransport
	if ch == wire.ChannelMeasurement {
		layer = log.LayerWire
	}
	o.trace.Log(log.Event{
		Timestamp: o.now(),
		SessionID: o.session,
		Direction: dir,
		Layer:     layer,
		Category:  log.CategoryFrame,
		Address:   addr,
		Frame:     log.NewFrameEvent(ch.String(), kind, data),
	})
}

func (o *Orchestrator) traceState(entity log.StateEntity, addr, from, to, trigger string) {
	o.trace.Log(log.Event{
		Timestamp: o.now(),
		SessionID: o.session,
		Layer:     log.LayerOrchestrator,
		Category:  log.CategoryState,
		Address:   addr,
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			OldState: from,
			NewState: to,
			Trigger:  trigger,
		},
	})
}

func (o *Orchestrator) traceError(layer log.Layer, addr, kind, context string, err error) {
	o.trace.Log(log.Event{
		Timestamp: o.now(),
		SessionID: o.session,
		Layer:     layer,
		Category:  log.CategoryError,
		Address:   addr,
		Error: &log.ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Kind:    kind,
			Context: context,
		},
	})
}

// transition is the engine's transition observer.
func (o *Orchestrator) transition(c fsm.Change) {
	if c.From == c.To {
		return
	}
	entity := log.StateEntityDevice
	if c.Address == "" {
		entity = log.StateEntityGlobal
	}
	o.traceState(entity, c.Address, c.From.String(), c.To.String(), string(c.Event))
}

func (o *Orchestrator) protocolError(perr *fsm.ProtocolError) {
	o.traceError(log.LayerOrchestrator, perr.Address, "protocol", string(perr.Event), perr)
	o.notify.Notify(NoteProtocolError, map[string]any{
		"event":   string(perr.Event),
		"state":   perr.State.String(),
		"address": perr.Address,
	})
}
