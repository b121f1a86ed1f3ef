package orchestrator

import (
	"errors"

	"github.com/dotfleet/dotfleet-go/pkg/fsm"
	"github.com/dotfleet/dotfleet-go/pkg/log"
	"github.com/dotfleet/dotfleet-go/pkg/timer"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// handleTransport turns a transport event into lifecycle events. Events of
// sync round members go to the coordinator first.
func (o *Orchestrator) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventPoweredOn:
		o.dispatch(fsm.Event{Name: EvPoweredOn})

	case transport.EventPoweredOff:
		o.warnLog("radio powered off")

	case transport.EventScanStarted:
		o.dispatch(fsm.Event{Name: EvScanStarted})

	case transport.EventScanStopped:
		o.dispatch(fsm.Event{Name: EvScanStopped})

	case transport.EventDiscovered:
		o.dispatch(fsm.Event{Name: EvDiscovered, Payload: &Device{
			Address: ev.Address,
			Name:    ev.Name,
			RSSI:    ev.RSSI,
		}})

	case transport.EventConnected:
		if o.coord.HandleLinkUp(ev.Address) {
			return
		}
		o.dispatch(device(EvLinkUp, ev.Address, nil))

	case transport.EventChannelsDiscovered:
		if d := o.reg.get(ev.Address); d != nil {
			d.Channels = ev.Channels
			d.Linked = true
		}
		if o.coord.IsMember(ev.Address) {
			o.coord.HandleChannels(ev.Address)
			return
		}
		o.dispatch(device(EvChannels, ev.Address, ev.Channels))

	case transport.EventDisconnected:
		if d := o.reg.get(ev.Address); d != nil {
			d.Linked = false
		}
		if o.coord.HandleDisconnected(ev.Address) {
			return
		}
		o.dispatch(device(EvDisconnected, ev.Address, nil))

	case transport.EventData:
		o.traceFrame(log.DirectionIn, ev.Address, ev.Channel, "notification", ev.Data)
		if ev.Channel == wire.ChannelMeasurement {
			o.handleSample(ev.Address, ev.Data)
		}

	case transport.EventReadComplete:
		o.traceFrame(log.DirectionIn, ev.Address, ev.Channel, "read", ev.Data)
		switch ev.Channel {
		case wire.ChannelOrientationReset:
			o.handleHeading(ev.Address, ev.Data)
		case wire.ChannelRecordingAck:
			o.coord.HandleRead(ev.Address, ev.Channel, ev.Data)
		default:
			o.debugLog("unexpected read", "address", ev.Address, "channel", ev.Channel.String())
		}

	case transport.EventWriteComplete:
		switch ev.Channel {
		case wire.ChannelControl:
			o.dispatch(device(EvWritten, ev.Address, nil))
		case wire.ChannelOrientationReset:
			key := timer.Key{Kind: timer.KindHeadingRead, Address: ev.Address}
			if _, err := o.timers.Set(key, o.cfg.HeadingReadDelay); err != nil {
				o.warnLog("heading read timer", "address", ev.Address, "error", err)
			}
		default:
			o.debugLog("write complete", "address", ev.Address, "channel", ev.Channel.String())
		}

	case transport.EventSubscribed:
		o.dispatch(device(EvSubscribed, ev.Address, nil))

	case transport.EventError:
		o.handleError(ev)

	default:
		o.debugLog("unknown transport event", "kind", ev.Kind.String())
	}
}

func (o *Orchestrator) handleSample(addr string, data []byte) {
	d := o.reg.get(addr)
	if d == nil || !d.Payload.Known() {
		o.debugLog("sample from device not enabled", "address", addr)
		return
	}
	s, err := wire.DecodeSample(data, d.Payload)
	if err != nil {
		o.warnLog("decode sample", "address", addr, "error", err)
		o.traceError(log.LayerWire, addr, "framing", "decode sample", err)
		return
	}
	if s.IsEmpty() {
		return
	}
	s.Address = addr
	s.Timestamp = o.clock.Timestamp(&d.Clock, s.Tick)
	d.Samples++
	d.LastTimestamp = s.Timestamp
	o.dispatch(fsm.Event{Name: EvSample, Payload: s})
}

func (o *Orchestrator) handleHeading(addr string, data []byte) {
	status, err := wire.DecodeHeadingStatus(data)
	if err != nil {
		o.warnLog("decode heading status", "address", addr, "error", err)
		o.traceError(log.LayerWire, addr, "framing", "decode heading status", err)
		return
	}
	if d := o.reg.get(addr); d != nil {
		d.Heading = status
	}
	o.notify.Notify(NoteReadHeadingStatus, map[string]any{
		"address": addr,
		"status":  status.String(),
	})
}

func (o *Orchestrator) handleError(ev transport.Event) {
	var terr *transport.Error
	if !errors.As(ev.Err, &terr) {
		terr = &transport.Error{Address: ev.Address, Channel: ev.Channel, Err: ev.Err}
	}
	if terr.Op == transport.OpScan {
		o.warnLog("scan error", "error", terr.Err)
		o.traceError(log.LayerTransport, "", "transport", "scan", terr)
		return
	}
	if o.coord.HandleError(terr.Address, terr.Op, terr) {
		return
	}
	o.dispatch(device(EvError, terr.Address, terr))
}

func (o *Orchestrator) handleTimer(f timer.Fired) {
	if o.coord.HandleTimer(f) {
		return
	}
	if f.Key.Kind == timer.KindHeadingRead && o.timers.Claim(f) {
		o.readHeading(f.Key.Address)
	}
}
