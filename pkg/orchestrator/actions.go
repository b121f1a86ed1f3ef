package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dotfleet/dotfleet-go/pkg/fsm"
	"github.com/dotfleet/dotfleet-go/pkg/log"
	"github.com/dotfleet/dotfleet-go/pkg/store"
	"github.com/dotfleet/dotfleet-go/pkg/syncround"
	"github.com/dotfleet/dotfleet-go/pkg/transport"
	"github.com/dotfleet/dotfleet-go/pkg/wire"
)

// historyTimeout bounds one history write.
const historyTimeout = 2 * time.Second

// Radio and scanning.

func (o *Orchestrator) actPoweredOn(fsm.Event) {
	o.resetSession()
	o.notify.Notify(NoteBlePoweredOn, nil)
}

func (o *Orchestrator) actStartScanning(fsm.Event) {
	o.resetSession()
	if err := o.tr.StartScanning(); err != nil {
		o.warnLog("start scanning", "error", err)
		o.traceError(log.LayerTransport, "", "transport", "start scanning", err)
		o.notify.Notify(NoteSensorError, map[string]any{"error": err.Error()})
	}
}

func (o *Orchestrator) actScanStarted(fsm.Event) {
	o.notify.Notify(NoteScanningStarted, nil)
}

func (o *Orchestrator) actStopScanning(fsm.Event) {
	if err := o.tr.StopScanning(); err != nil {
		o.warnLog("stop scanning", "error", err)
	}
}

func (o *Orchestrator) actScanStopped(fsm.Event) {
	o.notify.Notify(NoteScanningStopped, nil)
}

func (o *Orchestrator) actCandidate(ev fsm.Event) {
	o.candidate, _ = ev.Payload.(*Device)
}

func (o *Orchestrator) isNewDevice(string) bool {
	return o.candidate != nil && o.reg.get(o.candidate.Address) == nil
}

func (o *Orchestrator) actAddDevice(fsm.Event) {
	d := o.candidate
	o.candidate = nil
	o.reg.add(d)
	o.infoLog("device discovered", "address", d.Address, "name", d.Name, "rssi", d.RSSI)
	o.notify.Notify(NoteSensorDiscovered, map[string]any{
		"address": d.Address,
		"name":    d.Name,
		"rssi":    d.RSSI,
	})
}

// resetSession forgets every device. Linked devices are disconnected.
func (o *Orchestrator) resetSession() {
	for _, d := range o.reg.linked() {
		if err := o.link.Disconnect(d.Address); err != nil {
			o.debugLog("reset: disconnect", "address", d.Address, "error", err)
		}
		o.timers.CancelAddress(d.Address)
		o.notify.Notify(NoteSensorDisconnected, map[string]any{"address": d.Address})
	}
	o.reg.clear()
	o.connected = nil
	o.measuring = nil
	o.candidate = nil
	for _, q := range o.queues() {
		q.reset()
	}
}

// Telemetry and recording.

func (o *Orchestrator) actTelemetry(ev fsm.Event) {
	s, ok := ev.Payload.(wire.Sample)
	if !ok {
		return
	}
	o.notify.Notify(NoteSensorOrientation, s.Fields())
}

func (o *Orchestrator) actBufferSample(ev fsm.Event) {
	s, ok := ev.Payload.(wire.Sample)
	if !ok {
		return
	}
	o.notify.Notify(NoteSensorOrientation, s.Fields())
	if o.rec.closing {
		return
	}
	if o.rec.watermark == 0 {
		o.rec.watermark = s.Timestamp
	}
	o.rec.rows = append(o.rec.rows, s.Values())
	o.rec.lastSample = s.Timestamp
	o.rec.samples++
}

func (o *Orchestrator) shouldFlush(string) bool {
	return len(o.rec.rows) > 0 && o.rec.lastSample-o.rec.watermark > o.cfg.FlushThreshold
}

func (o *Orchestrator) actFlush(fsm.Event) {
	o.flushRows()
}

func (o *Orchestrator) flushRows() {
	if o.rec.sink == nil || len(o.rec.rows) == 0 {
		return
	}
	if err := o.rec.sink.WriteRows(o.rec.rows); err != nil {
		o.recordingFailed(err)
	}
	o.rec.rows = nil
	o.rec.watermark = o.rec.lastSample
}

func (o *Orchestrator) stillMeasuring(string) bool {
	return len(o.measuring) > 0
}

func (o *Orchestrator) actOpenRecording(ev fsm.Event) {
	name, _ := ev.Payload.(string)
	if o.rec.opening || o.rec.sink != nil {
		o.warnLog("recording already open", "name", name)
		return
	}
	payload := o.payload
	start := o.now()
	o.rec = recordingSession{opening: true, name: name, payload: payload, started: start}

	open := o.cfg.OpenSink
	o.goAsync(func() {
		sink, err := open(name, payload, start)
		o.post(func() {
			if err != nil {
				o.rec = recordingSession{}
				o.recordingFailed(err)
				return
			}
			o.dispatch(fsm.Event{Name: EvFileOpened, Payload: sink})
		})
	})
}

func (o *Orchestrator) actRecordingOpened(ev fsm.Event) {
	sink := ev.Payload.(Sink)
	o.rec.opening = false
	o.rec.sink = sink
	o.rec.id = uuid.NewString()

	o.infoLog("recording started", "file", sink.Name(), "payload", o.rec.payload.String())
	o.traceState(log.StateEntityRecording, "", "Closed", "Open", string(EvFileOpened))
	o.saveHistory(func(ctx context.Context, h History) error {
		return h.StartRecording(ctx, store.Recording{
			ID:      o.rec.id,
			Name:    sink.Name(),
			Payload: int(o.rec.payload),
			Started: o.rec.started,
		})
	})
	o.notify.Notify(NoteRecordingStarted, map[string]any{
		"filename": sink.Name(),
		"payload":  int(o.rec.payload),
	})
}

// actDiscardSink closes a file that finished opening after measuring
// stopped.
func (o *Orchestrator) actDiscardSink(ev fsm.Event) {
	sink := ev.Payload.(Sink)
	o.rec = recordingSession{}
	o.warnLog("recording opened after measuring stopped", "file", sink.Name())
	o.goAsync(func() {
		if err := sink.Close(); err != nil {
			o.warnLog("close recording", "file", sink.Name(), "error", err)
		}
	})
}

func (o *Orchestrator) actStopRecording(fsm.Event) {
	if o.rec.closing || o.rec.sink == nil {
		return
	}
	o.flushRows()
	o.rec.closing = true
	sink := o.rec.sink
	o.goAsync(func() {
		err := sink.Close()
		o.post(func() {
			o.dispatch(fsm.Event{Name: EvFileClosed, Payload: err})
		})
	})
}

func (o *Orchestrator) actRecordingClosed(ev fsm.Event) {
	if err, _ := ev.Payload.(error); err != nil {
		o.recordingFailed(err)
	}
	name := ""
	if o.rec.sink != nil {
		name = o.rec.sink.Name()
	}
	o.infoLog("recording stopped", "file", name, "samples", o.rec.samples)
	o.traceState(log.StateEntityRecording, "", "Open", "Closed", string(EvFileClosed))
	o.finishRecording()
	o.notify.Notify(NoteRecordingStopped, map[string]any{"filename": name})
}

func (o *Orchestrator) finishRecording() {
	rec := o.rec
	o.rec = recordingSession{}
	if rec.id == "" {
		return
	}
	stopped := o.now()
	o.saveHistory(func(ctx context.Context, h History) error {
		return h.FinishRecording(ctx, rec.id, stopped, rec.samples)
	})
}

func (o *Orchestrator) recordingFailed(err error) {
	o.warnLog("recording error", "error", err)
	o.traceError(log.LayerRecording, "", "storage", "recording", err)
	o.notify.Notify(NoteRecordingError, map[string]any{"error": err.Error()})
}

// Sync rounds.

func (o *Orchestrator) actSyncRequested(ev fsm.Event) {
	o.syncRoot, _ = ev.Payload.(string)
}

func (o *Orchestrator) canSync(string) bool {
	if o.queuesActive() || len(o.connected) == 0 || len(o.measuring) > 0 {
		return false
	}
	return o.syncRoot == "" || o.connected.has(o.syncRoot)
}

func (o *Orchestrator) actSyncRefused(fsm.Event) {
	o.warnLog("sync refused", "connected", len(o.connected), "measuring", len(o.measuring), "root", o.syncRoot)
	o.notify.Notify(NoteSyncingDone, map[string]any{"isAllSuccess": false})
}

func (o *Orchestrator) actStartSync(fsm.Event) {
	members := o.connected.list()
	root := o.syncRoot
	if root == "" {
		root = members[0]
	}

	id, err := o.coord.Start(members, root)
	if err != nil {
		o.warnLog("sync start", "root", root, "error", err)
		o.traceError(log.LayerSync, root, "framing", "sync start", err)
		o.dispatch(fsm.Event{Name: EvSyncDone, Payload: syncround.Outcome{
			Root:    root,
			Members: members,
			Started: o.now(),
			Err:     err,
		}})
		return
	}

	o.syncMembers = members
	o.notify.Notify(NoteSyncingStarted, map[string]any{
		"roundId": id,
		"root":    root,
		"members": members,
	})
	for _, m := range members {
		o.dispatch(device(EvSyncBegin, m, nil))
	}
}

// syncCompleted is the coordinator's completion callback.
func (o *Orchestrator) syncCompleted(out syncround.Outcome) {
	o.dispatch(fsm.Event{Name: EvSyncDone, Payload: out})
}

func (o *Orchestrator) actSyncDone(ev fsm.Event) {
	out, _ := ev.Payload.(syncround.Outcome)
	members := o.syncMembers
	o.syncMembers = nil

	results := out.ResultMap()
	o.infoLog("sync done", "round", out.RoundID, "success", out.Success, "timed_out", out.TimedOut, "duration", out.Duration)
	o.trace.Log(log.Event{
		Timestamp: o.now(),
		SessionID: o.session,
		Layer:     log.LayerSync,
		Category:  log.CategorySync,
		Address:   out.Root,
		Sync: &log.SyncEvent{
			RoundID:  out.RoundID,
			Root:     out.Root,
			Members:  out.Members,
			Results:  results,
			Success:  out.Success,
			TimedOut: out.TimedOut,
			Duration: out.Duration,
		},
	})
	if out.RoundID != "" {
		o.saveHistory(func(ctx context.Context, h History) error {
			return h.SaveSyncRound(ctx, syncRecord(out))
		})
	}

	// Device clocks restart after a round.
	for _, d := range o.reg.all() {
		d.Clock.Reset()
	}

	params := map[string]any{
		"isAllSuccess": out.Success,
		"timedOut":     out.TimedOut,
		"results":      results,
	}
	if out.RoundID != "" {
		params["roundId"] = out.RoundID
	}
	o.notify.Notify(NoteSyncingDone, params)

	for _, m := range members {
		o.dispatch(device(EvSyncEnd, m, nil))
	}
}

func syncRecord(out syncround.Outcome) store.SyncRound {
	r := store.SyncRound{
		ID:       out.RoundID,
		Root:     out.Root,
		Members:  out.Members,
		Success:  out.Success,
		TimedOut: out.TimedOut,
		Started:  out.Started,
		Duration: out.Duration,
	}
	for _, res := range out.Results {
		dr := store.DeviceResult{Address: res.Address, Success: res.Success}
		if res.Err != nil {
			dr.Error = res.Err.Error()
		}
		r.Results = append(r.Results, dr)
	}
	if out.Err != nil {
		r.Error = out.Err.Error()
	}
	return r
}

func (o *Orchestrator) actSyncBegin(ev fsm.Event) {
	o.debugLog("sync member", "address", ev.Target())
}

// Settings and heading.

func (o *Orchestrator) actEnableSync(ev fsm.Event) {
	on, _ := ev.Payload.(bool)
	o.clock.Enabled = on
	for _, d := range o.reg.all() {
		d.Clock.Reset()
	}
	o.infoLog("clock sync", "enabled", on)
	o.notify.Notify(NoteClockSyncChanged, map[string]any{"enabled": on})
}

func (o *Orchestrator) actResetHeading(ev fsm.Event) {
	o.writeHeading(ev, wire.EncodeHeadingReset())
}

func (o *Orchestrator) actRevertHeading(ev fsm.Event) {
	o.writeHeading(ev, wire.EncodeHeadingRevert())
}

func (o *Orchestrator) writeHeading(ev fsm.Event, frame []byte) {
	addrs, _ := ev.Payload.([]string)
	for _, a := range addrs {
		d := o.reg.get(a)
		if d == nil || !d.Linked || !d.hasChannels(wire.ChannelOrientationReset) {
			o.debugLog("heading: device not ready", "address", a)
			continue
		}
		if err := o.link.WriteChannel(a, wire.ChannelOrientationReset, frame); err != nil {
			o.failOp(transport.OpWrite, a, wire.ChannelOrientationReset, err)
		}
	}
}

func (o *Orchestrator) readHeading(addr string) {
	d := o.reg.get(addr)
	if d == nil || !d.Linked || !d.hasChannels(wire.ChannelOrientationReset) {
		return
	}
	if err := o.link.ReadChannel(addr, wire.ChannelOrientationReset); err != nil {
		o.failOp(transport.OpRead, addr, wire.ChannelOrientationReset, err)
	}
}

// Connect.

func (o *Orchestrator) canConnect(addr string) bool {
	d := o.reg.get(addr)
	return d != nil && !d.Linked
}

func (o *Orchestrator) actConnect(ev fsm.Event) {
	addr := ev.Target()
	if err := o.link.Connect(addr); err != nil {
		o.failOp(transport.OpConnect, addr, "", err)
	}
}

func (o *Orchestrator) actDiscover(ev fsm.Event) {
	addr := ev.Target()
	if err := o.link.DiscoverChannels(addr); err != nil {
		o.failOp(transport.OpDiscover, addr, "", err)
	}
}

func (o *Orchestrator) actConnected(ev fsm.Event) {
	addr := ev.Target()
	d := o.reg.get(addr)
	if d == nil {
		d = &Device{Address: addr, Name: wire.SensorName}
		o.reg.add(d)
	}
	if chs, ok := ev.Payload.(map[wire.Channel]transport.Handle); ok {
		d.Channels = chs
	}
	d.Linked = true
	d.Clock.Reset()
	o.connected.add(addr)

	o.infoLog("device connected", "address", addr)
	o.notify.Notify(NoteSensorConnected, map[string]any{
		"address":   addr,
		"addresses": o.connected.list(),
	})
	o.readHeading(addr)
	o.advance(o.connectQ, addr)
}

// Enable and disable.

func (o *Orchestrator) canEnable(addr string) bool {
	d := o.reg.get(addr)
	return d != nil && d.Linked && d.hasChannels(wire.ChannelControl, wire.ChannelMeasurement)
}

func (o *Orchestrator) isLinked(addr string) bool {
	d := o.reg.get(addr)
	return d != nil && d.Linked
}

func (o *Orchestrator) actEnable(ev fsm.Event) {
	addr := ev.Target()
	d := o.reg.get(addr)
	d.Payload = o.payload
	d.Clock.Reset()
	if err := o.link.WriteChannel(addr, wire.ChannelControl, wire.EncodeEnableCommand(true, d.Payload)); err != nil {
		o.failOp(transport.OpWrite, addr, wire.ChannelControl, err)
	}
}

func (o *Orchestrator) actSubscribe(ev fsm.Event) {
	addr := ev.Target()
	if err := o.link.Subscribe(addr, wire.ChannelMeasurement); err != nil {
		o.failOp(transport.OpSubscribe, addr, wire.ChannelMeasurement, err)
	}
}

func (o *Orchestrator) actEnabled(ev fsm.Event) {
	addr := ev.Target()
	o.measuring.add(addr)
	payload := o.reg.get(addr).Payload

	o.infoLog("device enabled", "address", addr, "payload", payload.String())
	o.notify.Notify(NoteSensorEnabled, map[string]any{
		"address": addr,
		"payload": int(payload),
	})
	if len(o.measuring) == 1 {
		o.dispatch(fsm.Event{Name: EvMeasuringStarted})
	}
	o.advance(o.enableQ, addr)
}

func (o *Orchestrator) actDisable(ev fsm.Event) {
	addr := ev.Target()
	d := o.reg.get(addr)
	if err := o.link.WriteChannel(addr, wire.ChannelControl, wire.EncodeEnableCommand(false, d.Payload)); err != nil {
		o.failOp(transport.OpWrite, addr, wire.ChannelControl, err)
	}
}

func (o *Orchestrator) actDisabled(ev fsm.Event) {
	addr := ev.Target()
	o.measuring.remove(addr)
	o.infoLog("device disabled", "address", addr)
	o.notify.Notify(NoteSensorDisabled, map[string]any{"address": addr})
	if len(o.measuring) == 0 {
		o.dispatch(fsm.Event{Name: EvMeasuringStopped})
	}
	o.advance(o.disableQ, addr)
}

// Disconnect and errors.

func (o *Orchestrator) actDisconnect(ev fsm.Event) {
	addr := ev.Target()
	if err := o.link.Disconnect(addr); err != nil {
		o.failOp(transport.OpDisconnect, addr, "", err)
	}
}

// actLinkLost forgets a device's memberships after its link dropped.
func (o *Orchestrator) actLinkLost(ev fsm.Event) {
	o.dropDevice(ev.Target())
}

func (o *Orchestrator) dropDevice(addr string) {
	if d := o.reg.get(addr); d != nil {
		d.Linked = false
	}
	o.timers.CancelAddress(addr)
	o.connected.remove(addr)
	wasMeasuring := o.measuring.remove(addr)

	o.infoLog("device disconnected", "address", addr)
	o.notify.Notify(NoteSensorDisconnected, map[string]any{"address": addr})
	if wasMeasuring && len(o.measuring) == 0 {
		o.dispatch(fsm.Event{Name: EvMeasuringStopped})
	}
	o.advanceAll(addr)
}

// actConnectFailed drops a half-open link and moves the queue on.
func (o *Orchestrator) actConnectFailed(ev fsm.Event) {
	addr := ev.Target()
	o.reportDeviceError(addr, ev.Payload)
	if err := o.link.Disconnect(addr); err != nil {
		o.debugLog("disconnect after error", "address", addr, "error", err)
	}
	o.advanceAll(addr)
}

// actOpFailed gives up on a device whose enable or disable failed. It
// leaves the connected and measuring sets at once and its link is torn
// down; the disconnect completion finishes the cleanup.
func (o *Orchestrator) actOpFailed(ev fsm.Event) {
	addr := ev.Target()
	o.reportDeviceError(addr, ev.Payload)
	o.connected.remove(addr)
	if o.measuring.remove(addr) && len(o.measuring) == 0 {
		o.dispatch(fsm.Event{Name: EvMeasuringStopped})
	}
	if err := o.link.Disconnect(addr); err != nil {
		o.failOp(transport.OpDisconnect, addr, "", err)
	}
	o.advanceAll(addr)
}

func (o *Orchestrator) actDisconnectFailed(ev fsm.Event) {
	addr := ev.Target()
	o.reportDeviceError(addr, ev.Payload)
	o.dropDevice(addr)
}

func (o *Orchestrator) actDeviceError(ev fsm.Event) {
	o.reportDeviceError(ev.Target(), ev.Payload)
}

func (o *Orchestrator) reportDeviceError(addr string, payload any) {
	err, _ := payload.(error)
	if err == nil {
		err = errors.New("unknown error")
	}
	params := map[string]any{"address": addr, "error": err.Error()}
	var terr *transport.Error
	if errors.As(err, &terr) {
		params["op"] = terr.Op.String()
		if terr.Channel != "" {
			params["channel"] = terr.Channel.String()
		}
	}
	o.warnLog("device error", "address", addr, "error", err)
	o.traceError(log.LayerTransport, addr, "transport", "device operation", err)
	o.notify.Notify(NoteSensorError, params)
}

// failOp turns a synchronous transport failure into the error event the
// asynchronous path would have produced.
func (o *Orchestrator) failOp(op transport.Op, addr string, ch wire.Channel, err error) {
	o.dispatch(device(EvError, addr, &transport.Error{Op: op, Address: addr, Channel: ch, Err: err}))
}

// Queues.

func (o *Orchestrator) queues() []*queue {
	return []*queue{o.connectQ, o.enableQ, o.disableQ, o.disconnectQ}
}

func (o *Orchestrator) queuesActive() bool {
	for _, q := range o.queues() {
		if q.active() {
			return true
		}
	}
	return false
}

func (o *Orchestrator) startQueue(q *queue, addrs []string) {
	if q.push(addrs) {
		o.dispatch(q.next())
	}
}

// advance completes addr if it heads q and starts the next device.
func (o *Orchestrator) advance(q *queue, addr string) {
	if !q.pop(addr) {
		return
	}
	if q.active() {
		o.dispatch(q.next())
		return
	}
	o.notify.Notify(q.drained, nil)
}

func (o *Orchestrator) advanceAll(addr string) {
	for _, q := range o.queues() {
		o.advance(q, addr)
	}
}

func (o *Orchestrator) saveHistory(fn func(ctx context.Context, h History) error) {
	if o.cfg.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := fn(ctx, o.cfg.History); err != nil {
		o.warnLog("history", "error", err)
	}
}

