package orchestrator

import "github.com/dotfleet/dotfleet-go/pkg/fsm"

type action = fsm.Action[*Orchestrator]

// buildTable defines the global and per-device lifecycle.
func buildTable() *fsm.TableBuilder[*Orchestrator] {
	b := fsm.NewTableBuilder[*Orchestrator]().
		Initial(GlobalPoweringOn, DeviceIdle)

	// Radio and scanning.
	b.On(GlobalPoweringOn, EvPoweredOn, GlobalIdle, (*Orchestrator).actPoweredOn).
		On(GlobalIdle, EvPoweredOn, GlobalIdle, (*Orchestrator).actPoweredOn).
		On(GlobalIdle, EvStartScanning, GlobalIdle, (*Orchestrator).actStartScanning).
		On(GlobalIdle, EvScanStarted, GlobalScanning, (*Orchestrator).actScanStarted).
		On(GlobalIdle, EvDiscovered, GlobalIdle, nil).
		On(GlobalIdle, EvScanStopped, GlobalIdle, nil).
		On(GlobalScanning, EvDiscovered, choiceNewDevice, (*Orchestrator).actCandidate).
		On(choiceNewDevice, fsm.EventYes, GlobalScanning, (*Orchestrator).actAddDevice).
		On(choiceNewDevice, fsm.EventNo, GlobalScanning, nil).
		On(GlobalScanning, EvStopScanning, GlobalScanning, (*Orchestrator).actStopScanning).
		On(GlobalScanning, EvScanStopped, GlobalIdle, (*Orchestrator).actScanStopped).
		Choose(choiceNewDevice, (*Orchestrator).isNewDevice)

	// Telemetry and recording.
	b.OnEach([]fsm.State{GlobalIdle, GlobalScanning, GlobalMeasuring, GlobalSyncing}, EvSample, (*Orchestrator).actTelemetry).
		On(GlobalRecording, EvSample, choiceFlushNow, (*Orchestrator).actBufferSample).
		On(choiceFlushNow, fsm.EventYes, GlobalRecording, (*Orchestrator).actFlush).
		On(choiceFlushNow, fsm.EventNo, GlobalRecording, nil).
		On(GlobalIdle, EvMeasuringStarted, GlobalMeasuring, nil).
		On(GlobalRecording, EvMeasuringStarted, GlobalRecording, nil).
		On(GlobalMeasuring, EvMeasuringStopped, GlobalIdle, nil).
		On(GlobalRecording, EvMeasuringStopped, GlobalRecording, (*Orchestrator).actStopRecording).
		On(GlobalMeasuring, EvStartRecording, GlobalMeasuring, (*Orchestrator).actOpenRecording).
		On(GlobalMeasuring, EvFileOpened, GlobalRecording, (*Orchestrator).actRecordingOpened).
		On(GlobalIdle, EvFileOpened, GlobalIdle, (*Orchestrator).actDiscardSink).
		On(GlobalRecording, EvStopRecording, GlobalRecording, (*Orchestrator).actStopRecording).
		On(GlobalRecording, EvFileClosed, choiceStillMeasuring, (*Orchestrator).actRecordingClosed).
		On(choiceStillMeasuring, fsm.EventYes, GlobalMeasuring, nil).
		On(choiceStillMeasuring, fsm.EventNo, GlobalIdle, nil).
		Choose(choiceFlushNow, (*Orchestrator).shouldFlush).
		Choose(choiceStillMeasuring, (*Orchestrator).stillMeasuring)

	// Sync rounds.
	b.On(GlobalIdle, EvStartSync, choiceCanSync, (*Orchestrator).actSyncRequested).
		On(choiceCanSync, fsm.EventYes, GlobalSyncing, (*Orchestrator).actStartSync).
		On(choiceCanSync, fsm.EventNo, GlobalIdle, (*Orchestrator).actSyncRefused).
		On(GlobalSyncing, EvSyncDone, GlobalIdle, (*Orchestrator).actSyncDone).
		Choose(choiceCanSync, (*Orchestrator).canSync)

	// Settings and heading, in every state that talks to devices.
	settled := []fsm.State{GlobalIdle, GlobalScanning, GlobalMeasuring, GlobalRecording}
	b.OnEach(settled, EvEnableSync, (*Orchestrator).actEnableSync).
		OnEach(settled, EvResetHeading, (*Orchestrator).actResetHeading).
		OnEach(settled, EvRevertHeading, (*Orchestrator).actRevertHeading)

	transitional := []fsm.State{DeviceConnecting, DeviceDiscovering, DeviceEnabling, DeviceDisabling, DeviceDisconnecting}
	notIdle := append([]fsm.State{DeviceConnected, DeviceMeasuring}, transitional...)
	exceptConnected := append([]fsm.State{DeviceIdle, DeviceMeasuring}, transitional...)
	exceptMeasuring := append([]fsm.State{DeviceIdle, DeviceConnected}, transitional...)

	// Connect.
	b.On(DeviceIdle, EvConnect, choiceConnectNext, nil).
		On(choiceConnectNext, fsm.EventYes, DeviceConnecting, (*Orchestrator).actConnect).
		On(choiceConnectNext, fsm.EventNo, DeviceIdle, skip(connectQueue)).
		OnEach(notIdle, EvConnect, skip(connectQueue)).
		On(DeviceConnecting, EvLinkUp, DeviceDiscovering, (*Orchestrator).actDiscover).
		On(DeviceIdle, EvLinkUp, DeviceDiscovering, (*Orchestrator).actDiscover).
		On(DeviceDiscovering, EvChannels, DeviceConnected, (*Orchestrator).actConnected).
		Choose(choiceConnectNext, (*Orchestrator).canConnect)

	// Enable and disable.
	b.On(DeviceConnected, EvEnable, choiceEnableNext, nil).
		On(choiceEnableNext, fsm.EventYes, DeviceEnabling, (*Orchestrator).actEnable).
		On(choiceEnableNext, fsm.EventNo, DeviceConnected, skip(enableQueue)).
		OnEach(exceptConnected, EvEnable, skip(enableQueue)).
		On(DeviceEnabling, EvWritten, DeviceEnabling, (*Orchestrator).actSubscribe).
		On(DeviceEnabling, EvSubscribed, DeviceMeasuring, (*Orchestrator).actEnabled).
		On(DeviceMeasuring, EvDisable, choiceDisableNext, nil).
		On(choiceDisableNext, fsm.EventYes, DeviceDisabling, (*Orchestrator).actDisable).
		On(choiceDisableNext, fsm.EventNo, DeviceMeasuring, skip(disableQueue)).
		OnEach(exceptMeasuring, EvDisable, skip(disableQueue)).
		On(DeviceDisabling, EvWritten, DeviceConnected, (*Orchestrator).actDisabled).
		Choose(choiceEnableNext, (*Orchestrator).canEnable).
		Choose(choiceDisableNext, (*Orchestrator).isLinked)

	// Disconnect.
	linked := []fsm.State{DeviceConnecting, DeviceDiscovering, DeviceConnected, DeviceEnabling, DeviceMeasuring, DeviceDisabling}
	for _, s := range linked {
		b.On(s, EvDisconnect, DeviceDisconnecting, (*Orchestrator).actDisconnect).
			On(s, EvDisconnected, DeviceIdle, (*Orchestrator).actLinkLost)
	}
	b.On(DeviceIdle, EvDisconnect, DeviceIdle, skip(disconnectQueue)).
		On(DeviceDisconnecting, EvDisconnect, DeviceDisconnecting, skip(disconnectQueue)).
		On(DeviceDisconnecting, EvDisconnected, DeviceIdle, (*Orchestrator).actLinkLost).
		On(DeviceIdle, EvDisconnected, DeviceIdle, nil)

	// Completions of operations overtaken by a disconnect.
	for _, ev := range []fsm.EventID{EvLinkUp, EvChannels, EvWritten, EvSubscribed} {
		b.On(DeviceDisconnecting, ev, DeviceDisconnecting, nil)
	}

	// Transport errors fall back to the nearest stable state.
	b.On(DeviceConnecting, EvError, DeviceIdle, (*Orchestrator).actConnectFailed).
		On(DeviceDiscovering, EvError, DeviceIdle, (*Orchestrator).actConnectFailed).
		On(DeviceEnabling, EvError, DeviceDisconnecting, (*Orchestrator).actOpFailed).
		On(DeviceDisabling, EvError, DeviceDisconnecting, (*Orchestrator).actOpFailed).
		On(DeviceDisconnecting, EvError, DeviceIdle, (*Orchestrator).actDisconnectFailed).
		OnEach([]fsm.State{DeviceIdle, DeviceConnected, DeviceMeasuring}, EvError, (*Orchestrator).actDeviceError)

	// Sync round membership.
	b.On(DeviceConnected, EvSyncBegin, DeviceSyncing, (*Orchestrator).actSyncBegin).
		On(DeviceMeasuring, EvSyncBegin, DeviceSyncing, (*Orchestrator).actSyncBegin).
		On(DeviceSyncing, EvSyncEnd, choiceStillLinked, nil).
		On(choiceStillLinked, fsm.EventYes, DeviceConnected, nil).
		On(choiceStillLinked, fsm.EventNo, DeviceIdle, (*Orchestrator).actLinkLost).
		On(DeviceIdle, EvSyncEnd, DeviceIdle, nil).
		Choose(choiceStillLinked, (*Orchestrator).isLinked)
	return b
}

func connectQueue(o *Orchestrator) *queue    { return o.connectQ }
func enableQueue(o *Orchestrator) *queue     { return o.enableQ }
func disableQueue(o *Orchestrator) *queue    { return o.disableQ }
func disconnectQueue(o *Orchestrator) *queue { return o.disconnectQ }

// skip passes over a queued device the request does not apply to.
func skip(q func(*Orchestrator) *queue) action {
	return func(o *Orchestrator, ev fsm.Event) {
		o.debugLog("queue: skipped", "event", string(ev.Name), "address", ev.Target())
		o.advance(q(o), ev.Target())
	}
}
