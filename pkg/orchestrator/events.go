package orchestrator

import "github.com/dotfleet/dotfleet-go/pkg/fsm"

// Global events.
const (
	EvPoweredOn        fsm.EventID = "poweredOn"
	EvStartScanning    fsm.EventID = "startScanning"
	EvScanStarted      fsm.EventID = "scanStarted"
	EvDiscovered       fsm.EventID = "discovered"
	EvStopScanning     fsm.EventID = "stopScanning"
	EvScanStopped      fsm.EventID = "scanStopped"
	EvSample           fsm.EventID = "sample"
	EvMeasuringStarted fsm.EventID = "measuringStarted"
	EvMeasuringStopped fsm.EventID = "measuringStopped"
	EvStartRecording   fsm.EventID = "startRecording"
	EvFileOpened       fsm.EventID = "fileOpened"
	EvStopRecording    fsm.EventID = "stopRecording"
	EvFileClosed       fsm.EventID = "fileClosed"
	EvEnableSync       fsm.EventID = "enableSync"
	EvResetHeading     fsm.EventID = "resetHeading"
	EvRevertHeading    fsm.EventID = "revertHeading"
	EvStartSync        fsm.EventID = "startSync"
	EvSyncDone         fsm.EventID = "syncDone"
)

// Per-device events.
const (
	EvConnect      fsm.EventID = "connect"
	EvLinkUp       fsm.EventID = "linkUp"
	EvChannels     fsm.EventID = "channels"
	EvEnable       fsm.EventID = "enable"
	EvWritten      fsm.EventID = "written"
	EvSubscribed   fsm.EventID = "subscribed"
	EvDisable      fsm.EventID = "disable"
	EvDisconnect   fsm.EventID = "disconnect"
	EvDisconnected fsm.EventID = "disconnected"
	EvError        fsm.EventID = "error"
	EvSyncBegin    fsm.EventID = "syncBegin"
	EvSyncEnd      fsm.EventID = "syncEnd"
)

var globalEvents = []fsm.EventID{
	EvStartScanning, EvScanStarted, EvDiscovered, EvStopScanning, EvScanStopped,
	EvStartRecording, EvFileOpened, EvStopRecording, EvFileClosed,
	EvEnableSync, EvSample, EvResetHeading, EvRevertHeading,
	EvStartSync, EvSyncDone, EvPoweredOn, EvMeasuringStarted, EvMeasuringStopped,
}

var resetEvents = []fsm.EventID{EvStartScanning, EvPoweredOn}

var syncEvents = []fsm.EventID{EvSyncBegin, EvSyncEnd}

// Global states.
var (
	GlobalPoweringOn = fsm.Stable("PoweringOn")
	GlobalIdle       = fsm.Stable("Idle")
	GlobalScanning   = fsm.Stable("Scanning")
	GlobalMeasuring  = fsm.Stable("Measuring")
	GlobalRecording  = fsm.Stable("Recording")
	GlobalSyncing    = fsm.Stable("Syncing")

	choiceNewDevice      = fsm.Choice("NewDevice")
	choiceFlushNow       = fsm.Choice("FlushNow")
	choiceStillMeasuring = fsm.Choice("StillMeasuring")
	choiceCanSync        = fsm.Choice("CanSync")
)

// Device states.
var (
	DeviceIdle          = fsm.Stable("Idle")
	DeviceConnecting    = fsm.Stable("Connecting")
	DeviceDiscovering   = fsm.Stable("Discovering")
	DeviceConnected     = fsm.Stable("Connected")
	DeviceEnabling      = fsm.Stable("Enabling")
	DeviceMeasuring     = fsm.Stable("Measuring")
	DeviceDisabling     = fsm.Stable("Disabling")
	DeviceDisconnecting = fsm.Stable("Disconnecting")
	DeviceSyncing       = fsm.Stable("Syncing")

	choiceConnectNext = fsm.Choice("ConnectNext")
	choiceEnableNext  = fsm.Choice("EnableNext")
	choiceDisableNext = fsm.Choice("DisableNext")
	choiceStillLinked = fsm.Choice("StillLinked")
)

// Dashboard notifications.
const (
	NoteBlePoweredOn           = "blePoweredOn"
	NoteScanningStarted        = "scanningStarted"
	NoteScanningStopped        = "scanningStopped"
	NoteSensorDiscovered       = "sensorDiscovered"
	NoteSensorConnected        = "sensorConnected"
	NoteSensorDisconnected     = "sensorDisconnected"
	NoteAllSensorsConnected    = "allSensorsConnected"
	NoteAllSensorsEnabled      = "allSensorsEnabled"
	NoteAllSensorsDisabled     = "allSensorsDisabled"
	NoteAllSensorsDisconnected = "allSensorsDisconnected"
	NoteSensorEnabled          = "sensorEnabled"
	NoteSensorDisabled         = "sensorDisabled"
	NoteSensorOrientation      = "sensorOrientation"
	NoteRecordingStarted       = "recordingStarted"
	NoteRecordingStopped       = "recordingStopped"
	NoteRecordingError         = "recordingError"
	NoteReadHeadingStatus      = "readHeadingStatus"
	NoteSyncingDone            = "syncingDone"
	NoteProtocolError          = "protocolError"
	NoteSensorError            = "sensorError"
	NoteConnectedSensors       = "connectedSensors"
	NoteClockSyncChanged       = "clockSyncChanged"
	NoteSyncingStarted         = "syncingStarted"
)
