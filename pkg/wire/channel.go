package wire

import "strings"

// SensorName is the advertised local name of supported sensors.
const SensorName = "Xsens DOT"

// Channel identifies a GATT characteristic by its canonical (dashed,
// lowercase) UUID.
type Channel string

// Sensor channels.
const (
	// ChannelControl accepts enable/disable measurement frames.
	ChannelControl Channel = "15172001-4947-11e9-8646-d663bd873d93"

	// ChannelMeasurement carries medium-sized telemetry notifications.
	ChannelMeasurement Channel = "15172003-4947-11e9-8646-d663bd873d93"

	// ChannelOrientationReset accepts heading reset/revert frames and reports
	// the heading status when read.
	ChannelOrientationReset Channel = "15172006-4947-11e9-8646-d663bd873d93"

	// ChannelRecordingControl accepts the sync-start frame.
	ChannelRecordingControl Channel = "15177001-4947-11e9-8646-d663bd873d93"

	// ChannelRecordingAck reports the result of a sync round.
	ChannelRecordingAck Channel = "15177002-4947-11e9-8646-d663bd873d93"
)

// Channels lists every channel a sensor must expose to be usable.
var Channels = []Channel{
	ChannelControl,
	ChannelMeasurement,
	ChannelOrientationReset,
	ChannelRecordingControl,
	ChannelRecordingAck,
}

// Short returns the UUID without dashes, the form most BLE stacks print.
func (c Channel) Short() string {
	return strings.ReplaceAll(string(c), "-", "")
}

// String returns a short channel name for logs.
func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "CONTROL"
	case ChannelMeasurement:
		return "MEASUREMENT"
	case ChannelOrientationReset:
		return "ORIENTATION_RESET"
	case ChannelRecordingControl:
		return "RECORDING_CONTROL"
	case ChannelRecordingAck:
		return "RECORDING_ACK"
	default:
		return string(c)
	}
}

// ParseChannel normalizes a UUID in dashed or compact form, any case.
// The second return value reports whether the UUID is a known channel.
func ParseChannel(uuid string) (Channel, bool) {
	compact := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	for _, c := range Channels {
		if c.Short() == compact {
			return c, true
		}
	}
	return Channel(strings.ToLower(uuid)), false
}
