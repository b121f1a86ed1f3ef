// Package transport defines the radio link used to reach motion sensors.
//
// # Model
//
// A Transport is asynchronous. Every operation only starts the work and
// returns an error when it could not be started at all; its completion is
// reported later as an Event on the Events channel:
//
//	StartScanning     -> ScanStarted, Discovered..., ScanStopped
//	Connect           -> Connected            (or Error{Op: OpConnect})
//	DiscoverChannels  -> ChannelsDiscovered   (or Error{Op: OpDiscover})
//	WriteChannel      -> WriteComplete        (or Error{Op: OpWrite})
//	ReadChannel       -> ReadComplete         (or Error{Op: OpRead})
//	Subscribe         -> Subscribed, Data...  (or Error{Op: OpSubscribe})
//	Disconnect        -> Disconnected
//
// Links can drop at any time; that is reported as Disconnected without a
// matching Disconnect call.
//
// # Implementations
//
//   - bluez: BlueZ over the system D-Bus
//   - sim: a simulated fleet for development and tests
//
// # Events
//
// Implementations publish through a Bus. The Bus never closes the channel
// it hands out; consumers stop reading when their context ends.
package transport
