// Package wire defines the BLE wire format of the motion sensors.
//
// Sensors expose a small set of GATT characteristics ("channels"), each
// identified by a 128-bit UUID. Commands are short byte frames written to
// the control, orientation-reset and recording-control channels; telemetry
// arrives as notifications on the measurement channel.
//
// # Telemetry Layouts
//
// Every measurement notification starts with a little-endian uint32 device
// tick at offset 0 followed by a fixed layout selected by the payload id the
// sensor was enabled with. Values are IEEE-754 float32 unless noted:
//
//	16 CompleteEuler          euler@4  freeAcc@16
//	 2 ExtendedQuaternion     quat@4   freeAcc@20 status(int16)@32 clipAcc(int8)@34 clipGyr(int8)@35
//	20 RateQuantitiesWithMag  acc@4    gyr@16     mag(int16/4096)@28
//	22 Custom1                euler@4  freeAcc@16 gyr@28
//	23 Custom2                euler@4  freeAcc@16 mag(int16/4096)@28
//	24 Custom3                quat@4   gyr@20
//
// Unknown payload ids decode to an empty Sample, never an error.
//
// # Checksums
//
// Command frames that carry a checksum use the low byte of the two's
// complement of the byte sum, so the sum of a frame including its checksum
// is zero modulo 256.
package wire
