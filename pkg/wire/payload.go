package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// PayloadID selects the telemetry layout a sensor streams.
type PayloadID uint8

// Supported payload ids.
const (
	PayloadExtendedQuaternion    PayloadID = 2
	PayloadCompleteEuler         PayloadID = 16
	PayloadRateQuantitiesWithMag PayloadID = 20
	PayloadCustom1               PayloadID = 22
	PayloadCustom2               PayloadID = 23
	PayloadCustom3               PayloadID = 24
)

// Payloads lists the supported payload ids.
var Payloads = []PayloadID{
	PayloadCompleteEuler,
	PayloadExtendedQuaternion,
	PayloadRateQuantitiesWithMag,
	PayloadCustom1,
	PayloadCustom2,
	PayloadCustom3,
}

// String returns the payload name.
func (p PayloadID) String() string {
	switch p {
	case PayloadExtendedQuaternion:
		return "EXTENDED_QUATERNION"
	case PayloadCompleteEuler:
		return "COMPLETE_EULER"
	case PayloadRateQuantitiesWithMag:
		return "RATE_QUANTITIES_WITH_MAG"
	case PayloadCustom1:
		return "CUSTOM_MODE_1"
	case PayloadCustom2:
		return "CUSTOM_MODE_2"
	case PayloadCustom3:
		return "CUSTOM_MODE_3"
	default:
		return fmt.Sprintf("PAYLOAD_%d", uint8(p))
	}
}

// Known reports whether the payload id has a decoder.
func (p PayloadID) Known() bool {
	return p.Size() > 0
}

// Size returns the minimum notification length for the layout, or 0 for
// unknown ids.
func (p PayloadID) Size() int {
	switch p {
	case PayloadCompleteEuler:
		return 28
	case PayloadExtendedQuaternion:
		return 36
	case PayloadRateQuantitiesWithMag:
		return 34
	case PayloadCustom1:
		return 40
	case PayloadCustom2:
		return 34
	case PayloadCustom3:
		return 32
	default:
		return 0
	}
}

// ModeLabel returns the human-readable measurement mode written into
// recording headers.
func (p PayloadID) ModeLabel() string {
	switch p {
	case PayloadCompleteEuler:
		return "Complete (Euler)"
	case PayloadExtendedQuaternion:
		return "Extended (Quaternion)"
	case PayloadRateQuantitiesWithMag:
		return "Rate quantities (with mag)"
	case PayloadCustom1:
		return "Custom mode 1"
	case PayloadCustom2:
		return "Custom mode 2"
	case PayloadCustom3:
		return "Custom mode 3"
	default:
		return "Unknown"
	}
}

var (
	colEuler   = []string{"Euler_x", "Euler_y", "Euler_z"}
	colQuat    = []string{"Quaternion_w", "Quaternion_x", "Quaternion_y", "Quaternion_z"}
	colFreeAcc = []string{"FreeAcc_x", "FreeAcc_y", "FreeAcc_z"}
	colAcc     = []string{"Acc_x", "Acc_y", "Acc_z"}
	colGyr     = []string{"Gyr_x", "Gyr_y", "Gyr_z"}
	colMag     = []string{"Mag_x", "Mag_y", "Mag_z"}
	colStatus  = []string{"Status", "ClipCountAcc", "ClipCountGyr"}
)

// Columns returns the CSV column row for the layout. The order matches
// Sample.Values.
func (p PayloadID) Columns() []string {
	cols := []string{"Timestamp", "Address"}
	switch p {
	case PayloadCompleteEuler:
		cols = concat(cols, colEuler, colFreeAcc)
	case PayloadExtendedQuaternion:
		cols = concat(cols, colQuat, colFreeAcc, colStatus)
	case PayloadRateQuantitiesWithMag:
		cols = concat(cols, colAcc, colGyr, colMag)
	case PayloadCustom1:
		cols = concat(cols, colEuler, colFreeAcc, colGyr)
	case PayloadCustom2:
		cols = concat(cols, colEuler, colFreeAcc, colMag)
	case PayloadCustom3:
		cols = concat(cols, colQuat, colGyr)
	}
	return cols
}

func concat(base []string, groups ...[]string) []string {
	for _, g := range groups {
		base = append(base, g...)
	}
	return base
}

// ParsePayloadID accepts a numeric id or a name such as "complete_euler"
// or "euler".
func ParsePayloadID(s string) (PayloadID, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		p := PayloadID(n)
		if !p.Known() {
			return 0, fmt.Errorf("%w: %d", ErrUnknownPayload, n)
		}
		return p, nil
	}

	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "complete_euler", "euler":
		return PayloadCompleteEuler, nil
	case "extended_quaternion", "quaternion":
		return PayloadExtendedQuaternion, nil
	case "rate_quantities_with_mag", "rate", "mag":
		return PayloadRateQuantitiesWithMag, nil
	case "custom_mode_1", "custom1":
		return PayloadCustom1, nil
	case "custom_mode_2", "custom2":
		return PayloadCustom2, nil
	case "custom_mode_3", "custom3":
		return PayloadCustom3, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPayload, s)
}
