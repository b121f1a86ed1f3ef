package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Framing errors.
var (
	ErrInvalidAddress       = errors.New("invalid device address")
	ErrInvalidAck           = errors.New("invalid sync acknowledge")
	ErrShortPayload         = errors.New("payload shorter than layout")
	ErrUnknownPayload       = errors.New("unknown payload id")
	ErrInvalidHeadingStatus = errors.New("invalid heading status")
)

// Command bytes.
const (
	reportMeasurement byte = 0x01
	measureEnable     byte = 0x01
	measureDisable    byte = 0x00

	// MIDSyncing is the message id of sync frames on the recording channels.
	MIDSyncing byte = 0x02

	syncStartLen  byte = 0x07
	syncIDStart   byte = 0x01
	syncIDResult  byte = 0x03
	syncAckMinLen      = 5
	syncStartSize      = 10

	// MagScale is the fixed-point divisor of magnetometer readings.
	MagScale = 4096
)

// EncodeEnableCommand builds the 3-byte frame written to the control
// channel to start or stop streaming with the given payload layout.
func EncodeEnableCommand(enable bool, id PayloadID) []byte {
	flag := measureDisable
	if enable {
		flag = measureEnable
	}
	return []byte{reportMeasurement, flag, byte(id)}
}

// EncodeHeadingReset builds the frame that aligns the sensor heading to
// the current orientation.
func EncodeHeadingReset() []byte {
	return []byte{0x01, 0x00}
}

// EncodeHeadingRevert builds the frame that restores the default heading.
func EncodeHeadingRevert() []byte {
	return []byte{0x07, 0x00}
}

// Checksum returns the low byte of the two's complement of the byte sum.
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return -sum
}

// VerifyChecksum reports whether a frame whose last byte is a checksum
// sums to zero.
func VerifyChecksum(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	var sum byte
	for _, v := range frame {
		sum += v
	}
	return sum == 0
}

// ParseAddress parses a colon- or hyphen-separated six-group MAC address.
func ParseAddress(addr string) ([6]byte, error) {
	var mac [6]byte

	groups := strings.Split(addr, ":")
	if len(groups) != 6 {
		groups = strings.Split(addr, "-")
	}
	if len(groups) != 6 {
		return mac, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}

	for i, g := range groups {
		v, err := strconv.ParseUint(g, 16, 8)
		if err != nil {
			return mac, fmt.Errorf("%w: %q: group %d", ErrInvalidAddress, addr, i)
		}
		mac[i] = byte(v)
	}
	return mac, nil
}

// EncodeSyncStart builds the 10-byte sync-start frame naming root as the
// reference sensor: MID, length, start id, the address bytes in reverse
// order, checksum.
func EncodeSyncStart(root string) ([]byte, error) {
	mac, err := ParseAddress(root)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, syncStartSize)
	frame[0] = MIDSyncing
	frame[1] = syncStartLen
	frame[2] = syncIDStart
	for i := 0; i < 6; i++ {
		frame[3+i] = mac[5-i]
	}
	frame[9] = Checksum(frame[:9])
	return frame, nil
}

// SyncAck is the decoded result read from the recording-ack channel.
type SyncAck struct {
	Success bool
	Code    byte
}

// DecodeSyncAck decodes a sync result frame.
func DecodeSyncAck(buf []byte) (SyncAck, error) {
	if len(buf) < syncAckMinLen {
		return SyncAck{}, fmt.Errorf("%w: %d bytes", ErrInvalidAck, len(buf))
	}
	if buf[0] != MIDSyncing || buf[2] != syncIDResult {
		return SyncAck{}, fmt.Errorf("%w: mid 0x%02x id 0x%02x", ErrInvalidAck, buf[0], buf[2])
	}
	return SyncAck{Success: buf[3] == 0x00, Code: buf[3]}, nil
}

// EncodeSyncAck builds a sync result frame. Sensors produce these; the
// encoder exists for simulation.
func EncodeSyncAck(success bool) []byte {
	code := byte(0x00)
	if !success {
		code = 0x01
	}
	frame := []byte{MIDSyncing, 0x03, syncIDResult, code, 0x00}
	frame[4] = Checksum(frame[:4])
	return frame
}

// HeadingStatus is the heading alignment reported by the orientation-reset
// channel.
type HeadingStatus uint8

// Heading statuses.
const (
	HeadingXRM              HeadingStatus = 1
	HeadingDefaultAlignment HeadingStatus = 7
	HeadingNone             HeadingStatus = 8
)

// String returns the heading status name.
func (h HeadingStatus) String() string {
	switch h {
	case HeadingXRM:
		return "XRM_HEADING"
	case HeadingDefaultAlignment:
		return "DEFAULT_ALIGNMENT"
	case HeadingNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// DecodeHeadingStatus decodes the first byte of an orientation-reset read.
func DecodeHeadingStatus(buf []byte) (HeadingStatus, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty", ErrInvalidHeadingStatus)
	}
	switch h := HeadingStatus(buf[0]); h {
	case HeadingXRM, HeadingDefaultAlignment, HeadingNone:
		return h, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidHeadingStatus, buf[0])
	}
}

// DeviceTick returns the raw device clock of a telemetry notification.
func DeviceTick(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, fmt.Errorf("%w: %d bytes", ErrShortPayload, len(buf))
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// DecodeSample decodes a telemetry notification. Unknown payload ids yield
// an empty Sample and no error.
func DecodeSample(buf []byte, id PayloadID) (Sample, error) {
	if !id.Known() {
		return Sample{}, nil
	}
	if len(buf) < id.Size() {
		return Sample{}, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, id, id.Size(), len(buf))
	}

	s := Sample{
		Payload: id,
		Tick:    binary.LittleEndian.Uint32(buf),
	}

	switch id {
	case PayloadCompleteEuler:
		s.Euler = vec3(buf, 4)
		s.FreeAcc = vec3(buf, 16)

	case PayloadExtendedQuaternion:
		s.Quaternion = quat(buf, 4)
		s.FreeAcc = vec3(buf, 20)
		status := (int32(int16(binary.LittleEndian.Uint16(buf[32:]))) & 0x1FF) << 8
		clipAcc := int8(buf[34])
		clipGyr := int8(buf[35])
		s.Status = &status
		s.ClipCountAcc = &clipAcc
		s.ClipCountGyr = &clipGyr

	case PayloadRateQuantitiesWithMag:
		s.Acc = vec3(buf, 4)
		s.Gyr = vec3(buf, 16)
		s.Mag = mag(buf, 28)

	case PayloadCustom1:
		s.Euler = vec3(buf, 4)
		s.FreeAcc = vec3(buf, 16)
		s.Gyr = vec3(buf, 28)

	case PayloadCustom2:
		s.Euler = vec3(buf, 4)
		s.FreeAcc = vec3(buf, 16)
		s.Mag = mag(buf, 28)

	case PayloadCustom3:
		s.Quaternion = quat(buf, 4)
		s.Gyr = vec3(buf, 20)
	}

	return s, nil
}

// EncodeSample writes the fields of s at the offsets of layout id. It is
// the inverse of DecodeSample for every written offset and is used by the
// simulated transport. Missing field groups are written as zero.
func EncodeSample(s Sample, id PayloadID) []byte {
	if !id.Known() {
		return nil
	}
	buf := make([]byte, id.Size())
	binary.LittleEndian.PutUint32(buf, s.Tick)

	switch id {
	case PayloadCompleteEuler:
		putVec3(buf, 4, s.Euler)
		putVec3(buf, 16, s.FreeAcc)

	case PayloadExtendedQuaternion:
		putQuat(buf, 4, s.Quaternion)
		putVec3(buf, 20, s.FreeAcc)
		if s.Status != nil {
			binary.LittleEndian.PutUint16(buf[32:], uint16(int16(*s.Status>>8)))
		}
		if s.ClipCountAcc != nil {
			buf[34] = byte(*s.ClipCountAcc)
		}
		if s.ClipCountGyr != nil {
			buf[35] = byte(*s.ClipCountGyr)
		}

	case PayloadRateQuantitiesWithMag:
		putVec3(buf, 4, s.Acc)
		putVec3(buf, 16, s.Gyr)
		putMag(buf, 28, s.Mag)

	case PayloadCustom1:
		putVec3(buf, 4, s.Euler)
		putVec3(buf, 16, s.FreeAcc)
		putVec3(buf, 28, s.Gyr)

	case PayloadCustom2:
		putVec3(buf, 4, s.Euler)
		putVec3(buf, 16, s.FreeAcc)
		putMag(buf, 28, s.Mag)

	case PayloadCustom3:
		putQuat(buf, 4, s.Quaternion)
		putVec3(buf, 20, s.Gyr)
	}

	return buf
}

func f32(buf []byte, off int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
}

func vec3(buf []byte, off int) *Vec3 {
	return &Vec3{X: f32(buf, off), Y: f32(buf, off+4), Z: f32(buf, off+8)}
}

func quat(buf []byte, off int) *Quat {
	return &Quat{W: f32(buf, off), X: f32(buf, off+4), Y: f32(buf, off+8), Z: f32(buf, off+12)}
}

func mag(buf []byte, off int) *Vec3 {
	i16 := func(o int) float32 {
		return float32(int16(binary.LittleEndian.Uint16(buf[o:]))) / MagScale
	}
	return &Vec3{X: i16(off), Y: i16(off + 2), Z: i16(off + 4)}
}

func putF32(buf []byte, off int, v float32) {
	binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
}

func putVec3(buf []byte, off int, v *Vec3) {
	if v == nil {
		return
	}
	putF32(buf, off, v.X)
	putF32(buf, off+4, v.Y)
	putF32(buf, off+8, v.Z)
}

func putQuat(buf []byte, off int, q *Quat) {
	if q == nil {
		return
	}
	putF32(buf, off, q.W)
	putF32(buf, off+4, q.X)
	putF32(buf, off+8, q.Y)
	putF32(buf, off+12, q.Z)
}

func putMag(buf []byte, off int, v *Vec3) {
	if v == nil {
		return
	}
	put := func(o int, f float32) {
		binary.LittleEndian.PutUint16(buf[o:], uint16(int16(math.Round(float64(f)*MagScale))))
	}
	put(off, v.X)
	put(off+2, v.Y)
	put(off+4, v.Z)
}
