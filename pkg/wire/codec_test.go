package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEnableCommand(t *testing.T) {
	tests := []struct {
		name   string
		enable bool
		id     PayloadID
		want   []byte
	}{
		{"enable euler", true, PayloadCompleteEuler, []byte{0x01, 0x01, 16}},
		{"disable euler", false, PayloadCompleteEuler, []byte{0x01, 0x00, 16}},
		{"enable quaternion", true, PayloadExtendedQuaternion, []byte{0x01, 0x01, 2}},
		{"enable custom3", true, PayloadCustom3, []byte{0x01, 0x01, 24}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeEnableCommand(tt.enable, tt.id)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeEnableCommand() = %x, want %x", got, tt.want)
			}
		})
	}
}

func TestEncodeSyncStart(t *testing.T) {
	frame, err := EncodeSyncStart("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	want := []byte{0x02, 0x07, 0x01, 0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA, 0xFB}
	assert.Equal(t, want, frame)
	assert.True(t, VerifyChecksum(frame))
}

func TestEncodeSyncStartHyphenated(t *testing.T) {
	colon, err := EncodeSyncStart("d4:22:cd:00:01:02")
	require.NoError(t, err)
	hyphen, err := EncodeSyncStart("D4-22-CD-00-01-02")
	require.NoError(t, err)

	assert.Equal(t, colon, hyphen)
	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0xCD, 0x22, 0xD4}, colon[3:9])
}

func TestEncodeSyncStartRejectsMalformed(t *testing.T) {
	for _, addr := range []string{
		"",
		"AA:BB:CC:DD:EE",
		"AA:BB:CC:DD:EE:FF:00",
		"AA:BB:CC-DD-EE-FF",
		"AA:BB:CC:DD:EE:GG",
		"AABBCCDDEEFF",
	} {
		t.Run(addr, func(t *testing.T) {
			frame, err := EncodeSyncStart(addr)
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("EncodeSyncStart(%q) error = %v, want ErrInvalidAddress", addr, err)
			}
			if frame != nil {
				t.Errorf("EncodeSyncStart(%q) = %x, want nil", addr, frame)
			}
		})
	}
}

func TestChecksumSumsToZero(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		data := make([]byte, rng.Intn(64))
		rng.Read(data)

		frame := append(append([]byte{}, data...), Checksum(data))
		var sum int
		for _, b := range frame {
			sum += int(b)
		}
		if sum%256 != 0 {
			t.Fatalf("sum(%x + checksum) %% 256 = %d, want 0", data, sum%256)
		}
	}
}

func TestChecksumEmpty(t *testing.T) {
	if got := Checksum(nil); got != 0 {
		t.Errorf("Checksum(nil) = %d, want 0", got)
	}
	if VerifyChecksum(nil) {
		t.Error("VerifyChecksum(nil) = true, want false")
	}
}

func TestDecodeSyncAck(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		success bool
		wantErr bool
	}{
		{"success", []byte{0x02, 0x03, 0x03, 0x00, 0xF8}, true, false},
		{"failure", []byte{0x02, 0x03, 0x03, 0x01, 0xF7}, false, false},
		{"truncated", []byte{0x02, 0x03, 0x03, 0x00}, false, true},
		{"wrong mid", []byte{0x05, 0x03, 0x03, 0x00, 0x00}, false, true},
		{"wrong id", []byte{0x02, 0x03, 0x01, 0x00, 0x00}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := DecodeSyncAck(tt.buf)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAck)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.success, ack.Success)
		})
	}
}

func TestEncodeSyncAckDecodes(t *testing.T) {
	ack, err := DecodeSyncAck(EncodeSyncAck(true))
	require.NoError(t, err)
	assert.True(t, ack.Success)

	ack, err = DecodeSyncAck(EncodeSyncAck(false))
	require.NoError(t, err)
	assert.False(t, ack.Success)
}

func putFloats(buf []byte, off int, vals ...float32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[off+4*i:], math.Float32bits(v))
	}
}

func TestDecodeSampleCompleteEuler(t *testing.T) {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf, 100)
	putFloats(buf, 4, 10.5, -20.25, 30)
	putFloats(buf, 16, 0.5, -0.125, 9.75)

	s, err := DecodeSample(buf, PayloadCompleteEuler)
	require.NoError(t, err)

	assert.Equal(t, uint32(100), s.Tick)
	assert.Equal(t, &Vec3{X: 10.5, Y: -20.25, Z: 30}, s.Euler)
	assert.Equal(t, &Vec3{X: 0.5, Y: -0.125, Z: 9.75}, s.FreeAcc)
	assert.Nil(t, s.Quaternion)
	assert.Nil(t, s.Gyr)
}

func TestDecodeSampleExtendedQuaternion(t *testing.T) {
	buf := make([]byte, 36)
	binary.LittleEndian.PutUint32(buf, 7)
	putFloats(buf, 4, 1, 0, 0.5, -0.5)
	putFloats(buf, 20, 0.1, 0.2, 0.3)
	binary.LittleEndian.PutUint16(buf[32:], 0xFE03) // high bits are masked off
	buf[34] = 0xFF                                  // -1
	buf[35] = 3

	s, err := DecodeSample(buf, PayloadExtendedQuaternion)
	require.NoError(t, err)

	assert.Equal(t, &Quat{W: 1, X: 0, Y: 0.5, Z: -0.5}, s.Quaternion)
	require.NotNil(t, s.Status)
	assert.Equal(t, int32(0x003<<8), *s.Status)
	assert.Equal(t, int8(-1), *s.ClipCountAcc)
	assert.Equal(t, int8(3), *s.ClipCountGyr)
}

func TestDecodeSampleMagFixedPoint(t *testing.T) {
	buf := make([]byte, 34)
	binary.LittleEndian.PutUint16(buf[28:], 4096)
	binary.LittleEndian.PutUint16(buf[30:], uint16(0xF000)) // -4096
	binary.LittleEndian.PutUint16(buf[32:], 2048)

	s, err := DecodeSample(buf, PayloadRateQuantitiesWithMag)
	require.NoError(t, err)
	assert.Equal(t, &Vec3{X: 1, Y: -1, Z: 0.5}, s.Mag)
}

func TestDecodeSampleUnknownPayload(t *testing.T) {
	s, err := DecodeSample(make([]byte, 40), PayloadID(99))
	if err != nil {
		t.Fatalf("DecodeSample() error = %v, want nil", err)
	}
	if !s.IsEmpty() {
		t.Errorf("DecodeSample() = %+v, want empty sample", s)
	}
}

func TestDecodeSampleShort(t *testing.T) {
	for _, id := range Payloads {
		t.Run(id.String(), func(t *testing.T) {
			_, err := DecodeSample(make([]byte, id.Size()-1), id)
			assert.ErrorIs(t, err, ErrShortPayload)
		})
	}
}

func TestSampleRoundTrip(t *testing.T) {
	status := int32(0x1A << 8)
	clipAcc, clipGyr := int8(-2), int8(5)

	full := Sample{
		Tick:         0xDEADBEEF,
		Euler:        &Vec3{X: 1.5, Y: -2.25, Z: 179.5},
		Quaternion:   &Quat{W: 0.5, X: 0.5, Y: -0.5, Z: 0.5},
		FreeAcc:      &Vec3{X: 0.01, Y: -9.81, Z: 0.25},
		Acc:          &Vec3{X: 1, Y: 2, Z: 3},
		Gyr:          &Vec3{X: -0.5, Y: 0.75, Z: 100},
		Mag:          &Vec3{X: 0.25, Y: -1.5, Z: 2},
		Status:       &status,
		ClipCountAcc: &clipAcc,
		ClipCountGyr: &clipGyr,
	}

	for _, id := range Payloads {
		t.Run(id.String(), func(t *testing.T) {
			buf := EncodeSample(full, id)
			require.Len(t, buf, id.Size())

			decoded, err := DecodeSample(buf, id)
			require.NoError(t, err)

			again := EncodeSample(decoded, id)
			if !bytes.Equal(buf, again) {
				t.Errorf("re-encoded bytes = %x, want %x", again, buf)
			}
			assert.Len(t, decoded.Values(), len(id.Columns()))
		})
	}
}

func TestDecodeHeadingStatus(t *testing.T) {
	for _, h := range []HeadingStatus{HeadingXRM, HeadingDefaultAlignment, HeadingNone} {
		got, err := DecodeHeadingStatus([]byte{byte(h), 0})
		require.NoError(t, err)
		assert.Equal(t, h, got)
	}

	_, err := DecodeHeadingStatus([]byte{3})
	assert.ErrorIs(t, err, ErrInvalidHeadingStatus)
	_, err = DecodeHeadingStatus(nil)
	assert.ErrorIs(t, err, ErrInvalidHeadingStatus)
}

func TestHeadingFrames(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00}, EncodeHeadingReset())
	assert.Equal(t, []byte{0x07, 0x00}, EncodeHeadingRevert())
}
