package wire

import "strconv"

// Vec3 is a three-axis measurement.
type Vec3 struct {
	X, Y, Z float32
}

// Quat is an orientation quaternion.
type Quat struct {
	W, X, Y, Z float32
}

// Sample is one decoded telemetry notification. Only the field groups of
// its payload layout are set.
type Sample struct {
	Payload PayloadID
	Address string

	// Tick is the raw device clock at offset 0.
	Tick uint32

	// Timestamp is the synchronized host time in microseconds. It is filled
	// in after decoding by the clock synchronizer.
	Timestamp int64

	Euler      *Vec3
	Quaternion *Quat
	FreeAcc    *Vec3
	Acc        *Vec3
	Gyr        *Vec3
	Mag        *Vec3

	// Status is the snapshot status, already masked and shifted.
	Status       *int32
	ClipCountAcc *int8
	ClipCountGyr *int8
}

// IsEmpty reports whether the sample came from an unknown payload id.
func (s Sample) IsEmpty() bool {
	return s.Payload == 0
}

// Values returns the sample as CSV cells in the order of Payload.Columns.
func (s Sample) Values() []string {
	out := []string{strconv.FormatInt(s.Timestamp, 10), s.Address}
	if s.Euler != nil {
		out = appendVec(out, s.Euler)
	}
	if s.Quaternion != nil {
		q := s.Quaternion
		out = append(out, fmtFloat(q.W), fmtFloat(q.X), fmtFloat(q.Y), fmtFloat(q.Z))
	}
	if s.FreeAcc != nil {
		out = appendVec(out, s.FreeAcc)
	}
	if s.Acc != nil {
		out = appendVec(out, s.Acc)
	}
	if s.Gyr != nil {
		out = appendVec(out, s.Gyr)
	}
	if s.Mag != nil {
		out = appendVec(out, s.Mag)
	}
	if s.Status != nil {
		out = append(out, strconv.FormatInt(int64(*s.Status), 10))
	}
	if s.ClipCountAcc != nil {
		out = append(out, strconv.Itoa(int(*s.ClipCountAcc)))
	}
	if s.ClipCountGyr != nil {
		out = append(out, strconv.Itoa(int(*s.ClipCountGyr)))
	}
	return out
}

// Fields returns the sample as a flat map keyed like the recording columns
// in lower case ("euler_x", "freeAcc_y", ...). Used for live telemetry.
func (s Sample) Fields() map[string]any {
	m := map[string]any{
		"timestamp": s.Timestamp,
		"address":   s.Address,
	}
	putVec := func(prefix string, v *Vec3) {
		if v == nil {
			return
		}
		m[prefix+"_x"] = v.X
		m[prefix+"_y"] = v.Y
		m[prefix+"_z"] = v.Z
	}
	putVec("euler", s.Euler)
	putVec("freeAcc", s.FreeAcc)
	putVec("acc", s.Acc)
	putVec("gyr", s.Gyr)
	putVec("mag", s.Mag)
	if q := s.Quaternion; q != nil {
		m["quaternion_w"] = q.W
		m["quaternion_x"] = q.X
		m["quaternion_y"] = q.Y
		m["quaternion_z"] = q.Z
	}
	if s.Status != nil {
		m["status"] = *s.Status
	}
	if s.ClipCountAcc != nil {
		m["clipCountAcc"] = *s.ClipCountAcc
	}
	if s.ClipCountGyr != nil {
		m["clipCountGyr"] = *s.ClipCountGyr
	}
	return m
}

func appendVec(out []string, v *Vec3) []string {
	return append(out, fmtFloat(v.X), fmtFloat(v.Y), fmtFloat(v.Z))
}

func fmtFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'g', -1, 32)
}
