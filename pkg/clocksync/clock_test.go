package clocksync

import (
	"testing"
	"time"
)

type fakeWall struct {
	t time.Time
}

func (f *fakeWall) now() time.Time { return f.t }

func newTestSync(start time.Time) (*Synchronizer, *fakeWall) {
	w := &fakeWall{t: start}
	return &Synchronizer{Enabled: true, Now: w.now}, w
}

func TestFirstSampleAnchorsToWallClock(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s, _ := newTestSync(start)
	var c Clock

	got := s.Timestamp(&c, 12345)
	if got != start.UnixMicro() {
		t.Errorf("Timestamp() = %d, want %d", got, start.UnixMicro())
	}
	if c.LastTick != 12345 {
		t.Errorf("LastTick = %d, want 12345", c.LastTick)
	}
	if !c.Started() {
		t.Error("Started() = false after first sample")
	}
}

func TestDriftCorrectedDelta(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s, w := newTestSync(start)
	var c Clock

	base := s.Timestamp(&c, 1000)
	w.t = start.Add(time.Hour)

	got := s.Timestamp(&c, 1000+1_000_000)
	want := base + 1_000_200
	if got != want {
		t.Errorf("Timestamp() = %d, want %d", got, want)
	}
}

func TestRolloverIsSmallPositiveDelta(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s, w := newTestSync(start)
	var c Clock

	t0 := s.Timestamp(&c, 4294967290)
	w.t = start.Add(time.Minute)
	t1 := s.Timestamp(&c, 4294967295)
	t2 := s.Timestamp(&c, 4)

	if d := t1 - t0; d != 5 {
		t.Errorf("delta across 4294967290->4294967295 = %d, want 5", d)
	}
	if d := t2 - t1; d < 0 || d > 10 {
		t.Errorf("delta across rollover = %d, want small positive", d)
	}
}

func TestEstimateNeverExceedsWallClock(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s, w := newTestSync(start)
	var c Clock

	prev := s.Timestamp(&c, 0)
	tick := uint32(0)
	for i := 0; i < 100; i++ {
		// Device runs faster than the host: 20ms of ticks per 10ms of wall time.
		tick += 20_000
		w.t = w.t.Add(10 * time.Millisecond)

		got := s.Timestamp(&c, tick)
		if got > w.t.UnixMicro() {
			t.Fatalf("sample %d: Timestamp() = %d exceeds wall clock %d", i, got, w.t.UnixMicro())
		}
		if got < prev {
			t.Fatalf("sample %d: Timestamp() = %d decreased from %d", i, got, prev)
		}
		prev = got
	}
}

func TestDisabledUsesWallClock(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s, w := newTestSync(start)
	s.Enabled = false
	var c Clock

	for _, tick := range []uint32{100, 5, 4294967295} {
		w.t = w.t.Add(time.Second)
		if got := s.Timestamp(&c, tick); got != w.t.UnixMicro() {
			t.Errorf("Timestamp(%d) = %d, want wall clock %d", tick, got, w.t.UnixMicro())
		}
	}
	if c.Started() {
		t.Error("disabled synchronizer must not anchor the clock")
	}
}

func TestResetReanchors(t *testing.T) {
	start := time.Unix(1700000000, 0)
	s, w := newTestSync(start)
	var c Clock

	s.Timestamp(&c, 100)
	c.Reset()
	w.t = start.Add(time.Hour)

	if got := s.Timestamp(&c, 50); got != w.t.UnixMicro() {
		t.Errorf("Timestamp() after Reset = %d, want %d", got, w.t.UnixMicro())
	}
}
