package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestFirstDelayIsExact(t *testing.T) {
	b := New(Config{Initial: 12 * time.Second, Jitter: 0.25}, rand.New(rand.NewSource(1)))

	if got := b.Next(); got != 12*time.Second {
		t.Errorf("Next() = %v, want %v", got, 12*time.Second)
	}
}

func TestGrowsAndCaps(t *testing.T) {
	b := New(Config{Initial: time.Second, Max: 5 * time.Second}, rand.New(rand.NewSource(1)))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
	if got := b.Attempts(); got != len(want) {
		t.Errorf("Attempts() = %d, want %d", got, len(want))
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want %v", got, time.Second)
	}
}

func TestJitterBounds(t *testing.T) {
	b := New(Config{Initial: time.Second, Max: time.Hour, Jitter: 0.5}, rand.New(rand.NewSource(7)))
	b.Next()

	base := 2 * time.Second
	for i := 0; i < 5; i++ {
		got := b.Next()
		if got < base || got > base+base/2 {
			t.Errorf("Next() = %v, want within [%v, %v]", got, base, base+base/2)
		}
		base *= 2
	}
}

func TestDefaults(t *testing.T) {
	b := New(Config{}, nil)
	if b.initial != DefaultInitial || b.max != DefaultMax || b.multiplier != DefaultMultiplier {
		t.Errorf("New(Config{}) = %+v, want defaults", b)
	}

	b = New(Config{Initial: time.Minute}, nil)
	if b.max != time.Minute {
		t.Errorf("max = %v, want %v", b.max, time.Minute)
	}
}
