package timer

import (
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type firedLog struct {
	mu    sync.Mutex
	fired []Fired
}

func (l *firedLog) add(f Fired) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired = append(l.fired, f)
}

func (l *firedLog) all() []Fired {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Fired(nil), l.fired...)
}

func newManualManager() (*Manager, *Manual, *firedLog) {
	clock := NewManual(epoch)
	m := NewManagerWithScheduler(clock)
	log := &firedLog{}
	m.OnExpiry(log.add)
	return m, clock, log
}

func TestManagerSetAndExpire(t *testing.T) {
	m, clock, log := newManualManager()
	key := Key{Kind: KindAckPoll, Address: "aa"}

	gen, err := m.Set(key, 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	clock.Advance(1499 * time.Millisecond)
	if n := len(log.all()); n != 0 {
		t.Fatalf("fired %d timers before deadline", n)
	}

	clock.Advance(time.Millisecond)
	fired := log.all()
	if len(fired) != 1 {
		t.Fatalf("fired %d timers, want 1", len(fired))
	}
	if fired[0].Key != key || fired[0].Generation != gen {
		t.Errorf("Fired = %+v, want key %+v gen %d", fired[0], key, gen)
	}

	if !m.Claim(fired[0]) {
		t.Error("Claim() = false for a live expiry")
	}
	if m.Claim(fired[0]) {
		t.Error("Claim() = true twice")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestManagerCancelPreventsExpiry(t *testing.T) {
	m, clock, log := newManualManager()
	key := Key{Kind: KindWatchdog}

	if _, err := m.Set(key, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := m.Cancel(key); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	clock.Advance(time.Minute)

	if n := len(log.all()); n != 0 {
		t.Errorf("fired %d timers after cancel", n)
	}
	if err := m.Cancel(key); err != ErrTimerNotFound {
		t.Errorf("Cancel() error = %v, want ErrTimerNotFound", err)
	}
}

func TestManagerClaimRejectsStaleExpiry(t *testing.T) {
	m, clock, log := newManualManager()
	key := Key{Kind: KindWatchdog}

	m.Set(key, time.Second)
	clock.Advance(time.Second)
	stale := log.all()[0]

	// Cancelled after firing but before the dispatcher claimed it.
	m.Cancel(key)
	if m.Claim(stale) {
		t.Error("Claim() = true after cancel")
	}

	// Replaced after firing.
	m.Set(key, time.Second)
	clock.Advance(time.Second)
	first := log.all()[1]
	m.Set(key, time.Second)
	if m.Claim(first) {
		t.Error("Claim() = true for a replaced timer")
	}
}

func TestManagerReplaceResetsDeadline(t *testing.T) {
	m, clock, log := newManualManager()
	key := Key{Kind: KindReconnect, Address: "bb"}

	m.Set(key, 12*time.Second)
	clock.Advance(10 * time.Second)
	m.Set(key, 12*time.Second)
	clock.Advance(10 * time.Second)

	if n := len(log.all()); n != 0 {
		t.Fatalf("fired %d timers, want 0 after replacement", n)
	}
	clock.Advance(2 * time.Second)
	if n := len(log.all()); n != 1 {
		t.Errorf("fired %d timers, want 1", n)
	}
}

func TestManagerCancelAddress(t *testing.T) {
	m, clock, log := newManualManager()

	m.Set(Key{Kind: KindReconnect, Address: "aa"}, time.Second)
	m.Set(Key{Kind: KindAckPoll, Address: "aa"}, time.Second)
	m.Set(Key{Kind: KindReconnect, Address: "bb"}, time.Second)

	m.CancelAddress("aa")
	clock.Advance(time.Second)

	fired := log.all()
	if len(fired) != 1 || fired[0].Key.Address != "bb" {
		t.Errorf("fired = %+v, want only bb", fired)
	}
}

func TestManagerCancelAll(t *testing.T) {
	m, clock, log := newManualManager()

	m.Set(Key{Kind: KindDisconnect}, time.Second)
	m.Set(Key{Kind: KindWatchdog}, time.Minute)
	m.CancelAll()
	clock.Advance(time.Hour)

	if n := len(log.all()); n != 0 {
		t.Errorf("fired %d timers after CancelAll", n)
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", clock.Pending())
	}
}

func TestManagerRejectsNegativeDuration(t *testing.T) {
	m, _, _ := newManualManager()
	if _, err := m.Set(Key{Kind: KindAckPoll}, -time.Second); err != ErrInvalidDuration {
		t.Errorf("Set() error = %v, want ErrInvalidDuration", err)
	}
}

func TestTimerRemainingTime(t *testing.T) {
	m, clock, _ := newManualManager()
	key := Key{Kind: KindWatchdog}
	m.Set(key, 48*time.Second)

	clock.Advance(8 * time.Second)
	tm := m.Get(key)
	if tm == nil {
		t.Fatal("Get() = nil")
	}
	if got := tm.RemainingTime(); got != 40*time.Second {
		t.Errorf("RemainingTime() = %v, want 40s", got)
	}
	if want := epoch.Add(48 * time.Second); !tm.ExpiresAt().Equal(want) {
		t.Errorf("ExpiresAt() = %v, want %v", tm.ExpiresAt(), want)
	}
}

func TestManualRunsInDeadlineOrder(t *testing.T) {
	clock := NewManual(epoch)
	var order []int
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	clock.AfterFunc(time.Second, func() {
		order = append(order, 1)
		clock.AfterFunc(time.Second, func() { order = append(order, 2) })
	})

	clock.Advance(5 * time.Second)

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
	if !clock.Now().Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("Now() = %v, want epoch+5s", clock.Now())
	}
}

func TestSystemSchedulerExpires(t *testing.T) {
	m := NewManager()
	done := make(chan Fired, 1)
	m.OnExpiry(func(f Fired) { done <- f })

	m.Set(Key{Kind: KindHeadingRead, Address: "aa"}, 5*time.Millisecond)

	select {
	case f := <-done:
		if !m.Claim(f) {
			t.Error("Claim() = false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
}
