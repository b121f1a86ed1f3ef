package timer

import (
	"errors"
	"sync"
	"time"
)

// Timer errors.
var (
	ErrTimerNotFound   = errors.New("timer not found")
	ErrInvalidDuration = errors.New("invalid duration")
)

// Kind identifies the purpose of a timer.
type Kind uint8

const (
	// KindDisconnect fires after the sync-start broadcast to disconnect the
	// round members.
	KindDisconnect Kind = iota + 1

	// KindReconnect fires after a member dropped, to connect it again.
	KindReconnect

	// KindAckPoll fires after a member reconnected, to read its sync result.
	KindAckPoll

	// KindWatchdog bounds a whole sync round.
	KindWatchdog

	// KindHeadingRead delays the heading status read after connect.
	KindHeadingRead
)

// String returns a human-readable timer kind name.
func (k Kind) String() string {
	switch k {
	case KindDisconnect:
		return "DISCONNECT"
	case KindReconnect:
		return "RECONNECT"
	case KindAckPoll:
		return "ACK_POLL"
	case KindWatchdog:
		return "WATCHDOG"
	case KindHeadingRead:
		return "HEADING_READ"
	default:
		return "UNKNOWN"
	}
}

// Key uniquely identifies a timer. Address is empty for round-wide timers.
type Key struct {
	Kind    Kind
	Address string
}

// Fired is delivered when a timer expires.
type Fired struct {
	Key        Key
	Generation uint64
}

// Stopper stops a scheduled callback.
type Stopper interface {
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
	Now() time.Time
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }
func (realScheduler) Now() time.Time                              { return time.Now() }

// System is the wall-clock scheduler.
var System Scheduler = realScheduler{}

// Timer represents an active timer.
type Timer struct {
	// Key identifies this timer
	Key Key

	// StartTime is when the timer was set
	StartTime time.Time

	// Duration is the timer duration
	Duration time.Duration

	// Generation distinguishes this timer from earlier ones with the same key
	Generation uint64

	now   func() time.Time
	stop  Stopper
	fired bool
}

// ExpiresAt returns when the timer will expire.
func (t *Timer) ExpiresAt() time.Time {
	return t.StartTime.Add(t.Duration)
}

// RemainingTime returns time until expiry.
func (t *Timer) RemainingTime() time.Duration {
	remaining := t.Duration - t.now().Sub(t.StartTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Manager manages keyed timers.
type Manager struct {
	mu sync.Mutex

	sched  Scheduler
	timers map[Key]*Timer
	gen    uint64

	// Callback when a timer expires
	onExpiry func(Fired)
}

// NewManager creates a manager on the system scheduler.
func NewManager() *Manager {
	return NewManagerWithScheduler(System)
}

// NewManagerWithScheduler creates a manager on a custom scheduler.
func NewManagerWithScheduler(s Scheduler) *Manager {
	if s == nil {
		s = System
	}
	return &Manager{
		sched:  s,
		timers: make(map[Key]*Timer),
	}
}

// OnExpiry sets the callback for timer expiry.
func (m *Manager) OnExpiry(fn func(Fired)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpiry = fn
}

// Set creates or replaces a timer and returns its generation.
func (m *Manager) Set(key Key, d time.Duration) (uint64, error) {
	if d < 0 {
		return 0, ErrInvalidDuration
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.timers[key]; ok {
		existing.stop.Stop()
	}

	m.gen++
	t := &Timer{
		Key:        key,
		StartTime:  m.sched.Now(),
		Duration:   d,
		Generation: m.gen,
		now:        m.sched.Now,
	}
	gen := m.gen
	t.stop = m.sched.AfterFunc(d, func() {
		m.expire(key, gen)
	})

	m.timers[key] = t
	return gen, nil
}

// Cancel cancels a timer. A pending expiry for it will fail Claim.
func (m *Manager) Cancel(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[key]
	if !ok {
		return ErrTimerNotFound
	}
	t.stop.Stop()
	delete(m.timers, key)
	return nil
}

// CancelAddress cancels every timer of one address.
func (m *Manager) CancelAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, t := range m.timers {
		if key.Address == addr {
			t.stop.Stop()
			delete(m.timers, key)
		}
	}
}

// CancelAll cancels every timer.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, t := range m.timers {
		t.stop.Stop()
		delete(m.timers, key)
	}
}

// Claim consumes an expiry. It returns false if the timer was cancelled or
// replaced after it fired.
func (m *Manager) Claim(f Fired) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[f.Key]
	if !ok || t.Generation != f.Generation || !t.fired {
		return false
	}
	delete(m.timers, f.Key)
	return true
}

// Get returns a copy of a timer, or nil if not set.
func (m *Manager) Get(key Key) *Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[key]
	if !ok {
		return nil
	}
	return &Timer{
		Key:        t.Key,
		StartTime:  t.StartTime,
		Duration:   t.Duration,
		Generation: t.Generation,
		now:        t.now,
	}
}

// Count returns the number of active timers, including fired timers not
// yet claimed.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manager) expire(key Key, gen uint64) {
	m.mu.Lock()
	t, ok := m.timers[key]
	if !ok || t.Generation != gen {
		m.mu.Unlock()
		return
	}
	t.fired = true
	callback := m.onExpiry
	m.mu.Unlock()

	// Call callback outside lock
	if callback != nil {
		callback(Fired{Key: key, Generation: gen})
	}
}
