package timer

import (
	"sort"
	"sync"
	"time"
)

// Manual is a virtual-clock Scheduler. Time only moves on Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	m       *Manual
	due     time.Time
	seq     uint64
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	wasPending := !t.stopped
	t.stopped = true
	return wasPending
}

// NewManual creates a manual scheduler starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the virtual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f at Now()+d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{m: m, due: m.now.Add(d), seq: m.seq, f: f}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves the clock forward by d, running due callbacks in deadline
// order. Callbacks may schedule further timers; those run too if they fall
// inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	end := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.nextDue(end)
		if t == nil {
			break
		}
		t.f()
	}

	m.mu.Lock()
	m.now = end
	m.mu.Unlock()
}

// nextDue pops the earliest live timer due at or before end and moves the
// clock to its deadline.
func (m *Manual) nextDue(end time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pending[:0]
	for _, t := range m.pending {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.pending = live

	sort.Slice(m.pending, func(i, j int) bool {
		if m.pending[i].due.Equal(m.pending[j].due) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].due.Before(m.pending[j].due)
	})

	if len(m.pending) == 0 || m.pending[0].due.After(end) {
		return nil
	}
	t := m.pending[0]
	m.pending = m.pending[1:]
	t.stopped = true
	if t.due.After(m.now) {
		m.now = t.due
	}
	return t
}

// Pending returns the number of live scheduled callbacks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}
