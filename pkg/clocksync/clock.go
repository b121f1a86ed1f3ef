// Package clocksync aligns sensor clocks with the host clock.
//
// Each sensor stamps its notifications with a free-running 32-bit tick
// counter in microseconds. The synchronizer turns those ticks into host
// timestamps: the first sample of a device is anchored to the host wall
// clock, later samples advance the estimate by the tick delta corrected for
// a known systematic drift. Estimates never run ahead of the wall clock.
//
// When synchronization is disabled every sample is stamped with the host
// wall clock directly.
package clocksync

import (
	"math"
	"time"
)

const (
	// Rollover is added to a negative tick delta to undo 32-bit wraparound.
	Rollover int64 = 4294967295

	// Drift is the relative rate mismatch between sensor and host clocks.
	Drift = 0.0002
)

// Clock is the per-device synchronization state.
type Clock struct {
	// LastTick is the last raw device tick seen.
	LastTick uint32

	// HostTime is the last synchronized timestamp in microseconds.
	HostTime int64

	started bool
}

// Started reports whether the clock has been anchored to the host.
func (c *Clock) Started() bool {
	return c.started
}

// Reset forgets the anchor so the next sample re-anchors to the wall clock.
func (c *Clock) Reset() {
	*c = Clock{}
}

// Synchronizer computes synchronized timestamps.
type Synchronizer struct {
	// Enabled selects drift-corrected device time. When false samples are
	// stamped with the host wall clock.
	Enabled bool

	// Now returns the host wall clock. Defaults to time.Now.
	Now func() time.Time
}

// New creates an enabled synchronizer using the system clock.
func New() *Synchronizer {
	return &Synchronizer{Enabled: true, Now: time.Now}
}

func (s *Synchronizer) nowMicros() int64 {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UnixMicro()
}

// Timestamp returns the synchronized host time for a sample carrying tick
// and advances c.
func (s *Synchronizer) Timestamp(c *Clock, tick uint32) int64 {
	wall := s.nowMicros()

	if !s.Enabled {
		return wall
	}

	if !c.started {
		c.started = true
		c.LastTick = tick
		c.HostTime = wall
		return wall
	}

	delta := int64(tick) - int64(c.LastTick)
	if delta < 0 {
		delta += Rollover
	}
	c.LastTick = tick

	est := c.HostTime + int64(math.Round(float64(delta)*(1+Drift)))
	if est > wall {
		est = wall
	}
	c.HostTime = est
	return est
}
