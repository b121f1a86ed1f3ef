// Package backoff computes jittered exponential retry delays.
//
// The first delay is the initial value without jitter; each later delay
// grows by the multiplier up to the maximum and is stretched by up to
// Jitter of itself. A Backoff is not safe for concurrent use.
package backoff

import (
	"math/rand"
	"time"
)

// Defaults.
const (
	DefaultInitial    = 1 * time.Second
	DefaultMax        = 30 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.25
)

// Config tunes a Backoff. Zero fields use the defaults, except Jitter,
// where zero disables jitter.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Backoff yields retry delays.
type Backoff struct {
	initial    time.Duration
	current    time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	attempts   int
	rng        *rand.Rand
}

// New creates a Backoff. A nil rng is seeded from the clock.
func New(cfg Config, rng *rand.Rand) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = DefaultInitial
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{
		initial:    cfg.Initial,
		current:    cfg.Initial,
		max:        cfg.Max,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		rng:        rng,
	}
}

// Next returns the next delay and advances.
func (b *Backoff) Next() time.Duration {
	delay := b.current
	if b.jitter > 0 && b.attempts > 0 {
		delay += time.Duration(float64(delay) * b.jitter * b.rng.Float64())
	}

	b.attempts++
	grown := time.Duration(float64(b.current) * b.multiplier)
	if grown > b.max {
		grown = b.max
	}
	b.current = grown
	return delay
}

// Reset starts over from the initial delay.
func (b *Backoff) Reset() {
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
