package syncround

import (
	"math/rand"
	"time"

	"github.com/dotfleet/dotfleet-go/pkg/backoff"
)

// BackoffConfig tunes reconnect retries after a failed connect. The first
// retry waits the configured reconnect delay; later retries grow from
// there up to Max.
type BackoffConfig struct {
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Seed fixes the jitter sequence. Zero seeds from the clock.
	Seed int64
}

func (cfg BackoffConfig) retry(initial time.Duration, rng *rand.Rand) *backoff.Backoff {
	return backoff.New(backoff.Config{
		Initial:    initial,
		Max:        cfg.Max,
		Multiplier: cfg.Multiplier,
		Jitter:     cfg.Jitter,
	}, rng)
}
