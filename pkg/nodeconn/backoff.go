package nodeconn

import (
	"context"
	"math/rand"
	"time"
)

// BackoffConfig tunes the reconnect backoff.
type BackoffConfig struct {
	// Initial is the first wait after a disconnect
	Initial time.Duration

	// Max caps the wait between attempts
	Max time.Duration

	// Multiplier grows the wait between consecutive attempts
	Multiplier float64
}

func (c *BackoffConfig) setDefaults() {
	if c.Initial == 0 {
		c.Initial = time.Second
	}
	if c.Max == 0 {
		c.Max = time.Minute
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2.0
	}
}

// Backoff produces exponentially growing, jittered, capped wait intervals.
// Not safe for concurrent use; each connection owns one.
type Backoff struct {
	cfg  BackoffConfig
	next time.Duration
}

// NewBackoff creates a Backoff from config, applying defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg.setDefaults()
	return &Backoff{cfg: cfg, next: cfg.Initial}
}

// Next returns the wait for the current attempt and advances the schedule.
// Jitter of up to ±25% avoids synchronized reconnect storms.
func (b *Backoff) Next() time.Duration {
	wait := b.next

	grown := time.Duration(float64(b.next) * b.cfg.Multiplier)
	if grown > b.cfg.Max {
		grown = b.cfg.Max
	}
	b.next = grown

	jitterRange := float64(wait) * 0.25
	jitter := (rand.Float64() * 2 * jitterRange) - jitterRange
	wait += time.Duration(jitter)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// Reset returns the schedule to the initial interval after a successful
// reconnect.
func (b *Backoff) Reset() {
	b.next = b.cfg.Initial
}

// Wait sleeps for the next interval or until ctx is cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	select {
	case <-time.After(b.Next()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
