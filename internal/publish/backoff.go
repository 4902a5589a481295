package publish

import (
	"context"
	"math/rand"
	"time"
)

// Default backoff configuration values.
const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
)

// backoff implements exponential backoff with jitter.
type backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// newBackoff creates a new backoff with the given base and max durations.
func newBackoff(base, max time.Duration) *backoff {
	return &backoff{
		base:    base,
		max:     max,
		current: base,
	}
}

// Sleep waits for the current backoff duration and increases it.
// It returns early with ctx.Err() when the context is canceled.
func (b *backoff) Sleep(ctx context.Context) error {
	// jitter ~ +/-20%
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	sleep := time.Duration(float64(b.current) + jitter)

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
		return nil
	}
}

// Current returns the current backoff duration.
func (b *backoff) Current() time.Duration {
	return b.current
}
