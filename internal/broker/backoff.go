package broker

import (
	"math/rand"
	"time"
)

const (
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
)

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	initial time.Duration
	current time.Duration
	limit   time.Duration
}

func newBackoff(initial time.Duration) *backoff {
	if initial <= 0 {
		initial = time.Second
	}
	limit := backoffMax
	if initial > limit {
		limit = initial
	}
	return &backoff{initial: initial, current: initial, limit: limit}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// Apply ±25 % jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > b.limit {
		b.current = b.limit
	}
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}
