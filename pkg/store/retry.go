package store

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the jittered exponential delay between CAS retries.
type Backoff struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is applied after each retry (2.0 doubles the delay).
	Multiplier float64

	// Jitter is a random factor in [0,1]; 0.5 spreads delays over +/-50%.
	Jitter float64
}

// DefaultBackoff returns the backoff used for CAS conflicts:
// 5ms initial delay, 2x multiplier, 200ms cap, 50% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.5,
	}
}

// NextDelay returns the delay before retry number attempt (1-indexed).
// Returns 0 for attempt <= 0.
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(b.InitialDelay) * math.Pow(mult, float64(attempt-1)))
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if b.Jitter > 0 {
		// Range [1-jitter, 1+jitter].
		factor := 1 - b.Jitter + 2*b.Jitter*rand.Float64() //nolint:gosec // jitter, not crypto
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
