// Package backoff provides exponential backoff with optional jitter for
// bounded retry loops, primarily the webhook notifier's delivery cadence.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned when every attempt has failed.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Policy defines the delay schedule between attempts.
type Policy struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Factor is the multiplier applied per attempt.
	Factor float64
	// Jitter is the randomization fraction (0..1) added to each delay.
	Jitter float64
}

// WebhookPolicy is the fixed schedule for lifecycle webhook delivery:
// 250ms, 500ms, 1s between the four attempts, no jitter.
func WebhookPolicy() Policy {
	return Policy{Initial: 250 * time.Millisecond, Max: time.Second, Factor: 2}
}

// Delay computes the wait before attempt+1 given a failed attempt
// (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	withJitter := base + base*p.Jitter*random
	if max := float64(p.Max); p.Max > 0 && withJitter > max {
		withJitter = max
	}
	return time.Duration(withJitter)
}

// Sleep waits for the policy's delay after the given failed attempt,
// returning early with ctx.Err() on cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
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

// Retry runs fn up to maxAttempts times, sleeping per the policy between
// failures. It returns fn's first successful value, or the last error
// joined with ErrExhausted once attempts run out. The attempt count used
// is reported alongside.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (value T, attempts int, err error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if cerr := ctx.Err(); cerr != nil {
			return value, attempts, cerr
		}
		v, ferr := fn(attempt)
		if ferr == nil {
			return v, attempts, nil
		}
		lastErr = ferr
		if attempt < maxAttempts {
			if serr := policy.Sleep(ctx, attempt); serr != nil {
				return value, attempts, serr
			}
		}
	}
	return value, attempts, errors.Join(ErrExhausted, lastErr)
}
