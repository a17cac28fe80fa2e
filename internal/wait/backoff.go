package wait

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Backoff describes a jittered exponential retry schedule bounded by a total
// time budget.
type Backoff struct {
	// Initial is the delay after the first failed attempt.
	Initial time.Duration

	// Max caps any single delay.
	Max time.Duration

	// Budget is the total time allowed for all attempts.
	Budget time.Duration

	// Jitter scales every delay into the range,
	// - min: delay * (1 - Jitter) or 0 if Jitter > 1,
	// - max: delay * (1 + Jitter).
	//
	// NOTE: when Jitter is 0, delays grow deterministically.
	Jitter float64
}

// DefaultBackoff is the connection setup schedule: start at 100ms, double up
// to 2s, give up after 30s.
var DefaultBackoff = Backoff{
	Initial: 100 * time.Millisecond,
	Max:     2 * time.Second,
	Budget:  30 * time.Second,
	Jitter:  0.2,
}

// ErrBudgetExhausted is wrapped by Retry when the budget runs out.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// calculateMinMax calculates the min and max duration values. If the
// calculated min is negative, it will be set to 0.
func calculateMinMax(d time.Duration, scaler float64) (int64, int64) {
	// If the scaler is negative, we will panic.
	if scaler < 0 {
		panic(errors.New("scaler must be positive"))
	}

	min := math.Floor(float64(d) * (1 - scaler))
	max := math.Ceil(float64(d) * (1 + scaler))

	// If the scaler is greater than 1, we would use a zero min instead of
	// a negative one.
	if 1-scaler < 0 {
		min = 0
	}

	return int64(min), int64(max)
}

// jittered returns a random duration around d according to scaler.
func jittered(d time.Duration, scaler float64) time.Duration {
	min, max := calculateMinMax(d, scaler)
	if max == min {
		return d
	}

	return time.Duration(rand.Int63n(max-min) + min) //nolint:gosec
}

// delay returns the un-jittered delay before attempt n (zero based).
func (b Backoff) delay(n int) time.Duration {
	d := b.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, the context ends or the budget is
// exhausted. The returned error wraps both ErrBudgetExhausted and the last
// error from fn in the latter case.
func Retry(ctx context.Context, b Backoff, fn func() error) error {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		d := jittered(b.delay(attempt), b.Jitter)
		if time.Since(start)+d > b.Budget {
			return errors.Join(ErrBudgetExhausted, err)
		}

		log.Tracef("Attempt %d failed (%v), retrying in %v",
			attempt+1, err, d)

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return errors.Join(ctx.Err(), err)
		}
	}
}
