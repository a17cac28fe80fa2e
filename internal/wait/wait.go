// Package wait implements the bounded polling used everywhere the harness
// needs a remote condition to become true. Conditions are always expressed
// as predicates; nothing in the harness sleeps for a fixed period and hopes.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultTimeout is the budget used by callers that have no better
	// idea of how long a node may take.
	DefaultTimeout = 60 * time.Second

	// DefaultPollInterval is the delay between two predicate evaluations.
	DefaultPollInterval = 250 * time.Millisecond
)

// Predicate reports whether a condition holds. The second return value is
// the quantity that was inspected; it is carried by the TimeoutError when
// the wait expires so failures show what the harness last saw. A non-nil
// error aborts the wait immediately.
type Predicate func() (bool, interface{}, error)

// TimeoutError is returned when a bounded wait expires.
type TimeoutError struct {
	// What describes the awaited condition.
	What string

	// Timeout is the budget that was exhausted.
	Timeout time.Duration

	// Last is the last value returned by the predicate, if any.
	Last interface{}
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("timed out after %v waiting for %s",
			e.Timeout, e.What)
	}
	return fmt.Sprintf("timed out after %v waiting for %s (last "+
		"observed: %v)", e.Timeout, e.What, e.Last)
}

// options holds the tunables of a single wait.
type options struct {
	interval  time.Duration
	newTicker func(time.Duration) ticker.Ticker
}

// Option modifies a wait.
type Option func(*options)

// WithInterval changes the poll interval.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

// WithTicker substitutes the ticker that drives polling. Tests use it with
// ticker.NewForce to step the loop by hand.
func WithTicker(t ticker.Ticker) Option {
	return func(o *options) {
		o.newTicker = func(time.Duration) ticker.Ticker {
			return t
		}
	}
}

// For polls pred until it holds, the context is cancelled, or timeout
// elapses. The predicate is evaluated once before the first tick so that
// conditions which already hold return without delay.
func For(ctx context.Context, what string, timeout time.Duration,
	pred Predicate, opts ...Option) error {

	o := &options{
		interval: DefaultPollInterval,
		newTicker: func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	ok, last, err := pred()
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	t := o.newTicker(o.interval)
	t.Resume()
	defer t.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-t.Ticks():
			ok, last, err = pred()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}

		case <-deadline.C:
			// One last look so that a condition satisfied right at
			// the deadline is not reported as a failure.
			ok, last, err = pred()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			log.Debugf("Wait for %s expired, last value %v", what,
				last)

			return &TimeoutError{
				What:    what,
				Timeout: timeout,
				Last:    last,
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Until is a convenience wrapper around For for predicates that have no
// interesting value to report and cannot fail.
func Until(what string, timeout time.Duration, cond func() bool,
	opts ...Option) error {

	return For(context.Background(), what, timeout,
		func() (bool, interface{}, error) {
			return cond(), nil, nil
		}, opts...,
	)
}
