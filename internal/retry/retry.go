// Package retry bounds cenkalti/backoff by attempt count instead of elapsed
// time, which is what the payment rail client needs: a settlement call is
// tried a fixed number of times and then left for reconciliation.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	Attempts  int           // total tries, including the first; <= 0 means 1
	BaseDelay time.Duration // first wait, doubled each retry with ±25% jitter
	MaxDelay  time.Duration // cap on a single wait; 0 means 64×BaseDelay

	// OnRetry is called before each wait with the number of the attempt
	// that just failed (1-based).
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Permanent wraps err so that it is returned without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn under p. It returns nil on the first success, the unwrapped
// error of a Permanent failure, ctx.Err() if the context ends while waiting,
// or the last error once attempts are spent.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = p.BaseDelay << 6
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return fn()
	}
	notify := func(err error, wait time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
	}

	bounded := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(op, bounded, notify)
}

// Do is shorthand for Policy{Attempts: attempts, BaseDelay: baseDelay}.Do.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: attempts, BaseDelay: baseDelay}.Do(ctx, fn)
}
