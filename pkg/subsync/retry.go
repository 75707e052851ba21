package subsync

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy is a bounded retry schedule. The zero value runs the operation once.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Multiplier grows the delay between attempts. Values <= 1 keep it fixed.
	Multiplier float64
	// Deadline bounds the whole schedule. Zero means only ctx bounds it.
	Deadline time.Duration
}

// DefaultPollPolicy is the schedule used while waiting for a checkout
// webhook to land: three attempts, two seconds apart.
func DefaultPollPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
		Multiplier:  1,
		Deadline:    10 * time.Second,
	}
}

// Permanent wraps err so that Do stops retrying and returns err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. It returns the last error seen.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.schedule(), uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		return op(ctx)
	}, b)
}

func (p RetryPolicy) schedule() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Delay)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}
