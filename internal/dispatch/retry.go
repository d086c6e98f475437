package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds an exponential backoff.
type RetryPolicy struct {
	// MaxAttempts counts the first try. Values below 1 mean a single attempt.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a component is given the zero policy.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

func (p RetryPolicy) orDefault() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy
	}
	return p
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		bo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		bo.MaxInterval = p.MaxInterval
	}
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	return bo
}

// retry runs op until it succeeds, returns a permanent error, the policy
// runs out of attempts, or ctx is done. notify sees every failed attempt
// that will be retried.
func retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error), notify func(error, time.Duration)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(attempts)),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	return backoff.Retry[T](ctx, op, opts...)
}

// permanent marks err as not worth retrying.
func permanent(err error) error {
	return backoff.Permanent(err)
}

// isPermanentDirectoryError reports whether a directory failure will not
// change on retry.
func isPermanentDirectoryError(err error) bool {
	return errors.Is(err, ErrUnknownOrg) || errors.Is(err, ErrCredentialsRejected) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
