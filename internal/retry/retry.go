// Package retry runs operations under a retry policy with exponential
// backoff and holds the error taxonomy shared by the session layers.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Default policy values.
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 30 * time.Second
)

// Policy bounds a retried operation.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// Zero means retry until the context is done.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxElapsed stops retrying after this much wall time. Zero disables it.
	MaxElapsed time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
	}
}

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. A *RateLimitError with a RetryAfter is honored
// by sleeping for that long before the next attempt.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("operation failed, retrying",
				"op", op,
				"err", err,
				"backoff", next,
			)
		}),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.MaxAttempts)))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}

		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			logger.Warn("rate limited by venue", "op", op, "retry_after", rl.RetryAfter)
			select {
			case <-ctx.Done():
				return struct{}{}, backoff.Permanent(ctx.Err())
			case <-time.After(rl.RetryAfter):
			}
		}
		return struct{}{}, err
	}, opts...)

	return err
}
