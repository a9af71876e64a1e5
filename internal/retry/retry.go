// Package retry provides the bounded exponential backoff policy used by the
// remote collaborators (embedding server, reranker server, graph store).
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInvalidMaxAttempts is returned when a policy allows no attempts at all.
var ErrInvalidMaxAttempts = errors.New("retry: max attempts must be > 0")

// Policy describes how often and how patiently an operation is retried.
// MaxAttempts counts the first call, so 1 means no retry.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NoRetry runs an operation exactly once.
var NoRetry = Policy{MaxAttempts: 1}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the context ends,
// or the policy runs out of attempts. The last error is returned unwrapped.
func Do(ctx context.Context, p Policy, op func() error) error {
	_, err := DoWithData(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// DoWithData is Do for operations that produce a value.
func DoWithData[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, ErrInvalidMaxAttempts
	}

	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		return op()
	}

	notify := func(err error, delay time.Duration) {
		slog.Debug("operation failed, will retry",
			"attempt", attempt,
			"maxAttempts", p.MaxAttempts,
			"delay", delay,
			"error", err,
		)
	}

	return backoff.RetryNotifyWithData(wrapped, p.backOff(ctx), notify)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}
