package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ai-character-runtime/backend/pkg/logger"

	"github.com/cenkalti/backoff/v4"
)

// ErrRetriesExhausted marks a transient failure that persisted through every allowed attempt
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetriesExhaustedError carries the attempt count and the last underlying error
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes both the sentinel and the last error to errors.Is/As
func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// RetryPolicy is an exponential backoff policy with bounded attempts
type RetryPolicy struct {
	MaxAttempts uint
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter is the randomization factor in [0,1]
	Jitter   float64
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. nil retries everything.
	Retryable func(err error) bool
}

// DefaultRetryPolicy returns the policy used for model calls
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		Jitter:      0.2,
		MaxDelay:    10 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	opts := []backoff.ExponentialBackOffOpts{
		backoff.WithInitialInterval(p.BaseDelay),
		backoff.WithMultiplier(p.Multiplier),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	}
	if p.MaxDelay > 0 {
		opts = append(opts, backoff.WithMaxInterval(p.MaxDelay))
	}

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(opts...), uint64(attempts-1))
	return backoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, returns a non-retryable error, the context
// ends, or the attempts run out. Exhaustion yields *RetriesExhaustedError.
func Retry(ctx context.Context, p RetryPolicy, log *logger.Logger, op func(ctx context.Context) error) error {
	attempts := 0
	permanent := false

	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, next time.Duration) {
		if log != nil {
			log.Warn("Retrying after transient failure",
				"attempt", attempts,
				"next_delay", next.String(),
				"error", err.Error(),
			)
		}
	})

	if err == nil || permanent || ctx.Err() != nil {
		return err
	}
	return &RetriesExhaustedError{Attempts: attempts, Last: err}
}
