package processor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mustard-hep/mustard/internal/scheduler"
)

// RetryPolicy configures exponential backoff for tasks that opt in through
// Retrying. The processor itself never retries.
type RetryPolicy struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time per task (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	return b
}

// Permanent marks a task error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// NewTaskBreaker returns a circuit breaker that opens after threshold
// consecutive task failures and probes again after cooldown. Cancellation is
// not counted as a failure.
func NewTaskBreaker(name string, threshold uint32, cooldown time.Duration, log *zap.Logger) *gobreaker.CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe task in half-open state
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// Retrying wraps fn so that a failing task is retried with exponential
// backoff. A nil cb disables the circuit breaker; an open breaker fails the
// task at once. The error of the last attempt is returned.
func Retrying[T scheduler.Index](fn TaskFunc[T], policy RetryPolicy, cb *gobreaker.CircuitBreaker) TaskFunc[T] {
	return func(ctx context.Context, i T) error {
		operation := func() error {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}

			var err error
			if cb == nil {
				err = fn(ctx, i)
			} else {
				_, err = cb.Execute(func() (interface{}, error) {
					return nil, fn(ctx, i)
				})
			}
			if err == nil {
				return nil
			}

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		return backoff.Retry(operation, backoff.WithContext(policy.backOff(), ctx))
	}
}
