package pipeline

import (
	"context"
	"time"

	"github.com/t77yq/telemetry-hub/internal/storage"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry calculates the delay before the given retry
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// RetryPolicy bounds how often a transient failure is retried
type RetryPolicy struct {
	Strategy    RetryStrategy
	MaxAttempts int
}

// DefaultRetryPolicy waits 100ms, doubling up to 2s, for at most 5 attempts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy: &ExponentialBackoff{
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
		},
		MaxAttempts: 5,
	}
}

// Do runs fn until it succeeds, fails permanently, or the attempts run out.
// Only transient storage failures are retried. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !storage.IsTransient(err) || attempt >= maxAttempts {
			return attempt, err
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		timer := time.NewTimer(p.Strategy.NextRetry(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, err
		case <-timer.C:
		}
	}
}
