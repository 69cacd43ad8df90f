// Package retry provides the retry policy wrapped around every gateway
// invocation. Content decisions (a verifier fail, a blocked worker) are never
// retried — only infrastructure faults pass through here.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy configures a Retryer.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt
	// (0 means no retry).
	MaxRetries int
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// Multiplier grows the delay between retries. Values <= 1 select
	// linear growth (delay = InitialDelay * attempt).
	Multiplier float64
	// Jitter adds ±25% randomization to spread out concurrent retriers.
	Jitter bool
	// OnRetry is invoked before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultGatewayPolicy returns the policy applied to model gateway calls:
// two retries with linear backoff starting at 200ms.
func DefaultGatewayPolicy() *Policy {
	return &Policy{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.0,
	}
}

// Retryer executes functions under a retry policy.
type Retryer interface {
	// Do executes fn, retrying per policy on error.
	Do(ctx context.Context, fn func() error) error

	// DoWithResult executes fn and returns its result, retrying per policy
	// on error. The surfaced failure after exhaustion wraps the last error.
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

type backoffRetryer struct {
	policy *Policy
	logger *zap.Logger
}

// NewRetryer creates a retryer for the given policy. A nil policy selects
// DefaultGatewayPolicy.
func NewRetryer(policy *Policy, logger *zap.Logger) Retryer {
	if policy == nil {
		policy = DefaultGatewayPolicy()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{policy: policy, logger: logger}
}

// Do implements Retryer.Do.
func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult implements Retryer.DoWithResult.
func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)

			r.logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", r.policy.MaxRetries),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	r.logger.Warn("retries exhausted",
		zap.Int("attempts", r.policy.MaxRetries+1),
		zap.Error(lastErr),
	)

	return nil, fmt.Errorf("failed after %d retries: %w", r.policy.MaxRetries, lastErr)
}

// calculateDelay derives the sleep before the given retry attempt.
// Multiplier <= 1 grows linearly; otherwise exponentially.
func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	var delay float64
	if r.policy.Multiplier <= 1.0 {
		delay = float64(r.policy.InitialDelay) * float64(attempt)
	} else {
		delay = float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	}

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		jitter := delay * 0.25 * (rand.Float64()*2 - 1)
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}

	return time.Duration(delay)
}
