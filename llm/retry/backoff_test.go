package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRetryer_Success(t *testing.T) {
	retryer := NewRetryer(&Policy{
		MaxRetries:   3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   1.0,
	}, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryer_RetryAndSucceed(t *testing.T) {
	retryer := NewRetryer(&Policy{
		MaxRetries:   3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   1.0,
	}, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestRetryer_ExhaustionSurfacesLastError(t *testing.T) {
	retryer := NewRetryer(&Policy{
		MaxRetries:   2,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   1.0,
	}, zap.NewNop())

	lastErr := errors.New("still broken")
	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return lastErr
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, lastErr)
	assert.Equal(t, 3, callCount, "initial attempt plus two retries")
}

func TestRetryer_ContextCancellation(t *testing.T) {
	retryer := NewRetryer(&Policy{
		MaxRetries:   5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.0,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	callCount := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := retryer.Do(ctx, func() error {
		callCount++
		return errors.New("transient")
	})

	assert.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, callCount)
}

func TestCalculateDelay_Linear(t *testing.T) {
	r := NewRetryer(&Policy{
		MaxRetries:   2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   1.0,
	}, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 400*time.Millisecond, r.calculateDelay(2))
}

func TestCalculateDelay_ExponentialCapped(t *testing.T) {
	r := NewRetryer(&Policy{
		MaxRetries:   10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, zap.NewNop()).(*backoffRetryer)

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, time.Second, r.calculateDelay(8))
}
