package retry

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/wikiflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestBackoffRetryer_FirstAttemptSucceeds(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_RetriesRetryableError(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return types.NewError(types.ErrUpstreamError, "transient").WithRetryable(true)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestBackoffRetryer_StopsOnNonRetryableError(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return types.NewError(types.ErrInvalidRequest, "bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, callCount)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestBackoffRetryer_ExhaustsRetries(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return types.NewError(types.ErrRateLimited, "slow down").WithRetryable(true)
	})

	require.Error(t, err)
	assert.Equal(t, 3, callCount) // 1 次 + 2 次重试
	// 包装后的错误仍可取出错误码
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
}

func TestBackoffRetryer_ContextCancelled(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 100 * time.Millisecond
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())

	callCount := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- retryer.Do(ctx, func() error {
			callCount++
			return types.NewError(types.ErrUpstreamError, "transient").WithRetryable(true)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	_ = retryer.Do(context.Background(), func() error {
		return types.NewError(types.ErrUpstreamError, "transient").WithRetryable(true)
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestCalculateDelay_CappedAtMax(t *testing.T) {
	policy := &Policy{
		MaxRetries:   10,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   3.0,
		Jitter:       false,
	}
	r := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)

	for attempt := 1; attempt <= 10; attempt++ {
		delay := r.calculateDelay(attempt)
		assert.LessOrEqual(t, delay, 5*time.Millisecond)
		assert.GreaterOrEqual(t, delay, time.Millisecond)
	}
}

func TestDoWithResultTyped(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	got, err := DoWithResultTyped(retryer, context.Background(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", types.NewError(types.ErrUpstreamError, "transient").WithRetryable(true)
		}
		return "value", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "value", got)
}
