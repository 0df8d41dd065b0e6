package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/voicecrm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func retryableErr(msg string) error {
	return types.NewError(types.ErrTransport, msg).WithHTTPStatus(500).WithRetryable(true)
}

func TestBackoffRetryer_Success(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return retryableErr("temporary")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount, "应该调用三次")
}

func TestBackoffRetryer_MaxRetriesExceeded(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return retryableErr("persistent")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试 2 次后仍失败")
	assert.Equal(t, 3, callCount, "应该调用三次（初始+2次重试）")

	// 耗尽后仍能取出最后一次的结构化错误
	assert.Equal(t, types.ErrTransport, types.GetErrorCode(err))
}

func TestBackoffRetryer_NonRetryableStopsImmediately(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	bad := types.NewTransportError(400, "bad request")
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return bad
	})

	assert.Same(t, bad, err)
	assert.Equal(t, 1, callCount, "不应该重试")
}

func TestBackoffRetryer_PlainErrorNotRetriedByDefault(t *testing.T) {
	retryer := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		return errors.New("plain")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_ShouldRetryOverride(t *testing.T) {
	sentinel := errors.New("flaky")
	policy := fastPolicy(3)
	policy.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	callCount := 0
	err := retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 2 {
			return sentinel
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, callCount)
}

func TestBackoffRetryer_ContextCanceled(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	callCount := 0
	err := retryer.Do(ctx, func() error {
		callCount++
		return retryableErr("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试被取消")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, types.IsErrorCode(err, types.ErrTransport))
	assert.Equal(t, 1, callCount)
}

func TestBackoffRetryer_DelayCalculation(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second}, // 达到最大延迟
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, retryer.calculateDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDefaultRetryPolicy_VoiceSchedule(t *testing.T) {
	retryer := NewBackoffRetryer(nil, nil).(*backoffRetryer)

	assert.Equal(t, 2, retryer.policy.MaxRetries)
	assert.Equal(t, 1*time.Second, retryer.calculateDelay(1))
	assert.Equal(t, 2*time.Second, retryer.calculateDelay(2))
	assert.Equal(t, 4*time.Second, retryer.calculateDelay(3))
}

func TestAttemptsPolicy(t *testing.T) {
	p := AttemptsPolicy(3, 5*time.Millisecond)
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, 5*time.Millisecond, p.InitialDelay)

	p = AttemptsPolicy(0, 0)
	assert.Equal(t, DefaultRetryPolicy().MaxRetries, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
}

func TestBackoffRetryer_OnRetryCallback(t *testing.T) {
	var attempts []int
	var delays []time.Duration

	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
		delays = append(delays, delay)
	}
	retryer := NewBackoffRetryer(policy, zap.NewNop())

	callCount := 0
	_ = retryer.Do(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return retryableErr("test")
		}
		return nil
	})

	assert.Equal(t, []int{1, 2}, attempts, "回调应该被调用两次")
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestNewBackoffRetryer_CopiesPolicy(t *testing.T) {
	policy := fastPolicy(1)
	retryer := NewBackoffRetryer(policy, zap.NewNop()).(*backoffRetryer)
	policy.MaxRetries = 9

	assert.Equal(t, 1, retryer.policy.MaxRetries)
}

// ---------------------------------------------------------------------------
// DoWithResultTyped (generic wrapper)
// ---------------------------------------------------------------------------

func TestDoWithResultTyped_Success(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	val, err := DoWithResultTyped(r, context.Background(), func() (int, error) {
		return 42, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestDoWithResultTyped_RetryThenSuccess(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	callCount := 0
	val, err := DoWithResultTyped(r, context.Background(), func() (string, error) {
		callCount++
		if callCount < 3 {
			return "", retryableErr("not yet")
		}
		return "done", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "done", val)
	assert.Equal(t, 3, callCount)
}

func TestDoWithResultTyped_ErrorReturnsZero(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(0), zap.NewNop())

	val, err := DoWithResultTyped(r, context.Background(), func() ([]byte, error) {
		return []byte("partial"), retryableErr("fail")
	})
	assert.Error(t, err)
	assert.Nil(t, val)
}

// onceRetryer 只执行一次，用于验证非内置 Retryer 的适配路径
type onceRetryer struct{ calls int }

func (o *onceRetryer) Do(_ context.Context, fn func() error) error {
	o.calls++
	return fn()
}

func (o *onceRetryer) DoWithResult(_ context.Context, fn func() (any, error)) (any, error) {
	o.calls++
	return fn()
}

func TestDoWithResultTyped_CustomRetryer(t *testing.T) {
	r := &onceRetryer{}

	val, err := DoWithResultTyped[string](r, context.Background(), func() (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)

	val, err = DoWithResultTyped[string](r, context.Background(), func() (string, error) {
		return "partial", errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Empty(t, val)
	assert.Equal(t, 2, r.calls)
}
