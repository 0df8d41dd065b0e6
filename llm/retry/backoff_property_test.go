package retry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"
)

// 退避延迟始终落在 [InitialDelay, MaxDelay] 区间且随尝试次数单调不减（无抖动）。
func TestBackoffDelay_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay bounded by initial and max", prop.ForAll(
		func(initialMs, capMs, attempt int, jitter bool) bool {
			r := NewBackoffRetryer(&RetryPolicy{
				MaxRetries:   attempt,
				InitialDelay: time.Duration(initialMs) * time.Millisecond,
				MaxDelay:     time.Duration(initialMs+capMs) * time.Millisecond,
				Multiplier:   2.0,
				Jitter:       jitter,
			}, zap.NewNop()).(*backoffRetryer)

			d := r.calculateDelay(attempt)
			upper := r.policy.MaxDelay + r.policy.MaxDelay/4
			return d >= r.policy.InitialDelay && d <= upper
		},
		gen.IntRange(1, 2000),
		gen.IntRange(0, 30000),
		gen.IntRange(1, 12),
		gen.Bool(),
	))

	properties.Property("delay monotonic without jitter", prop.ForAll(
		func(initialMs, attempt int) bool {
			r := NewBackoffRetryer(&RetryPolicy{
				MaxRetries:   attempt + 1,
				InitialDelay: time.Duration(initialMs) * time.Millisecond,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
			}, zap.NewNop()).(*backoffRetryer)

			return r.calculateDelay(attempt+1) >= r.calculateDelay(attempt)
		},
		gen.IntRange(1, 1000),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
