package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notReady(calls *int) Func[string] {
	return func(ctx context.Context, attempt int) (string, bool, error) {
		*calls++
		return "", false, nil
	}
}

func TestDoMakesExactlyMaxAttempts(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("%d attempts", n), func(t *testing.T) {
			calls := 0
			_, err := Do(context.Background(), Policy{MaxAttempts: n, Delay: time.Millisecond}, "attestation 0xab", notReady(&calls))

			require.Error(t, err)
			assert.Equal(t, n, calls)
			assert.True(t, IsExhausted(err))
			assert.Contains(t, err.Error(), fmt.Sprintf("after %d attempts", n))
			assert.NotContains(t, err.Error(), "last error")
		})
	}
}

func TestDoSucceedsOnAttemptK(t *testing.T) {
	calls := 0
	res, err := Do(context.Background(), Policy{MaxAttempts: 5, Delay: time.Millisecond}, "op",
		func(ctx context.Context, attempt int) (string, bool, error) {
			calls++
			if attempt < 3 {
				return "", false, nil
			}
			return "proof", true, nil
		})

	require.NoError(t, err)
	assert.Equal(t, "proof", res)
	assert.Equal(t, 3, calls)
}

func TestDoCoercesInvalidAttempts(t *testing.T) {
	for _, n := range []int{0, -1, -100} {
		calls := 0
		_, err := Do(context.Background(), Policy{MaxAttempts: n}, "op", notReady(&calls))

		require.Error(t, err)
		assert.Equal(t, DefaultMaxAttempts, calls)
		assert.Contains(t, err.Error(), "after 3 attempts")
	}
}

func TestDoTransientOnLastAttempt(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 2, Delay: time.Millisecond}, "attestation 0xab",
		func(ctx context.Context, attempt int) (string, bool, error) {
			calls++
			if attempt == 2 {
				return "", false, errors.New("connection reset by peer")
			}
			return "", false, nil
		})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.True(t, IsExhausted(err))
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "last error: connection reset by peer")
}

func TestDoFatalStopsImmediately(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 5, Delay: time.Millisecond}, "op",
		func(ctx context.Context, attempt int) (string, bool, error) {
			calls++
			return "", false, errors.New("unauthorized")
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindFatal, KindOf(err))
	assert.Equal(t, ReasonUnauthorized, ReasonOf(err))
	assert.False(t, IsExhausted(err))
}

func TestDoElapsedBounds(t *testing.T) {
	delay := 20 * time.Millisecond
	timeout := time.Second

	start := time.Now()
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 3, Delay: delay, Timeout: timeout}, "op", notReady(&calls))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsExhausted(err))
	assert.GreaterOrEqual(t, elapsed, 2*delay)
	assert.Less(t, elapsed, timeout)
}

func TestDoTimeoutBeforeAttempt(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{MaxAttempts: 10, Delay: 30 * time.Millisecond, Timeout: 50 * time.Millisecond}, "op", notReady(&calls))

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsExhausted(err))
	assert.Less(t, calls, 10)
}

func TestDoContextCanceledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Policy{MaxAttempts: 3, Delay: time.Hour}, "op",
		func(ctx context.Context, attempt int) (string, bool, error) {
			calls++
			cancel()
			return "", false, nil
		})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsTimeout(err))
}

func TestDoBackoffAndRetryable(t *testing.T) {
	var waits []error
	calls := 0
	p := Policy{
		MaxAttempts: 4,
		Backoff: func(attempt int, err error) time.Duration {
			waits = append(waits, err)
			return time.Millisecond
		},
		Retryable: func(err error) bool {
			return IsTransient(err) && ReasonOf(err) != ReasonNonceConflict
		},
	}
	_, err := Do(context.Background(), p, "submit",
		func(ctx context.Context, attempt int) (string, bool, error) {
			calls++
			if attempt == 1 {
				return "", false, errors.New("replacement transaction underpriced")
			}
			return "", false, errors.New("nonce too low")
		})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, ReasonNonceConflict, ReasonOf(err))
	require.Len(t, waits, 1)
	assert.Equal(t, ReasonCongestion, ReasonOf(waits[0]))
}

func TestCoerceMaxAttempts(t *testing.T) {
	tests := []struct {
		raw  interface{}
		want int
	}{
		{nil, 3},
		{math.NaN(), 3},
		{math.Inf(1), 3},
		{2.5, 3},
		{-4, 3},
		{0, 3},
		{"", 3},
		{"abc", 3},
		{"7", 7},
		{5, 5},
		{int64(9), 9},
		{4.0, 4},
		{struct{}{}, 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CoerceMaxAttempts(tt.raw), "raw=%v", tt.raw)
	}
}
