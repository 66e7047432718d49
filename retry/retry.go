package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"gousdcbridge/logger"
)

// DefaultMaxAttempts replaces unusable attempt budgets.
const DefaultMaxAttempts = 3

// Policy bounds a retry loop. MaxAttempts counts every attempt including the
// first one.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Timeout is measured from the start of Do, zero disables it.
	Timeout time.Duration
	// Backoff, when set, replaces Delay. err is the transient error of the attempt
	// just made, nil when the attempt only reported "not ready".
	Backoff func(attempt int, err error) time.Duration
	// Retryable decides whether a classified error consumes another attempt.
	// Defaults to IsTransient.
	Retryable func(err error) bool
}

func (p Policy) normalized(op string) Policy {
	if p.MaxAttempts <= 0 {
		logger.Warn("invalid max attempts, using default",
			zap.String("op", op),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Int("default", DefaultMaxAttempts),
		)
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Func is a single attempt. Returning ok=false with a nil error means the
// upstream answered "not ready yet", which is not an error.
type Func[T any] func(ctx context.Context, attempt int) (res T, ok bool, err error)

// Do runs fn until it succeeds, fails with a non-retryable error or the budget is
// spent. Errors returned by fn are classified here, once. Non-retryable errors
// are returned as they are, the budget errors are *Error.
func Do[T any](ctx context.Context, p Policy, op string, fn Func[T]) (T, error) {
	var zero T
	p = p.normalized(op)

	start := time.Now()
	var last error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if elapsed := time.Since(start); p.Timeout > 0 && elapsed >= p.Timeout {
			return zero, &Error{Kind: KindTimeout, Op: op, Attempts: attempt - 1, Elapsed: elapsed, Last: last}
		}

		res, ok, err := fn(ctx, attempt)
		if err == nil && ok {
			return res, nil
		}
		if err != nil {
			err = Classify(err)
			if !p.Retryable(err) {
				return zero, err
			}
			last = err
		}

		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Delay
		if p.Backoff != nil {
			wait = p.Backoff(attempt, err)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return zero, &Error{
				Kind:     KindTimeout,
				Op:       op,
				Attempts: attempt,
				Elapsed:  time.Since(start),
				Last:     Transient(ReasonCanceled, serr),
			}
		}
	}

	return zero, &Error{Kind: KindExhausted, Op: op, Attempts: p.MaxAttempts, Elapsed: time.Since(start), Last: last}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CoerceMaxAttempts turns a raw configuration value into an attempt budget.
// Missing, NaN, fractional, zero or negative values fall back to
// DefaultMaxAttempts with a warning; bad configuration never fails startup.
func CoerceMaxAttempts(raw interface{}) int {
	n, err := parseAttempts(raw)
	if err != nil {
		logger.Warn("invalid max attempts in configuration, using default",
			zap.Any("value", raw),
			zap.Int("default", DefaultMaxAttempts),
			zap.Error(err),
		)
		return DefaultMaxAttempts
	}
	return n
}

func parseAttempts(raw interface{}) (int, error) {
	var f float64
	switch v := raw.(type) {
	case nil:
		return 0, fmt.Errorf("value is not set")
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint64:
		f = float64(v)
	case float32:
		f = float64(v)
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, fmt.Errorf("value is empty")
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, err
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}

	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, fmt.Errorf("value is not a number")
	case f != math.Trunc(f):
		return 0, fmt.Errorf("value is not an integer")
	case f < 1:
		return 0, fmt.Errorf("value must be positive")
	case f > math.MaxInt32:
		return 0, fmt.Errorf("value is too large")
	}
	return int(f), nil
}
