package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("nil error is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(nil)
		},
		gen.Int(),
	))

	properties.Property("context.Canceled is not retryable", prop.ForAll(
		func(_ int) bool {
			return !IsRetryable(context.Canceled)
		},
		gen.Int(),
	))

	properties.Property("HTTP 404 is retryable while the result materializes", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(&HTTPStatusError{StatusCode: http.StatusNotFound, Message: msg})
		},
		gen.AlphaString(),
	))

	properties.Property("HTTP 503 is retryable", prop.ForAll(
		func(msg string) bool {
			return IsRetryable(&HTTPStatusError{StatusCode: http.StatusServiceUnavailable, Message: msg})
		},
		gen.AlphaString(),
	))

	properties.Property("HTTP 400 is not retryable", prop.ForAll(
		func(msg string) bool {
			return !IsRetryable(&HTTPStatusError{StatusCode: http.StatusBadRequest, Message: msg})
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestPollProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("ready result stops polling", prop.ForAll(
		func(readyAt int) bool {
			attempts := 0
			err := Poll(context.Background(), fastConfig(10), func(_ context.Context) (bool, error) {
				attempts++
				return attempts >= readyAt, nil
			})
			return err == nil && attempts == readyAt
		},
		gen.IntRange(1, 10),
	))

	properties.Property("non-retryable error returns immediately", prop.ForAll(
		func(maxAttempts int) bool {
			attempts := 0
			boom := errors.New("boom")
			err := Poll(context.Background(), fastConfig(maxAttempts), func(_ context.Context) (bool, error) {
				attempts++
				return false, boom
			})
			return attempts == 1 && errors.Is(err, boom)
		},
		gen.IntRange(2, 10),
	))

	properties.Property("pending result exhausts attempts with a timeout", prop.ForAll(
		func(maxAttempts int) bool {
			attempts := 0
			pending := &HTTPStatusError{StatusCode: http.StatusNotFound, Message: "pending"}
			err := Poll(context.Background(), fastConfig(maxAttempts), func(_ context.Context) (bool, error) {
				attempts++
				return false, pending
			})
			var timeout *TimeoutError
			return attempts == maxAttempts &&
				errors.As(err, &timeout) &&
				timeout.Attempts == maxAttempts &&
				errors.Is(err, pending)
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestPollSingleAttempt(t *testing.T) {
	t.Parallel()
	cfg := Config{SettleDelay: 20 * time.Millisecond}
	start := time.Now()
	calls := 0
	err := Poll(context.Background(), cfg, func(_ context.Context) (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.GreaterOrEqual(t, time.Since(start), cfg.SettleDelay)
}

func TestPollTimeoutBudget(t *testing.T) {
	t.Parallel()
	cfg := Config{
		MaxAttempts:       100,
		InitialBackoff:    50 * time.Millisecond,
		BackoffMultiplier: 1,
		Timeout:           20 * time.Millisecond,
	}
	calls := 0
	err := Poll(context.Background(), cfg, func(_ context.Context) (bool, error) {
		calls++
		return false, nil
	})
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.Equal(t, 1, calls)
	require.NoError(t, timeout.Unwrap())
}

func TestPollCanceledDuringSettle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Poll(ctx, Config{SettleDelay: time.Second}, func(_ context.Context) (bool, error) {
		called = true
		return true, nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

func TestCalculateBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff increases with attempts", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        10 * time.Second,
				BackoffMultiplier: 2.0,
			}
			return calculateBackoff(cfg, attempt+1) >= calculateBackoff(cfg, attempt)
		},
		gen.IntRange(1, 10),
	))

	properties.Property("backoff respects max limit", prop.ForAll(
		func(attempt int) bool {
			cfg := Config{
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        time.Second,
				BackoffMultiplier: 2.0,
			}
			return calculateBackoff(cfg, attempt) <= cfg.MaxBackoff
		},
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

// mockTimeoutError implements net.Error for testing.
type mockTimeoutError struct {
	timeout bool
}

func (e *mockTimeoutError) Error() string   { return "mock network error" }
func (e *mockTimeoutError) Timeout() bool   { return e.timeout }
func (e *mockTimeoutError) Temporary() bool { return false }

var _ net.Error = (*mockTimeoutError)(nil)

func TestNetworkErrorRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "timeout error is retryable", err: &mockTimeoutError{timeout: true}, retryable: true},
		{name: "non-timeout is not retryable", err: &mockTimeoutError{}, retryable: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
