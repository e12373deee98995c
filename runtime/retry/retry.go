// Package retry provides the settle-then-poll primitive used to wait for
// eventually consistent results on the AO network. It includes exponential
// backoff, retryable error detection, and a distinct timeout error kind.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// DefaultSettleDelay is the pause between submitting a message and the first
// attempt to fetch its result.
const DefaultSettleDelay = 100 * time.Millisecond

// Config configures polling behavior.
type Config struct {
	// SettleDelay is the fixed pause before the first attempt.
	SettleDelay time.Duration
	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	// A value of 0 or 1 means a single wait-then-fetch.
	MaxAttempts int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which the backoff increases after each retry.
	BackoffMultiplier float64
	// Jitter adds randomness to the backoff. A value of 0.1 adds up to 10% jitter.
	Jitter float64
	// Timeout bounds the total time spent polling, settle delay included.
	// Zero means no bound other than MaxAttempts.
	Timeout time.Duration
}

// DefaultConfig returns the default poll configuration.
func DefaultConfig() Config {
	return Config{
		SettleDelay:       DefaultSettleDelay,
		MaxAttempts:       8,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		Timeout:           30 * time.Second,
	}
}

// TimeoutError is returned when the result was not observed before the poll
// budget (attempts or wall-clock timeout) was exhausted.
type TimeoutError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Elapsed is the total time spent waiting, settle delay included.
	Elapsed time.Duration
	// LastError is the error from the last attempt, if any.
	LastError error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.LastError == nil {
		return fmt.Sprintf("result not available after %d attempts over %v", e.Attempts, e.Elapsed)
	}
	return fmt.Sprintf("result not available after %d attempts over %v: %v", e.Attempts, e.Elapsed, e.LastError)
}

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error {
	return e.LastError
}

// HTTPStatusError represents an HTTP error with a status code.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRetryable determines if an error is worth another poll attempt.
// Retryable errors include:
// - Network timeouts
// - HTTP 404 (result not materialized yet), 425, 429, 502, 503, 504
// - Context deadline exceeded on a single attempt (but not context canceled)
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusNotFound,
			http.StatusTooEarly,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Sleep pauses the calling operation for d. It returns early with the context
// error if ctx is done first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// Poll waits cfg.SettleDelay and then calls fn until it reports done, returns
// a non-retryable error, or the budget is exhausted. fn reports done=false
// with a nil error when the result is simply not there yet.
func Poll(ctx context.Context, cfg Config, fn func(ctx context.Context) (bool, error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var deadline time.Time
	if cfg.Timeout > 0 {
		deadline = start.Add(cfg.Timeout)
	}
	if err := Sleep(ctx, cfg.SettleDelay); err != nil {
		return err
	}

	var lastErr error
	attempt := 1
	for ; ; attempt++ {
		done, err := fn(ctx)
		if err == nil && done {
			return nil
		}
		if err != nil {
			if !IsRetryable(err) {
				return err
			}
			lastErr = err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		backoff := calculateBackoff(cfg, attempt)
		if !deadline.IsZero() && time.Now().Add(backoff).After(deadline) {
			break
		}
		if err := Sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return &TimeoutError{
		Attempts:  attempt,
		Elapsed:   time.Since(start),
		LastError: lastErr,
	}
}

// calculateBackoff computes the backoff duration for a given attempt.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	// Exponential backoff: initial * multiplier^(attempt-1)
	backoff := float64(cfg.InitialBackoff) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && backoff > float64(cfg.MaxBackoff) {
		backoff = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		jitter := backoff * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter doesn't need crypto rand
		backoff += jitter
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
