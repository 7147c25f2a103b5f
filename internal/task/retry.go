package task

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryOption configures a retrying task wrapper.
type RetryOption func(*retryConfig)

type retryConfig struct {
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

// WithMaxRetries caps the number of retry attempts after the first try.
func WithMaxRetries(n uint64) RetryOption {
	return func(c *retryConfig) { c.maxRetries = n }
}

// WithInitialInterval sets the first backoff delay.
func WithInitialInterval(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		if d > 0 {
			c.initialInterval = d
		}
	}
}

// WithMaxInterval caps the backoff delay between attempts.
func WithMaxInterval(d time.Duration) RetryOption {
	return func(c *retryConfig) {
		if d > 0 {
			c.maxInterval = d
		}
	}
}

// Retry wraps fn so that errors are retried with exponential backoff.
// Cancellation stops retrying between attempts; the last error is
// returned when attempts are exhausted. Wrapping the error with
// backoff.Permanent inside fn stops retries immediately.
func Retry(fn Fn, opts ...RetryOption) Fn {
	cfg := retryConfig{
		maxRetries:      3,
		initialInterval: 100 * time.Millisecond,
		maxInterval:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(tc *Context) (any, error) {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = cfg.initialInterval
		exp.MaxInterval = cfg.maxInterval

		var policy backoff.BackOff = backoff.WithContext(exp, tc.Context())
		if cfg.maxRetries > 0 {
			policy = backoff.WithMaxRetries(policy, cfg.maxRetries)
		}

		var result any
		err := backoff.Retry(func() error {
			if tc.Cancelled() {
				return backoff.Permanent(cancelledError(tc.Handle().ID()))
			}
			var attemptErr error
			result, attemptErr = fn(tc)
			return attemptErr
		}, policy)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
