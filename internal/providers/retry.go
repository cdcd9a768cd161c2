package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// HTTPError is a non-2xx response from a provider endpoint.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration // parsed Retry-After header, 0 if absent
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status is a transient class worth retrying.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig is one retry with short backoff: the agent loop is
// interactive, a user is waiting.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 1, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}
}

// RetryDo runs fn, retrying transient HTTP errors with backoff.
// Non-HTTP errors (network) are retried too; other errors return immediately.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	delay := cfg.BaseDelay

	for attempt := 0; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		if attempt >= cfg.MaxRetries {
			return zero, err
		}
		if httpErr, ok := err.(*HTTPError); ok {
			if !httpErr.Retryable() {
				return zero, err
			}
			if httpErr.RetryAfter > 0 && httpErr.RetryAfter < cfg.MaxDelay {
				delay = httpErr.RetryAfter
			}
		}

		slog.Warn("provider call failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
}

// ParseRetryAfter parses a Retry-After header value (seconds form only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
