package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// The error taxonomy the resilience wrapper keys off:
//
//   ProtocolError    — malformed request/response shape. Fatal, never retried.
//   ProviderError    — transport failure or upstream 5xx. Retryable.
//   RateLimitedError — upstream 429. Retryable, honoring Retry-After.
//   FetchError       — failure resolving a remote media URI. Retryable.
//
// Adapters return exactly these types so that Retryable() can classify an
// error without string matching.

// ProtocolError means the request or response shape was wrong — ours or the
// backend's. Retrying would fail identically, so it is terminal.
type ProtocolError struct {
	Provider string
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error: %s", e.Provider, e.Message)
}

// ProviderError wraps a transport-level failure (connection reset, timeout,
// upstream 5xx). These are transient by nature and safe to retry.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitedError is an upstream 429. RetryAfter is zero when the backend
// did not say how long to wait.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited (retry after %s)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Provider)
}

// FetchError means a remote media URI in a content part could not be
// downloaded. Downloads are plain HTTP GETs, so these are retryable.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the resilience wrapper may retry err.
// Cancellation is never retryable: a client that has gone away must not keep
// a backend call alive.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var provErr *ProviderError
	var rateErr *RateLimitedError
	var fetchErr *FetchError
	return errors.As(err, &provErr) || errors.As(err, &rateErr) || errors.As(err, &fetchErr)
}

// statusError maps a non-200 upstream response to the taxonomy:
// 429 → RateLimitedError, 5xx → ProviderError, anything else (malformed
// request, bad auth, unknown model) → ProtocolError.
func statusError(providerName string, resp *http.Response, errBody map[string]any) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			Provider:   providerName,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return &ProviderError{
			Provider: providerName,
			Err:      fmt.Errorf("API error (status %d): %v", resp.StatusCode, errBody),
		}
	default:
		return &ProtocolError{
			Provider: providerName,
			Message:  fmt.Sprintf("API error (status %d): %v", resp.StatusCode, errBody),
		}
	}
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header.
// The HTTP-date form is rare on LLM APIs; we treat it as "not provided".
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
