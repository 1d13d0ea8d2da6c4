package fetcher

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUpstreamUnavailable is returned once every retry against the upstream provider is spent.
	ErrUpstreamUnavailable = errors.New("fetcher: upstream unavailable")
	// ErrInvalidSymbol rejects symbol codes before they reach a query string.
	ErrInvalidSymbol = errors.New("fetcher: invalid symbol")
)

// StatusError carries a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// Retryable reports whether the status is a rate-limit or server-side failure.
func (e *StatusError) Retryable() bool {
	return retryableStatus(e.StatusCode)
}

// UnavailableError wraps the last failure seen before retries ran out.
type UnavailableError struct {
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrUpstreamUnavailable.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

func retryableStatus(code int) bool {
	// 418 is Binance's IP ban after ignoring 429s.
	return code == http.StatusTeapot || code == http.StatusTooManyRequests || code >= 500
}
