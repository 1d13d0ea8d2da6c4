package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestClient(opts ClientOptions) (*Client, *[]time.Duration) {
	c := NewClient(opts, noopLogger())
	slept := make([]time.Duration, 0)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	c.jitter = func(time.Duration) time.Duration { return 0 }
	return c, &slept
}

func TestClientRetriesRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	var reasons []string
	c, slept := newTestClient(ClientOptions{OnRetry: func(reason string) { reasons = append(reasons, reason) }})

	body, err := c.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %s", body)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
	want := []time.Duration{600 * time.Millisecond, 1200 * time.Millisecond}
	if len(*slept) != len(want) || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Fatalf("unexpected backoff schedule %v", *slept)
	}
	if len(reasons) != 2 || reasons[0] != "status_429" {
		t.Fatalf("unexpected retry reasons %v", reasons)
	}
}

func TestClientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, _ := newTestClient(ClientOptions{MaxRetries: 3})
	_, err := c.Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("last cause should be the 503, got %v", err)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d", calls.Load())
	}
}

func TestClientTeapotIsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(ClientOptions{})
	if _, err := c.Get(context.Background(), srv.URL); err != nil {
		t.Fatalf("418 should be retried: %v", err)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer srv.Close()

	c, slept := newTestClient(ClientOptions{})
	_, err := c.Get(context.Background(), srv.URL)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatal("400 must not be reported as upstream unavailable")
	}
	if calls.Load() != 1 || len(*slept) != 0 {
		t.Fatalf("400 must not be retried: calls=%d sleeps=%d", calls.Load(), len(*slept))
	}
}

func TestClientTimeoutCountsAsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(ClientOptions{Timeout: 20 * time.Millisecond, MaxRetries: 1})
	_, err := c.Get(context.Background(), srv.URL)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("timeouts should exhaust into ErrUpstreamUnavailable, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestBackoffAddsJitter(t *testing.T) {
	c := NewClient(ClientOptions{BaseDelay: 100 * time.Millisecond}, noopLogger())
	c.jitter = func(max time.Duration) time.Duration { return max / 2 }
	if got := c.backoff(2); got != 500*time.Millisecond {
		t.Fatalf("expected 100ms*4 + 100ms jitter, got %s", got)
	}
}

func TestRandomJitterBounded(t *testing.T) {
	for i := 0; i < 100; i++ {
		j := randomJitter(200 * time.Millisecond)
		if j < 0 || j >= 200*time.Millisecond {
			t.Fatalf("jitter out of range: %s", j)
		}
	}
	if randomJitter(0) != 0 {
		t.Fatal("zero max should yield zero jitter")
	}
}
