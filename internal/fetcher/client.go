package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRequestTimeout = 12 * time.Second
	defaultMaxRetries     = 3
	defaultBaseDelay      = 600 * time.Millisecond
	defaultMaxJitter      = 200 * time.Millisecond
	maxErrorBody          = 512
)

// ClientOptions parameterise the retrying HTTP client.
type ClientOptions struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
	UserAgent  string
	// OnRetry is called before each backoff sleep with a short reason label.
	OnRetry func(reason string)
}

// Client is the single egress point for upstream market-data calls. Backoff
// state lives on the stack of each call; nothing is shared between symbols.
type Client struct {
	opts   ClientOptions
	http   *http.Client
	logger zerolog.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// NewClient builds a retrying client. Zero-valued options fall back to defaults.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxJitter <= 0 {
		opts.MaxJitter = defaultMaxJitter
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "cvdwatcher/1.0"
	}

	return &Client{
		opts:   opts,
		http:   &http.Client{},
		logger: logger.With().Str("component", "fetch_client").Logger(),
		sleep:  sleepContext,
		jitter: randomJitter,
	}
}

// Get performs a GET request, retrying 418/429/5xx, transport errors and timeouts.
func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	var lastErr error
	attempts := c.opts.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			if c.opts.OnRetry != nil {
				c.opts.OnRetry(retryReason(lastErr))
			}
			c.logger.Debug().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("retrying upstream request")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, retryable, err := c.do(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	c.logger.Warn().Err(lastErr).Int("attempts", attempts).Msg("upstream retries exhausted")
	return nil, &UnavailableError{Attempts: attempts, Err: lastErr}
}

func (c *Client) do(ctx context.Context, rawURL string) ([]byte, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(body))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: snippet}
		return nil, statusErr.Retryable(), statusErr
	}
	return body, false, nil
}

// backoff returns base × 2^n plus jitter.
func (c *Client) backoff(n int) time.Duration {
	return c.opts.BaseDelay*time.Duration(1<<n) + c.jitter(c.opts.MaxJitter)
}

func retryReason(err error) string {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		return fmt.Sprintf("status_%d", statusErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
