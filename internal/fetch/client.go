// Package fetch is the HTTP collaborator every authority data source uses to
// download trust lists, rules, value sets and revocation chunks.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"hcert/internal/platform/logger"

	"github.com/cenkalti/backoff/v4"
)

// HTTPDoer is the minimal interface needed from an HTTP client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads the body at url.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Config configures a Client.
type Config struct {
	Timeout          time.Duration
	MaxRetries       uint64
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxBodyBytes     int64
	UserAgent        string
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Timeout:          15 * time.Second,
		MaxRetries:       3,
		InitialBackoff:   250 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		MaxBodyBytes:     64 << 20,
		UserAgent:        "hcert-verifier",
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Client performs GET requests with retry for transient failures and a
// circuit breaker per client.
type Client struct {
	cfg     Config
	doer    HTTPDoer
	breaker *breaker
	logger  *slog.Logger
	headers http.Header
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.doer = doer
		}
	}
}

// WithLogger sets the logger used for retry and breaker diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers.Add(key, value)
	}
}

// WithClock overrides the clock used by the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.breaker.now = now
		}
	}
}

// New creates a Client. Zero durations, sizes and user agent take
// DefaultConfig values; MaxRetries is used as given.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	c := &Client{
		cfg:     cfg,
		doer:    &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown, time.Now),
		logger:  logger.Discard(),
		headers: http.Header{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Get downloads url, retrying timeouts, outages and rate limiting with
// exponential backoff.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		data, err := c.once(ctx, url)
		if err == nil {
			body = data
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.DebugContext(ctx, "retrying fetch", "url", url, "attempt", attempt, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, c.cfg.MaxRetries), ctx), notify)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) once(ctx context.Context, url string) ([]byte, error) {
	if !c.breaker.allow() {
		return nil, newFetchError(CategoryCircuitOpen, url, 0, "circuit open", nil)
	}
	data, err := c.do(ctx, url)
	if ctx.Err() == nil {
		// Only transient failures count against the server.
		if changed := c.breaker.record(err == nil || !IsRetryable(err)); changed {
			c.logger.WarnContext(ctx, "fetch circuit changed state", "url", url, "state", c.breaker.current().String())
		}
	}
	return data, err
}

func (c *Client) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newFetchError(CategoryInternal, url, 0, "failed to create request", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, newFetchError(CategoryTimeout, url, 0, "request timeout", err)
		}
		return nil, newFetchError(CategoryOutage, url, 0, "failed to execute request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, newFetchError(CategoryOutage, url, resp.StatusCode, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, newFetchError(CategoryAuthentication, url, resp.StatusCode, fmt.Sprintf("authentication failed: %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusNotFound:
		return nil, newFetchError(CategoryNotFound, url, resp.StatusCode, "resource not found", nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, newFetchError(CategoryRateLimited, url, resp.StatusCode, "rate limit exceeded", nil)
	case resp.StatusCode >= 500:
		return nil, newFetchError(CategoryOutage, url, resp.StatusCode, fmt.Sprintf("server unavailable: %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, newFetchError(CategoryBadStatus, url, resp.StatusCode, fmt.Sprintf("unexpected status: %d", resp.StatusCode), nil)
	}

	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, newFetchError(CategoryBadData, url, resp.StatusCode, fmt.Sprintf("body exceeds %d bytes", c.cfg.MaxBodyBytes), nil)
	}
	return body, nil
}

var _ Fetcher = (*Client)(nil)
