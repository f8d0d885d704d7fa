// Package common holds the shared HTTP plumbing used by every REST adapter:
// a rate-limited client with bounded retries and structured request logging.
package common

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"

	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/logging"
	"github.com/radinamri79/sorooshx-exchange-web-sub000/pkg/ratelimit"
)

// HTTPClient is the outbound request interface handed to adapters.
type HTTPClient interface {
	// Do executes a request with rate limiting and retries on 5xx/429.
	Do(ctx context.Context, req *http.Request) (*http.Response, error)

	// Get issues a GET request.
	Get(ctx context.Context, url string) (*http.Response, error)

	// GetJSON issues a GET request and decodes a 2xx JSON body into out.
	GetJSON(ctx context.Context, url string, out any) error

	// SetRateLimit replaces the limiter configuration.
	SetRateLimit(limit ratelimit.Rate) error
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	Timeout   time.Duration
	RateLimit ratelimit.Rate

	MaxRetries uint
	RetryDelay time.Duration

	Logger logging.Logger
}

// DefaultConfig returns sane defaults: 10s timeout, 10 req/s, 2 retries.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:    10 * time.Second,
		RateLimit:  ratelimit.Rate{Limit: 10, Interval: time.Second},
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		Logger:     logging.NewNop(),
	}
}

type client struct {
	config     *ClientConfig
	httpClient *http.Client
	limiter    ratelimit.RateLimiter
	log        logging.Logger
}

// NewHTTPClient builds a client from config; nil gets DefaultConfig.
func NewHTTPClient(config *ClientConfig) HTTPClient {
	if config == nil {
		config = DefaultConfig()
	}
	log := config.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    ratelimit.NewTokenBucketLimiter(config.RateLimit),
		log:        log,
	}
}

func (c *client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var resp *http.Response
	err := retry.Do(
		func() error {
			reqClone := req.Clone(ctx)
			if req.Body != nil {
				body, err := io.ReadAll(req.Body)
				if err != nil {
					return fmt.Errorf("read request body: %w", err)
				}
				reqClone.Body = io.NopCloser(bytes.NewReader(body))
				req.Body = io.NopCloser(bytes.NewReader(body))
			}

			var err error
			resp, err = c.httpClient.Do(reqClone)
			if err != nil {
				return fmt.Errorf("http request: %w", err)
			}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				resp.Body.Close()
				return fmt.Errorf("retryable status code: %d", resp.StatusCode)
			}
			return nil
		},
		retry.Attempts(c.config.MaxRetries+1),
		retry.Delay(c.config.RetryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("retrying request",
				logging.Int("attempt", int(n+1)),
				logging.String("url", req.URL.String()),
				logging.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("request failed after retries: %w", err)
	}
	return resp, nil
}

func (c *client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.Do(ctx, req)
}

func (c *client) GetJSON(ctx context.Context, url string, out any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

func (c *client) SetRateLimit(limit ratelimit.Rate) error {
	return c.limiter.SetLimit(limit)
}
