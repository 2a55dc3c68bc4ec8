// Package binance implements connector.MarketConnector over the Binance USD-M
// futures public REST API.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/observability"
)

// Default configuration values.
const (
	DefaultBaseURL          = "https://fapi.binance.com"
	DefaultTimeout          = 20 * time.Second
	DefaultMaxRetries       = 5
	DefaultRetryDelay       = 500 * time.Millisecond
	DefaultMaxDelay         = 8 * time.Second
	DefaultBackoffMult      = 2.0
	DefaultMinInterval      = 100 * time.Millisecond
	DefaultBreakerFailures  = 5
	DefaultBreakerOpenDelay = 30 * time.Second
)

// Client is a Binance USD-M market-data client.
type Client struct {
	baseURL     string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker

	breakerFailures  uint32
	breakerOpenDelay time.Duration

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithBaseURL sets the API base URL.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithTimeout sets HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithMaxRetries sets the number of attempts per request.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay. Server Retry-After hints are capped at it.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithMinInterval sets the minimum spacing between calls. Zero disables spacing.
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithBreaker sets the consecutive failures that open the circuit and how
// long it stays open.
func WithBreaker(failures uint32, openDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.breakerFailures = failures
		c.breakerOpenDelay = openDelay
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// NewClient creates a new Binance USD-M market-data client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:          DefaultBaseURL,
		client:           &http.Client{Timeout: DefaultTimeout},
		maxRetries:       DefaultMaxRetries,
		retryDelay:       DefaultRetryDelay,
		maxDelay:         DefaultMaxDelay,
		backoffMult:      DefaultBackoffMult,
		limiter:          rate.NewLimiter(rate.Every(DefaultMinInterval), 1),
		breakerFailures:  DefaultBreakerFailures,
		breakerOpenDelay: DefaultBreakerOpenDelay,
		logger:           zerolog.Nop(),
		metrics:          observability.DefaultMetrics,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}

	failures := c.breakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "binance-um",
		Interval: 60 * time.Second,
		Timeout:  c.breakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return failures > 0 && counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var httpErr *connector.HTTPError
			if errors.As(err, &httpErr) {
				return !connector.IsRetryableStatus(httpErr.Status)
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.SetBreakerState(name, int(to))
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return c
}

// apiError is the Binance error body.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// get performs a GET with rate limiting, retries and exponential backoff.
// Non-retryable HTTP statuses are returned at once as *connector.HTTPError.
func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			var httpErr *connector.HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > 0 {
				wait = min(httpErr.RetryAfter, c.maxDelay)
			}
			c.metrics.RecordConnectorRetry(path)
			c.logger.Debug().Str("path", path).Int("attempt", attempt).Dur("wait", wait).Err(lastErr).Msg("retrying upstream request")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		body, err := c.breaker.Execute(func() (any, error) {
			return c.do(ctx, path, params)
		})
		if err == nil {
			if result == nil {
				return nil
			}
			if err := json.Unmarshal(body.([]byte), result); err != nil {
				return fmt.Errorf("unmarshal %s: %w", path, err)
			}
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %s: %w", connector.ErrUpstreamUnavailable, path, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var httpErr *connector.HTTPError
		if errors.As(err, &httpErr) && !connector.IsRetryableStatus(httpErr.Status) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", connector.ErrUpstreamUnavailable, path, c.maxRetries, lastErr)
}

// do performs one HTTP round trip and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	began := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RecordConnectorRequest(path, 0, time.Since(began))
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.metrics.RecordConnectorRequest(path, resp.StatusCode, time.Since(began))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &connector.HTTPError{Status: resp.StatusCode, Message: string(body)}
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			httpErr.Code = apiErr.Code
			httpErr.Message = apiErr.Msg
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			httpErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, httpErr
	}
	return body, nil
}
