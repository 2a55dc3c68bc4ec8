package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/observability"
)

// Transport executes signed requests behind a circuit breaker.
type Transport struct {
	name    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
}

// NewTransport creates a transport named after its exchange.
func NewTransport(name string, client *http.Client, metrics *observability.Metrics) *Transport {
	return &Transport{
		name:    name,
		client:  client,
		metrics: metrics,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: 60 * time.Second,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				var httpErr *connector.HTTPError
				if errors.As(err, &httpErr) {
					return !connector.IsRetryableStatus(httpErr.Status)
				}
				return err == nil
			},
			OnStateChange: func(name string, _, to gobreaker.State) {
				metrics.SetBreakerState(name, int(to))
			},
		}),
	}
}

// Do sends req and returns the body. Non-2xx responses become *connector.HTTPError
// with the raw body as message; callers parse exchange codes from it.
func (t *Transport) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	out, err := t.breaker.Execute(func() (any, error) {
		began := time.Now()
		resp, err := t.client.Do(req.WithContext(ctx))
		if err != nil {
			t.metrics.RecordConnectorRequest(t.name, 0, time.Since(began))
			return nil, fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		t.metrics.RecordConnectorRequest(t.name, resp.StatusCode, time.Since(began))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &connector.HTTPError{Status: resp.StatusCode, Message: string(body)}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %w", connector.ErrUpstreamUnavailable, t.name, err)
		}
		return nil, err
	}
	return out.([]byte), nil
}
