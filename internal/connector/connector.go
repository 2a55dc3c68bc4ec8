// Package connector defines the market data source contract.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trade-evidence-lab/internal/domain"
)

// ErrUpstreamUnavailable is returned after retries are exhausted or the circuit is open.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// MarketConnector fetches ordered market series rows.
// Implementations paginate from last_timestamp+1 until the window is exhausted
// or the source returns no rows, and retry throttled calls with bounded backoff.
type MarketConnector interface {
	GetSeries(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error)
}

// HTTPError is a non-2xx upstream response.
type HTTPError struct {
	Status     int
	Code       int // exchange error code when the body carries one
	Message    string
	RetryAfter time.Duration // zero when the server gave no hint
}

func (e *HTTPError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("http %d: code %d: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// IsRetryableStatus reports whether a status code is worth retrying.
func IsRetryableStatus(status int) bool {
	switch status {
	case 418, 429, 500, 502, 503, 504:
		return true
	}
	return false
}
