package ledgersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trade-evidence-lab/internal/exchange"
	"trade-evidence-lab/internal/observability"
)

// errPermanent marks page errors that must not be retried.
var errPermanent = errors.New("permanent")

// pageFunc fetches and stores one page, returning rows inserted and the next cursor.
type pageFunc func(ctx context.Context, cursor string) (int, string, error)

type pager struct {
	limiter    *rate.Limiter
	minBackoff time.Duration
	maxRetries int
	logger     zerolog.Logger
	metrics    *observability.Metrics
}

func newPager(p exchange.RateLimitPolicy, logger zerolog.Logger, metrics *observability.Metrics) *pager {
	retries := p.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &pager{
		limiter:    limiterFor(p),
		minBackoff: p.MinInterval,
		maxRetries: retries,
		logger:     logger,
		metrics:    metrics,
	}
}

// drain follows cursors until the window is exhausted.
func (p *pager) drain(ctx context.Context, kind, exchangeID string, w Window, fetch pageFunc) (int, error) {
	total := 0
	cursor := ""
	for {
		n, next, err := p.fetchWithRetry(ctx, kind, exchangeID, cursor, fetch)
		if err != nil {
			return total, err
		}
		total += n

		if next == "" {
			return total, nil
		}
		if next == cursor {
			p.logger.Warn().Str("kind", kind).Str("cursor", cursor).Msg("cursor did not advance, stopping window")
			return total, nil
		}
		cursor = next
	}
}

// fetchWithRetry makes up to maxRetries attempts, sleeping minBackoff*2^attempt between them.
func (p *pager) fetchWithRetry(ctx context.Context, kind, exchangeID, cursor string, fetch pageFunc) (int, string, error) {
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, "", fmt.Errorf("rate limiter: %w", err)
		}

		n, next, err := fetch(ctx, cursor)
		if err == nil {
			return n, next, nil
		}
		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			return 0, "", err
		}
		lastErr = err
		p.metrics.RecordConnectorRetry(exchangeID)
		p.logger.Warn().
			Err(err).
			Str("kind", kind).
			Int("attempt", attempt+1).
			Int("max_retries", p.maxRetries).
			Msg("page fetch failed")

		if attempt == p.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-time.After(p.minBackoff * time.Duration(1<<attempt)):
		}
	}
	return 0, "", fmt.Errorf("max retries exceeded: %w", lastErr)
}
