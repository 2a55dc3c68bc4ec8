package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/domain"
)

// Page limits per endpoint.
const (
	klineLimit   = 1500
	fundingLimit = 1000
	oiLimit      = 500

	// openInterestHist only serves the trailing 30 days.
	oiMaxWindowMs = 30 * 24 * 60 * 60 * 1000
)

const (
	pathKlines          = "/fapi/v1/klines"
	pathMarkPriceKlines = "/fapi/v1/markPriceKlines"
	pathFundingRate     = "/fapi/v1/fundingRate"
	pathOIHist          = "/futures/data/openInterestHist"
	pathOIHistFallback  = "/fapi/v1/openInterestHist"
)

// GetSeries fetches the rows of one series within [start, end], ordered by timestamp.
func (c *Client) GetSeries(ctx context.Context, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error) {
	symbol = strings.ToUpper(symbol)
	switch kind {
	case domain.SeriesKline:
		return c.fetchKlines(ctx, pathKlines, kind, symbol, interval, start, end)
	case domain.SeriesMarkKline:
		return c.fetchKlines(ctx, pathMarkPriceKlines, kind, symbol, interval, start, end)
	case domain.SeriesFunding:
		return c.fetchFunding(ctx, symbol, start, end)
	case domain.SeriesOpenInterest:
		return c.fetchOpenInterest(ctx, symbol, interval, start, end)
	default:
		return nil, fmt.Errorf("unsupported series kind %q", kind)
	}
}

// fetchKlines pages klines with cursor = last close_time + 1.
func (c *Client) fetchKlines(ctx context.Context, path string, kind domain.SeriesKind, symbol, interval string, start, end int64) ([]*domain.SeriesPoint, error) {
	var rows []*domain.SeriesPoint
	cursor := start
	for cursor <= end {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("startTime", strconv.FormatInt(cursor, 10))
		params.Set("endTime", strconv.FormatInt(end, 10))
		params.Set("limit", strconv.Itoa(klineLimit))

		var data [][]json.RawMessage
		if err := c.get(ctx, path, params, &data); err != nil {
			return nil, err
		}
		if len(data) == 0 {
			break
		}

		for _, item := range data {
			p, err := parseKline(item)
			if err != nil {
				return nil, fmt.Errorf("parse %s row: %w", path, err)
			}
			p.Kind, p.Symbol, p.Interval = kind, symbol, interval
			rows = append(rows, p)
		}

		lastClose := rows[len(rows)-1].CloseTimeMs
		if lastClose >= end || lastClose+1 <= cursor {
			break
		}
		cursor = lastClose + 1
	}
	return rows, nil
}

func parseKline(item []json.RawMessage) (*domain.SeriesPoint, error) {
	if len(item) < 7 {
		return nil, fmt.Errorf("kline has %d fields", len(item))
	}
	var (
		p   domain.SeriesPoint
		err error
	)
	if p.TimestampMs, err = rawInt(item[0]); err != nil {
		return nil, err
	}
	if p.CloseTimeMs, err = rawInt(item[6]); err != nil {
		return nil, err
	}
	for i, dst := range []*float64{&p.Open, &p.High, &p.Low, &p.Close, &p.Volume} {
		if *dst, err = rawFloat(item[i+1]); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

type fundingRow struct {
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
	MarkPrice   string `json:"markPrice"`
}

// fetchFunding pages funding rates with cursor = last fundingTime + 1.
func (c *Client) fetchFunding(ctx context.Context, symbol string, start, end int64) ([]*domain.SeriesPoint, error) {
	var rows []*domain.SeriesPoint
	cursor := start
	for cursor <= end {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("startTime", strconv.FormatInt(cursor, 10))
		params.Set("endTime", strconv.FormatInt(end, 10))
		params.Set("limit", strconv.Itoa(fundingLimit))

		var data []fundingRow
		if err := c.get(ctx, pathFundingRate, params, &data); err != nil {
			return nil, err
		}
		if len(data) == 0 {
			break
		}

		for _, item := range data {
			rate, err := strconv.ParseFloat(item.FundingRate, 64)
			if err != nil {
				return nil, fmt.Errorf("parse funding rate %q: %w", item.FundingRate, err)
			}
			mark, _ := strconv.ParseFloat(item.MarkPrice, 64) // absent on old rows
			rows = append(rows, &domain.SeriesPoint{
				Kind:        domain.SeriesFunding,
				Symbol:      symbol,
				TimestampMs: item.FundingTime,
				Value:       rate,
				QuoteValue:  mark,
			})
		}

		last := data[len(data)-1].FundingTime
		if last >= end || last+1 <= cursor {
			break
		}
		cursor = last + 1
	}
	return rows, nil
}

type oiRow struct {
	Timestamp            int64  `json:"timestamp"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
}

// fetchOpenInterest pages open interest history. The start is clamped to the
// trailing 30 days of end; a 404 on the data endpoint falls back to the v1 path.
func (c *Client) fetchOpenInterest(ctx context.Context, symbol, period string, start, end int64) ([]*domain.SeriesPoint, error) {
	if minStart := end - oiMaxWindowMs; start < minStart {
		start = minStart
	}

	path := pathOIHist
	var rows []*domain.SeriesPoint
	cursor := start
	for {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("period", period)
		params.Set("limit", strconv.Itoa(oiLimit))
		params.Set("startTime", strconv.FormatInt(cursor, 10))
		params.Set("endTime", strconv.FormatInt(end, 10))

		var data []oiRow
		err := c.get(ctx, path, params, &data)
		var httpErr *connector.HTTPError
		if err != nil && path == pathOIHist && errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
			c.logger.Debug().Str("symbol", symbol).Msg("open interest endpoint missing, using fallback path")
			path = pathOIHistFallback
			err = c.get(ctx, path, params, &data)
		}
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			break
		}

		for _, item := range data {
			oi, err := strconv.ParseFloat(item.SumOpenInterest, 64)
			if err != nil {
				return nil, fmt.Errorf("parse open interest %q: %w", item.SumOpenInterest, err)
			}
			oiValue, _ := strconv.ParseFloat(item.SumOpenInterestValue, 64)
			rows = append(rows, &domain.SeriesPoint{
				Kind:        domain.SeriesOpenInterest,
				Symbol:      symbol,
				Interval:    period,
				TimestampMs: item.Timestamp,
				Value:       oi,
				QuoteValue:  oiValue,
			})
		}

		last := data[len(data)-1].Timestamp
		if last >= end || last+1 <= cursor {
			break
		}
		cursor = last + 1
	}
	return rows, nil
}

func rawInt(raw json.RawMessage) (int64, error) {
	s := strings.Trim(string(raw), `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse int %s: %w", raw, err)
	}
	return int64(f), nil
}

func rawFloat(raw json.RawMessage) (float64, error) {
	s := strings.Trim(string(raw), `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse float %s: %w", raw, err)
	}
	return f, nil
}

var _ connector.MarketConnector = (*Client)(nil)
