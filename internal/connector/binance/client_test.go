package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"trade-evidence-lab/internal/connector"
	"trade-evidence-lab/internal/domain"
)

func newTestClient(url string, opts ...ClientOption) *Client {
	base := []ClientOption{
		WithBaseURL(url),
		WithRetryDelay(time.Millisecond),
		WithMaxDelay(5 * time.Millisecond),
		WithMinInterval(0),
	}
	return NewClient(append(base, opts...)...)
}

func TestGetSeries_KlinePagination(t *testing.T) {
	// three 1m klines, served two per page
	var klines [][]any
	for i := int64(0); i < 3; i++ {
		open := i * 60_000
		klines = append(klines, []any{open, "1.0", "2.0", "0.5", "1.5", "10", open + 59_999, "15", 3, "5", "7"})
	}

	var pages atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathKlines {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		pages.Add(1)
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(r.URL.Query().Get("endTime"), 10, 64)
		var out [][]any
		for _, k := range klines {
			open := k[0].(int64)
			if open >= start && open <= end && len(out) < 2 {
				out = append(out, k)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	rows, err := c.GetSeries(context.Background(), domain.SeriesKline, "ethusdt", "1m", 0, 180_000)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	for i, want := range []int64{0, 60_000, 120_000} {
		if rows[i].TimestampMs != want {
			t.Errorf("row %d: expected open %d, got %d", i, want, rows[i].TimestampMs)
		}
	}
	if rows[0].Symbol != "ETHUSDT" || rows[0].Interval != "1m" || rows[0].High != 2.0 || rows[0].Close != 1.5 {
		t.Errorf("unexpected parsed row: %+v", rows[0])
	}
	// page 3 returns no rows and stops the loop
	if got := pages.Load(); got != 3 {
		t.Errorf("expected 3 page requests, got %d", got)
	}
}

func TestGetSeries_RetriesThrottled(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","fundingTime":1000,"fundingRate":"0.0001","markPrice":"42000.5"}]`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	began := time.Now()
	rows, err := c.GetSeries(context.Background(), domain.SeriesFunding, "BTCUSDT", "", 0, 1000)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if time.Since(began) > 500*time.Millisecond {
		t.Error("expected Retry-After capped at max delay")
	}
	if len(rows) != 1 || rows[0].Value != 0.0001 || rows[0].QuoteValue != 42000.5 {
		t.Errorf("unexpected rows: %+v", rows)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestGetSeries_ExhaustedRetries(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithMaxRetries(3), WithBreaker(0, time.Second))
	_, err := c.GetSeries(context.Background(), domain.SeriesKline, "BTCUSDT", "1m", 0, 60_000)
	if !errors.Is(err, connector.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	var httpErr *connector.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusServiceUnavailable {
		t.Errorf("expected wrapped 503, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
}

func TestGetSeries_ClientErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.GetSeries(context.Background(), domain.SeriesKline, "NOPE", "1m", 0, 60_000)
	var httpErr *connector.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.Code != -1121 || httpErr.Message != "Invalid symbol." {
		t.Errorf("unexpected error body: %+v", httpErr)
	}
	if errors.Is(err, connector.ErrUpstreamUnavailable) {
		t.Error("client errors are not upstream unavailability")
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", hits.Load())
	}
}

func TestGetSeries_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithMaxRetries(1), WithBreaker(2, time.Minute))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, _ = c.GetSeries(ctx, domain.SeriesKline, "BTCUSDT", "1m", 0, 60_000)
	}

	_, err := c.GetSeries(ctx, domain.SeriesKline, "BTCUSDT", "1m", 0, 60_000)
	if !errors.Is(err, gobreaker.ErrOpenState) || !errors.Is(err, connector.ErrUpstreamUnavailable) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected open circuit to skip the server, got %d hits", hits.Load())
	}
}

func TestGetSeries_OpenInterestClampAndFallback(t *testing.T) {
	const end = int64(40 * 24 * 60 * 60 * 1000)
	var gotStart atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == pathOIHist {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Path != pathOIHistFallback {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		gotStart.CompareAndSwap(0, start)
		fmt.Fprintf(w, `[{"symbol":"BTCUSDT","sumOpenInterest":"100.5","sumOpenInterestValue":"4000000","timestamp":%d}]`, end)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	rows, err := c.GetSeries(context.Background(), domain.SeriesOpenInterest, "BTCUSDT", "5m", 0, end)
	if err != nil {
		t.Fatalf("GetSeries failed: %v", err)
	}
	if want := end - oiMaxWindowMs; gotStart.Load() != want {
		t.Errorf("expected start clamped to %d, got %d", want, gotStart.Load())
	}
	if len(rows) != 1 || rows[0].Value != 100.5 || rows[0].Interval != "5m" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestGetSeries_ContextCancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithRetryDelay(time.Second), WithMaxDelay(time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.GetSeries(ctx, domain.SeriesKline, "BTCUSDT", "1m", 0, 60_000)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
