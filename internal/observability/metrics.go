// Package observability provides Prometheus metrics and structured logging.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Connector metrics
	ConnectorRequests *prometheus.CounterVec
	ConnectorRetries  *prometheus.CounterVec
	ConnectorLatency  *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec

	// Series cache metrics
	CacheLoads     *prometheus.CounterVec
	GapsFetched    *prometheus.CounterVec
	PointsUpserted *prometheus.CounterVec

	// Report metrics
	ReportRuns       *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	AnomaliesFired   *prometheus.CounterVec
	FactsWritten     prometheus.Counter
	ReportsConflicts prometheus.Counter

	// Ledger sync metrics
	SyncRuns     *prometheus.CounterVec
	LedgerRows   *prometheus.CounterVec
	ClockResyncs *prometheus.CounterVec

	// Health metrics
	LastSuccessfulReport prometheus.Gauge
}

// NewMetrics creates a Metrics set registered on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "trade_evidence_lab"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectorRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "requests_total",
			Help:      "Total upstream requests by endpoint and status class",
		}, []string{"endpoint", "status"}),
		ConnectorRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "retries_total",
			Help:      "Total retried upstream requests by endpoint",
		}, []string{"endpoint"}),
		ConnectorLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "request_duration_seconds",
			Help:      "Upstream request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),

		CacheLoads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series_cache",
			Name:      "loads_total",
			Help:      "Series loads by serving tier (memory, durable, empty)",
		}, []string{"tier"}),
		GapsFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series_cache",
			Name:      "gaps_fetched_total",
			Help:      "Missing ranges fetched from upstream by series kind",
		}, []string{"kind"}),
		PointsUpserted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "series_cache",
			Name:      "points_upserted_total",
			Help:      "Series points upserted by kind",
		}, []string{"kind"}),

		ReportRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "runs_total",
			Help:      "Report runs by terminal state",
		}, []string{"state"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "stage_duration_seconds",
			Help:      "Duration of report stages",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"stage"}),
		AnomaliesFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "anomalies_total",
			Help:      "Anomalies fired by code",
		}, []string{"code"}),
		FactsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "facts_written_total",
			Help:      "Total trade facts written to artifacts",
		}),
		ReportsConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "sync_conflicts_total",
			Help:      "Report requests rejected because a sync over the scope was running",
		}),

		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Ledger sync runs by exchange and terminal state",
		}, []string{"exchange", "state"}),
		LedgerRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "ledger_rows_inserted_total",
			Help:      "New ledger rows inserted by kind (fill, cashflow)",
		}, []string{"kind"}),
		ClockResyncs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "clock_resyncs_total",
			Help:      "Server time offset resynchronizations by exchange",
		}, []string{"exchange"}),

		LastSuccessfulReport: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_report_timestamp",
			Help:      "Unix timestamp of last successful report run",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// statusClass maps an HTTP status to 2xx/4xx/5xx, or "error" for transport failures.
func statusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 300:
		return "2xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// RecordConnectorRequest records one upstream call.
func (m *Metrics) RecordConnectorRequest(endpoint string, status int, elapsed time.Duration) {
	m.ConnectorRequests.WithLabelValues(endpoint, statusClass(status)).Inc()
	m.ConnectorLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// RecordConnectorRetry records a retried upstream call.
func (m *Metrics) RecordConnectorRetry(endpoint string) {
	m.ConnectorRetries.WithLabelValues(endpoint).Inc()
}

// SetBreakerState records the state of a named circuit breaker.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordCacheLoad records which tier served a series load.
func (m *Metrics) RecordCacheLoad(tier string) {
	m.CacheLoads.WithLabelValues(tier).Inc()
}

// RecordGapFetched records one fetched missing range and its point count.
func (m *Metrics) RecordGapFetched(kind string, points int) {
	m.GapsFetched.WithLabelValues(kind).Inc()
	m.PointsUpserted.WithLabelValues(kind).Add(float64(points))
}

// RecordStage records the duration of a report stage.
func (m *Metrics) RecordStage(stage string, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// RecordReportRun records a finished report run.
func (m *Metrics) RecordReportRun(state string, facts int) {
	m.ReportRuns.WithLabelValues(state).Inc()
	if state == "completed" {
		m.FactsWritten.Add(float64(facts))
		m.LastSuccessfulReport.SetToCurrentTime()
	}
}

// RecordAnomaly records one fired anomaly.
func (m *Metrics) RecordAnomaly(code string) {
	m.AnomaliesFired.WithLabelValues(code).Inc()
}

// RecordSyncConflict records a report or sync rejected by the scope guard.
func (m *Metrics) RecordSyncConflict() {
	m.ReportsConflicts.Inc()
}

// RecordSyncRun records a finished ledger sync.
func (m *Metrics) RecordSyncRun(exchange, state string, fills, flows int) {
	m.SyncRuns.WithLabelValues(exchange, state).Inc()
	m.LedgerRows.WithLabelValues("fill").Add(float64(fills))
	m.LedgerRows.WithLabelValues("cashflow").Add(float64(flows))
}

// RecordClockResync records a server-time offset resync.
func (m *Metrics) RecordClockResync(exchange string) {
	m.ClockResyncs.WithLabelValues(exchange).Inc()
}
