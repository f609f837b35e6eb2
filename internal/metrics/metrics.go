// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Click outcomes.
const (
	ClickRecorded = "recorded"
	ClickExpired  = "expired"
	ClickMissing  = "missing"
)

// Link creation sources.
const (
	SourceMember = "member"
	SourceGuest  = "guest"
	SourceBulk   = "bulk"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests being processed",
		},
	)

	ClicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shortlink_clicks_total",
			Help: "Click attempts by outcome",
		},
		[]string{"outcome"},
	)

	LinksCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shortlink_links_created_total",
			Help: "Links created by source",
		},
		[]string{"source"},
	)

	BulkRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shortlink_bulk_rows_total",
			Help: "Bulk import rows by result",
		},
		[]string{"result"},
	)

	SnapshotImportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shortlink_snapshot_imports_total",
			Help: "Snapshot imports by result",
		},
		[]string{"result"},
	)
)

// RecordHTTP records one finished request. path should be the route pattern,
// not the raw URL, to keep label cardinality bounded.
func RecordHTTP(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	HTTPRequestsTotal.WithLabelValues(method, path, code).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// Result maps an error to the "ok"/"error" label used by result counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
