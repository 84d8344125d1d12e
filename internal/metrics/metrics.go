package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_upstream_requests_total",
			Help: "Upstream storefront API attempts by outcome.",
		},
		[]string{"site", "op", "outcome"},
	)
	upstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_upstream_request_duration_seconds",
			Help:    "Upstream storefront API attempt latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"site", "op"},
	)
	webhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_webhook_events_total",
			Help: "Inbound notifications by gateway outcome.",
		},
		[]string{"site", "outcome"},
	)
	mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_merges_total",
			Help: "Canonical store merges by outcome.",
		},
		[]string{"site", "outcome"},
	)
	diffEntitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_diff_entities_total",
			Help: "Entities classified by the full-catalog differ.",
		},
		[]string{"site", "action"},
	)
	diffRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_diff_run_duration_seconds",
			Help:    "Full-catalog differ run duration.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"site", "status"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalogsync_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "catalogsync_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		upstreamRequestsTotal,
		upstreamRequestDuration,
		webhookEventsTotal,
		mergesTotal,
		diffEntitiesTotal,
		diffRunDuration,
		httpRequestsTotal,
		httpRequestDuration,
	)
}

func RecordUpstream(site, op, outcome string, d time.Duration) {
	upstreamRequestsTotal.WithLabelValues(site, op, outcome).Inc()
	upstreamRequestDuration.WithLabelValues(site, op).Observe(d.Seconds())
}

func RecordWebhook(site, outcome string) {
	if site == "" {
		site = "unknown"
	}
	webhookEventsTotal.WithLabelValues(site, outcome).Inc()
}

func RecordMerge(site, outcome string) {
	mergesTotal.WithLabelValues(site, outcome).Inc()
}

func RecordDiffEntity(site, action string) {
	diffEntitiesTotal.WithLabelValues(site, action).Inc()
}

func RecordDiffRun(site, status string, d time.Duration) {
	diffRunDuration.WithLabelValues(site, status).Observe(d.Seconds())
}

func RecordRequest(method, path string, statusCode int, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, ClassifyStatus(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// ClassifyStatus buckets an HTTP status code into 2xx/3xx/4xx/5xx.
func ClassifyStatus(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	}
	return "unknown"
}

func Handler() http.Handler {
	return promhttp.Handler()
}
