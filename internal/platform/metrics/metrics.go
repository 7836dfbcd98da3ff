// Package metrics provides Prometheus metrics for the verifier caches and
// validation pipeline. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Cache metrics, labelled by source name
	CacheRefreshesTotal   *prometheus.CounterVec   // refresh attempts by source and outcome
	CacheRefreshDuration  *prometheus.HistogramVec // refresh latency by source
	CacheStaleServedTotal *prometheus.CounterVec   // stale values returned to callers
	CacheValueAgeSeconds  *prometheus.GaugeVec     // age of the published value's own timestamp

	// Revocation sync
	RevocationChunksTotal prometheus.Counter
	RevocationVersion     prometheus.Gauge

	// Validation outcomes by overall status
	ValidationsTotal   *prometheus.CounterVec
	ValidationDuration prometheus.Histogram

	// HTTP API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheRefreshesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hcert_cache_refreshes_total",
			Help: "Total number of cache refresh attempts by source and outcome",
		}, []string{"source", "outcome"}),

		CacheRefreshDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hcert_cache_refresh_duration_seconds",
			Help:    "Duration of cache refresh operations by source",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),

		CacheStaleServedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hcert_cache_stale_served_total",
			Help: "Total number of stale cache values returned to callers by source",
		}, []string{"source"}),

		CacheValueAgeSeconds: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hcert_cache_value_age_seconds",
			Help: "Age of the currently published value by source",
		}, []string{"source"}),

		RevocationChunksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hcert_revocation_chunks_applied_total",
			Help: "Total number of revocation chunks durably applied",
		}),

		RevocationVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "hcert_revocation_version",
			Help: "Currently committed revocation list version",
		}),

		ValidationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hcert_validations_total",
			Help: "Total number of credential validations by overall status",
		}, []string{"status"}),

		ValidationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hcert_validation_duration_seconds",
			Help:    "Duration of a full credential validation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hcert_http_requests_total",
			Help: "Total number of HTTP requests by route pattern, method and status code",
		}, []string{"route", "method", "code"}),

		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hcert_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// RecordRefresh records the outcome and duration of one refresh attempt.
func (m *Metrics) RecordRefresh(source string, err error, took time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.CacheRefreshesTotal.WithLabelValues(source, outcome).Inc()
	m.CacheRefreshDuration.WithLabelValues(source).Observe(took.Seconds())
}

// RecordStaleServed counts a stale value returned to a caller.
func (m *Metrics) RecordStaleServed(source string) {
	if m == nil {
		return
	}
	m.CacheStaleServedTotal.WithLabelValues(source).Inc()
}

// SetValueAge records the age of a published value.
func (m *Metrics) SetValueAge(source string, age time.Duration) {
	if m == nil {
		return
	}
	m.CacheValueAgeSeconds.WithLabelValues(source).Set(age.Seconds())
}

// RecordChunkApplied counts a durably applied revocation chunk.
func (m *Metrics) RecordChunkApplied() {
	if m == nil {
		return
	}
	m.RevocationChunksTotal.Inc()
}

// SetRevocationVersion records the committed revocation version.
func (m *Metrics) SetRevocationVersion(version int64) {
	if m == nil {
		return
	}
	m.RevocationVersion.Set(float64(version))
}

// RecordValidation counts a validation by overall status.
func (m *Metrics) RecordValidation(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(status).Inc()
	m.ValidationDuration.Observe(took.Seconds())
}

// RecordHTTPRequest counts one served request.
func (m *Metrics) RecordHTTPRequest(route, method string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(route).Observe(took.Seconds())
}
