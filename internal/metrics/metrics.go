// Package metrics holds the Prometheus collectors for the ingestion pipeline and its HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing,
// which keeps unit tests free of registry plumbing.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Fetch stage
	FetchAttempts *prometheus.CounterVec
	FetchBytes    prometheus.Counter

	// Extraction stage
	Extractions       *prometheus.CounterVec
	ExtractedPayloads prometheus.Counter

	// Upload stage
	Uploads *prometheus.CounterVec

	// Catalog stage
	CatalogOutcomes   *prometheus.CounterVec
	StatementDuration *prometheus.HistogramVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_ingest_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_ingest_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		FetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_ingest_fetch_attempts_total",
				Help: "Archive download attempts by outcome",
			},
			[]string{"outcome"},
		),
		FetchBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vault_ingest_fetch_bytes_total",
				Help: "Bytes of archive data downloaded",
			},
		),

		Extractions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_ingest_extractions_total",
				Help: "Archive extractions by resulting mode",
			},
			[]string{"mode"},
		),
		ExtractedPayloads: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vault_ingest_extracted_payloads_total",
				Help: "Payloads produced by archive extraction",
			},
		),

		Uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_ingest_uploads_total",
				Help: "Payload uploads by write mode and status",
			},
			[]string{"mode", "status"},
		),

		CatalogOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_ingest_catalog_outcomes_total",
				Help: "Catalog lifecycle transitions per dataset",
			},
			[]string{"outcome"},
		),
		StatementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_ingest_catalog_statement_duration_seconds",
				Help:    "Wall-clock time from statement submission to terminal state",
				Buckets: []float64{1, 3, 5, 10, 30, 60, 120, 300},
			},
			[]string{"state"},
		),
	}
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordFetchAttempt records one download attempt; outcome is "ok", "retry" or "error".
func (m *Metrics) RecordFetchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(outcome).Inc()
}

// RecordFetchBytes adds the size of an accepted download.
func (m *Metrics) RecordFetchBytes(n int) {
	if m == nil {
		return
	}
	m.FetchBytes.Add(float64(n))
}

// RecordExtraction records the mode an extraction ended in and how many payloads it produced.
func (m *Metrics) RecordExtraction(mode string, payloads int) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(mode).Inc()
	m.ExtractedPayloads.Add(float64(payloads))
}

// RecordUpload records one payload upload.
func (m *Metrics) RecordUpload(mode string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.Uploads.WithLabelValues(mode, status).Inc()
}

// RecordCatalogOutcome records a dataset's catalog transition.
func (m *Metrics) RecordCatalogOutcome(outcome string) {
	if m == nil {
		return
	}
	m.CatalogOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStatement records how long a catalog statement took to reach state.
func (m *Metrics) RecordStatement(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StatementDuration.WithLabelValues(state).Observe(duration.Seconds())
}
