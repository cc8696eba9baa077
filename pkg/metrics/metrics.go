// Package metrics defines the Prometheus metric collectors used by the
// ingestion service and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the ingestion pipeline.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	StageInvocations     *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	OCRJobsLaunched      prometheus.Counter
	SheetTruncations     prometheus.Counter
	ExtractedChars       *prometheus.HistogramVec
	Cancellations        *prometheus.CounterVec
	Notifications        *prometheus.CounterVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg. Passing nil
// registers with the process-wide default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		StageInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_stage_invocations_total",
				Help: "Pipeline stage invocations by stage and outcome (ok, cancelled, failed, error).",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Pipeline stage latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
			},
			[]string{"stage"},
		),
		OCRJobsLaunched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_ocr_jobs_launched_total",
				Help: "Total OCR jobs submitted to the engine.",
			},
		),
		SheetTruncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_sheet_truncations_total",
				Help: "Spreadsheet extractions cut at the character budget.",
			},
		),
		ExtractedChars: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_extracted_characters",
				Help:    "Size of extracted text in characters by extraction path.",
				Buckets: prometheus.ExponentialBuckets(100, 4, 8),
			},
			[]string{"path"},
		),
		Cancellations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_cancellations_total",
				Help: "Cancel requests by outcome (no_execution, stopped, already_finished, stop_failed, rejected, error).",
			},
			[]string{"outcome"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_ocr_notifications_total",
				Help: "OCR completion notifications by outcome (resumed, duplicate, stale, pending, dropped, error).",
			},
			[]string{"outcome"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.StageInvocations,
		m.StageDuration,
		m.OCRJobsLaunched,
		m.SheetTruncations,
		m.ExtractedChars,
		m.Cancellations,
		m.Notifications,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
