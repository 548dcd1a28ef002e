package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	BuildsTotal         *prometheus.CounterVec
	BuildDuration       *prometheus.HistogramVec
	PhaseDuration       *prometheus.HistogramVec
	UploadAttemptsTotal *prometheus.CounterVec
	QuotaRetriesTotal   prometheus.Counter
	EvictionsTotal      *prometheus.CounterVec
	ValidationsTotal    *prometheus.CounterVec

	otel *OTelMetrics
}

// NewMetrics creates and registers the collectors with registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extforge_builds_total",
				Help: "Total number of builds by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extforge_build_duration_seconds",
				Help:    "Build duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"mode"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extforge_phase_duration_seconds",
				Help:    "Duration of each pipeline phase in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		UploadAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extforge_upload_attempts_total",
				Help: "Total number of upload attempts by outcome",
			},
			[]string{"outcome"},
		),
		QuotaRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "extforge_quota_retries_total",
				Help: "Total number of uploads retried because the version quota was still exceeded",
			},
		),
		EvictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extforge_evictions_total",
				Help: "Total number of quota evictions by outcome",
			},
			[]string{"outcome"},
		),
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extforge_validations_total",
				Help: "Total number of registry validations by outcome",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.BuildsTotal,
		m.BuildDuration,
		m.PhaseDuration,
		m.UploadAttemptsTotal,
		m.QuotaRetriesTotal,
		m.EvictionsTotal,
		m.ValidationsTotal,
	)

	return m
}

// WithOTel mirrors every recorded value to the OpenTelemetry instruments
func (m *Metrics) WithOTel(o *OTelMetrics) *Metrics {
	if m != nil {
		m.otel = o
	}
	return m
}

// RecordBuild records a finished build
func (m *Metrics) RecordBuild(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.BuildsTotal.WithLabelValues(mode, outcome).Inc()
	m.BuildDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.otel.recordBuild(mode, outcome, d)
}

// RecordPhase records how long a pipeline phase took
func (m *Metrics) RecordPhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordUploadAttempt records one upload call
func (m *Metrics) RecordUploadAttempt(outcome string) {
	if m == nil {
		return
	}
	m.UploadAttemptsTotal.WithLabelValues(outcome).Inc()
	m.otel.recordUploadAttempt(outcome)
}

// RecordQuotaRetry records one quota back-off
func (m *Metrics) RecordQuotaRetry() {
	if m == nil {
		return
	}
	m.QuotaRetriesTotal.Inc()
	m.otel.recordQuotaRetry()
}

// RecordEviction records the outcome of an eviction
func (m *Metrics) RecordEviction(outcome string) {
	if m == nil {
		return
	}
	m.EvictionsTotal.WithLabelValues(outcome).Inc()
	m.otel.recordEviction(outcome)
}

// RecordValidation records a dry-run validation
func (m *Metrics) RecordValidation(outcome string) {
	if m == nil {
		return
	}
	m.ValidationsTotal.WithLabelValues(outcome).Inc()
	m.otel.recordValidation(outcome)
}

// Handler returns the Prometheus scrape handler for gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
