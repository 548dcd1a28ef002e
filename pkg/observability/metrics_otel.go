package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry instruments mirroring Metrics. A nil
// *OTelMetrics records nothing.
type OTelMetrics struct {
	builds         metric.Int64Counter
	buildDuration  metric.Float64Histogram
	uploadAttempts metric.Int64Counter
	quotaRetries   metric.Int64Counter
	evictions      metric.Int64Counter
	validations    metric.Int64Counter
}

// NewOTelMetrics creates instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	return newOTelMetrics(otel.Meter("github.com/platinummonkey/extforge"))
}

func newOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	m.builds, err = meter.Int64Counter(
		"extforge.builds",
		metric.WithDescription("Total number of builds"),
		metric.WithUnit("{build}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create builds counter: %w", err)
	}

	m.buildDuration, err = meter.Float64Histogram(
		"extforge.build.duration",
		metric.WithDescription("Build duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create build duration histogram: %w", err)
	}

	m.uploadAttempts, err = meter.Int64Counter(
		"extforge.upload.attempts",
		metric.WithDescription("Total number of upload attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload attempts counter: %w", err)
	}

	m.quotaRetries, err = meter.Int64Counter(
		"extforge.upload.quota_retries",
		metric.WithDescription("Uploads retried because the version quota was still exceeded"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota retries counter: %w", err)
	}

	m.evictions, err = meter.Int64Counter(
		"extforge.evictions",
		metric.WithDescription("Total number of quota evictions"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	m.validations, err = meter.Int64Counter(
		"extforge.validations",
		metric.WithDescription("Total number of registry validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	return m, nil
}

func (m *OTelMetrics) recordBuild(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.builds.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
	m.buildDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *OTelMetrics) recordUploadAttempt(outcome string) {
	if m == nil {
		return
	}
	m.uploadAttempts.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *OTelMetrics) recordQuotaRetry() {
	if m == nil {
		return
	}
	m.quotaRetries.Add(context.Background(), 1)
}

func (m *OTelMetrics) recordEviction(outcome string) {
	if m == nil {
		return
	}
	m.evictions.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *OTelMetrics) recordValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
