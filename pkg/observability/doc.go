// Package observability carries the ambient stack shared by every command:
// logrus loggers, Prometheus and OpenTelemetry metrics, tracing setup,
// panic recovery, graceful shutdown and the health endpoints served in
// watch mode.
//
// A logger travels with the context:
//
//	logger, err := observability.NewLogger("debug", observability.FormatJSON, os.Stderr)
//	ctx = observability.WithLogger(ctx, logger)
//	observability.FromContext(ctx).Info("Build started")
//
// Metrics are nil-safe so library code can record unconditionally:
//
//	var m *observability.Metrics
//	m.RecordQuotaRetry() // no-op
package observability
