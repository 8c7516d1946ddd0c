// Package observability provides logging, metrics and tracing for the sync core.
//
// Logging is built on log/slog. NewLogger returns a *slog.Logger whose handler
// redacts access tokens and attaches session correlation fields from the
// context, plus the *slog.LevelVar that controls its level so the level can be
// changed while running:
//
//	logger, level := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	level.Set(slog.LevelDebug)
//
// Metrics are Prometheus collectors registered on a caller-supplied registry.
// Every method on *Metrics is safe to call on a nil receiver, so components can
// run without metrics in tests:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ProbeCompleted(42*time.Millisecond, models.QualityExcellent, nil)
//
// Tracing uses OpenTelemetry with an OTLP gRPC exporter. When no endpoint is
// configured the tracer is a no-op.
package observability
