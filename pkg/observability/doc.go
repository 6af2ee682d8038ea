// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health checks and graceful shutdown for warden
// processes.
//
// Logging wraps log/slog with a JSON handler:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("permission", slug).Warn("Permission check failed, denying")
//
// Metrics are registered against a caller-owned registry. The Record helpers
// tolerate a nil *Metrics:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.RecordPermissionCheck("courses.view", true, "role", false, elapsed)
package observability
