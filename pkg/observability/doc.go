// Package observability builds the logging, metrics and tracing facilities
// shared by every relay component.
//
// Logging uses log/slog. Metrics are Prometheus collectors registered on a
// caller-supplied registerer so tests can use isolated registries. Tracing
// uses OpenTelemetry with an optional OTLP/HTTP exporter; without an endpoint
// spans are recorded by an SDK provider that exports nowhere.
package observability
