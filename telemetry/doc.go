// Package telemetry holds the registry's Prometheus metrics and OpenTelemetry
// tracing helpers.
//
// Metrics live in a package-level registry exposed by MetricsHandler. Tracing
// is a no-op until InitProvider installs an OTLP exporter; trace context
// crosses the bus inside call envelopes via InjectContext and ExtractContext.
package telemetry
