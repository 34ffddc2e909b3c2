// Package observability provides logging and tracing for the cache service.
//
// Logging is a thin interface over zap so packages can accept a Logger
// without importing zap directly. Field constructors are re-exported as
// aliases (String, Int, Error, ...). Tests use NopLogger or wrap a
// zaptest/observer core with FromZap.
//
// Tracing configures an OpenTelemetry SDK provider with an OTLP gRPC
// exporter when an endpoint is set. Cache and lock operations create
// spans through the global otel tracer, so they are no-ops when tracing
// is disabled.
package observability
