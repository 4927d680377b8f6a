// Package telemetry provides observability instrumentation for the
// orchestrator: structured logging (zerolog), tracing (OpenTelemetry) and
// metrics (Prometheus).
//
// Logging is the primary channel for a CLI tool; tracing and the metrics
// listener are opt-in and mostly useful for the long-lived watch loop.
//
// Initialize at startup:
//
//	cfg := telemetry.DefaultConfig()
//	logger := telemetry.NewLogger(cfg.Logging)
//	tracer, err := telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
//	metrics := telemetry.NewMetrics(cfg.Metrics)
//
// A nil *Metrics records nothing, so a disabled configuration needs no
// branching at call sites.
package telemetry
