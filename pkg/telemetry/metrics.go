package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for pipeline runs. A nil *Metrics is
// valid and records nothing, so callers never have to branch.
type Metrics struct {
	config MetricsConfig

	runsCompleted      *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a metrics collector. A disabled configuration yields a
// no-op collector.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpt",
			Name:      "runs_completed_total",
			Help:      "Pipeline runs completed, by terminal state.",
		}, []string{"state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpt",
			Name:      "run_duration_seconds",
			Help:      "Duration of pipeline runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpt",
			Name:      "function_invocations_total",
			Help:      "Function invocations executed, by function and outcome.",
		}, []string{"function", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpt",
			Name:      "function_invocation_duration_seconds",
			Help:      "Duration of function invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.invocationsTotal,
		m.invocationDuration,
	)
	return m
}

// ObserveRun records a completed run.
func (m *Metrics) ObserveRun(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// ObserveInvocation records a completed function invocation.
func (m *Metrics) ObserveInvocation(function, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.invocationsTotal.WithLabelValues(function, outcome).Inc()
	m.invocationDuration.WithLabelValues(function).Observe(duration.Seconds())
}

// StartServer exposes the registry on the configured listen address. It is
// only useful for long-lived modes such as the watch loop.
func (m *Metrics) StartServer() error {
	if m == nil || m.config.ListenAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:         m.config.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Surface an immediate bind failure; after that the listener is
	// best-effort and must not fail the run.
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start metrics listener: %w", err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Close shuts down the metrics listener if one was started.
func (m *Metrics) Close() error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Close()
}
