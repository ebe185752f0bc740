// Package metrics exposes the engine's Prometheus surface. Every series is
// low cardinality: labels identify transports, providers, contexts, tools,
// and outcomes, never individual calls.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	PlaybackUnderflows  prometheus.Counter
	PlaybackTruncations prometheus.Counter
	GateToggles         prometheus.Counter
	TurnLatency         prometheus.Histogram

	ToolInvocations *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
}

// New registers all collectors under the namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxgate"
	}
	registry := prometheus.NewRegistry()

	callsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Number of live call sessions",
	})

	callsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Total calls handled",
	}, []string{"transport", "status"})

	callDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Call duration from transport attach to termination",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"transport"})

	playbackUnderflows := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_underflows_total",
		Help:      "Playback starvation episodes across all calls",
	})

	playbackTruncations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_truncations_total",
		Help:      "Barge-in playback truncations across all calls",
	})

	gateToggles := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_toggles_total",
		Help:      "Audio gate open/close transitions across all calls",
	})

	turnLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "turn_latency_seconds",
		Help:      "Time from end of caller speech to first agent audio",
		Buckets:   []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5},
	})

	toolInvocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_invocations_total",
		Help:      "Tool executions by phase and outcome",
	}, []string{"phase", "tool", "status"})

	providerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_errors_total",
		Help:      "Provider adapter errors by kind",
	}, []string{"provider", "kind"})

	registry.MustRegister(
		callsActive,
		callsTotal,
		callDuration,
		playbackUnderflows,
		playbackTruncations,
		gateToggles,
		turnLatency,
		toolInvocations,
		providerErrors,
	)

	return &Metrics{
		registry:            registry,
		CallsActive:         callsActive,
		CallsTotal:          callsTotal,
		CallDuration:        callDuration,
		PlaybackUnderflows:  playbackUnderflows,
		PlaybackTruncations: playbackTruncations,
		GateToggles:         gateToggles,
		TurnLatency:         turnLatency,
		ToolInvocations:     toolInvocations,
		ProviderErrors:      providerErrors,
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCallStart marks a session entering the steady loop.
func (m *Metrics) RecordCallStart() {
	m.CallsActive.Inc()
}

// RecordCallEnd marks a session's termination.
func (m *Metrics) RecordCallEnd(transport, status string, duration time.Duration) {
	m.CallsActive.Dec()
	m.CallsTotal.WithLabelValues(transport, status).Inc()
	m.CallDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordTool records one tool execution.
func (m *Metrics) RecordTool(phase, tool string, isError bool) {
	status := "ok"
	if isError {
		status = "error"
	}
	m.ToolInvocations.WithLabelValues(phase, tool, status).Inc()
}

// RecordProviderError records one adapter error by kind.
func (m *Metrics) RecordProviderError(provider, kind string) {
	m.ProviderErrors.WithLabelValues(provider, kind).Inc()
}

// RecordTurnLatency observes one caller-to-agent turn gap.
func (m *Metrics) RecordTurnLatency(d time.Duration) {
	m.TurnLatency.Observe(d.Seconds())
}
