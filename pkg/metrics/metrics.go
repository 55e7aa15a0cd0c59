// Package metrics exposes Prometheus metrics for the call orchestrator.
// All Record methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Turn metrics
	TurnsTotal    *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec

	ErrorsTotal        *prometheus.CounterVec
	VADTransitions     *prometheus.CounterVec
	HandoffsTotal      *prometheus.CounterVec
	HandoffQueueLength prometheus.Gauge

	// Transport metrics
	MessagesTotal   *prometheus.CounterVec
	AudioBytesTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicedesk"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live call sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of closed call sessions",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Call session duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total conversation turns by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified processing failures",
		}, []string{"kind"}),
		VADTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_transitions_total",
			Help:      "Voice activity status transitions",
		}, []string{"from", "to"}),
		HandoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Human handoff attempts by result",
		}, []string{"result"}),
		HandoffQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handoff_queue_length",
			Help:      "Callers waiting for a human agent",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "WebSocket messages by direction and type",
		}, []string{"direction", "type"}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes by direction",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.TurnsTotal,
		m.StageDuration,
		m.ErrorsTotal,
		m.VADTransitions,
		m.HandoffsTotal,
		m.HandoffQueueLength,
		m.MessagesTotal,
		m.AudioBytesTotal,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session being created.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordTurn records a finished turn. Outcome is one of "completed",
// "empty", "discarded" or "failed".
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordStage records the latency of one pipeline stage.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordError records a classified failure.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordVAD records a voice activity transition.
func (m *Metrics) RecordVAD(from, to string) {
	if m == nil {
		return
	}
	m.VADTransitions.WithLabelValues(from, to).Inc()
}

// RecordHandoff records a handoff result and the current queue length.
func (m *Metrics) RecordHandoff(result string, queueLen int) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(result).Inc()
	m.HandoffQueueLength.Set(float64(queueLen))
}

// SetHandoffQueue updates the handoff queue gauge.
func (m *Metrics) SetHandoffQueue(n int) {
	if m == nil {
		return
	}
	m.HandoffQueueLength.Set(float64(n))
}

// RecordMessage records a WebSocket message. Direction is "in" or "out".
func (m *Metrics) RecordMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordAudio records audio bytes. Direction is "in" or "out".
func (m *Metrics) RecordAudio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}
