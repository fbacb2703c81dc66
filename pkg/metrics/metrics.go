// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the server records into.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	ChunksStreamed    prometheus.Counter
	Cancellations     prometheus.Counter
	ActiveSessions    prometheus.Gauge
	ActiveConnections prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	WarningsTotal     *prometheus.CounterVec
}

// New registers the collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spindle_turns_total",
			Help: "Chat turns by outcome (completed, cancelled, error).",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spindle_turn_duration_seconds",
			Help:    "End-to-end duration of a chat turn.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),
		ChunksStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spindle_chunks_streamed_total",
			Help: "Streaming chunks relayed to clients.",
		}),
		Cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spindle_cancellations_total",
			Help: "Turns cancelled by the client.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spindle_active_chat_sessions",
			Help: "Chat sessions currently registered.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spindle_active_connections",
			Help: "Open WebSocket connections.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spindle_stage_duration_seconds",
			Help:    "Duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"stage"}),
		WarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spindle_resolution_warnings_total",
			Help: "Module resolution warnings by type.",
		}, []string{"type"}),
	}
	reg.MustRegister(
		m.TurnsTotal, m.TurnDuration, m.ChunksStreamed, m.Cancellations,
		m.ActiveSessions, m.ActiveConnections, m.StageDuration, m.WarningsTotal,
	)
	return m
}
