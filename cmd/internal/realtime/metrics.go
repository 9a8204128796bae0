package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	updateSourceLocal  = "local"
	updateSourceRemote = "remote"
)

// Metrics are the relay gauges and counters. A nil *Metrics records nothing.
type Metrics struct {
	Connections prometheus.Gauge
	Rooms       prometheus.Gauge
	Updates     *prometheus.CounterVec
	Rejects     *prometheus.CounterVec
}

// NewMetrics registers the relay metrics with reg. A nil reg builds unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "scribe",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket sessions.",
		}),
		Rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "scribe",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Rooms held in memory.",
		}),
		Updates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Subsystem: "relay",
			Name:      "updates_total",
			Help:      "Updates that changed a room replica, by source.",
		}, []string{"source"}),
		Rejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scribe",
			Subsystem: "relay",
			Name:      "rejects_total",
			Help:      "Refused connections and envelopes, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.Rooms.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.Rooms.Dec()
	}
}

func (m *Metrics) update(source string) {
	if m != nil {
		m.Updates.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.Rejects.WithLabelValues(reason).Inc()
	}
}
