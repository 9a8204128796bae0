package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the client-side counters. A nil *Metrics records nothing.
type Metrics struct {
	RoomSwitches       prometheus.Counter
	DocumentSwitches   prometheus.Counter
	CredentialRenewals prometheus.Counter
	CredentialFailures prometheus.Counter
	Connected          prometheus.Gauge
}

// NewMetrics registers the client metrics with reg. A nil reg builds unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoomSwitches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "scribe",
			Subsystem: "client",
			Name:      "room_switches_total",
			Help:      "Rooms opened by the session coordinator.",
		}),
		DocumentSwitches: f.NewCounter(prometheus.CounterOpts{
			Namespace: "scribe",
			Subsystem: "client",
			Name:      "document_switches_total",
			Help:      "Documents bound to the editors.",
		}),
		CredentialRenewals: f.NewCounter(prometheus.CounterOpts{
			Namespace: "scribe",
			Subsystem: "client",
			Name:      "credential_renewals_total",
			Help:      "Successful token fetches.",
		}),
		CredentialFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "scribe",
			Subsystem: "client",
			Name:      "credential_failures_total",
			Help:      "Failed token fetches.",
		}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "scribe",
			Subsystem: "client",
			Name:      "connected",
			Help:      "1 while the current room is connected.",
		}),
	}
}

func (m *Metrics) roomSwitched() {
	if m != nil {
		m.RoomSwitches.Inc()
	}
}

func (m *Metrics) documentSwitched() {
	if m != nil {
		m.DocumentSwitches.Inc()
	}
}

func (m *Metrics) credentialRenewed() {
	if m != nil {
		m.CredentialRenewals.Inc()
	}
}

func (m *Metrics) credentialFailed() {
	if m != nil {
		m.CredentialFailures.Inc()
	}
}

func (m *Metrics) connectionState(s SessionState) {
	if m == nil {
		return
	}
	if s == StateConnected {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}
