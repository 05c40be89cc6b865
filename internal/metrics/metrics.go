// Package metrics exposes the chat core counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat"

type Metrics struct {
	liveConnections prometheus.Gauge
	rooms           prometheus.Gauge
	messagesRouted  *prometheus.CounterVec
	deliveries      prometheus.Counter
	sendFailures    prometheus.Counter
	reconciliations prometheus.Counter
	prunedMembers   prometheus.Counter
	malformed       prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		liveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Connections currently registered as live.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms currently held in memory.",
		}),
		messagesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Inbound messages routed, by type.",
		}, []string{"type"}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Successful per-recipient sends.",
		}),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed or timed out per-recipient sends.",
		}),
		reconciliations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Room reconciliations against the live registry.",
		}),
		prunedMembers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_members_total",
			Help:      "Stale members removed from rooms.",
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Inbound payloads that failed to decode.",
		}),
	}
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SetLiveConnections(n int) {
	if m == nil {
		return
	}
	m.liveConnections.Set(float64(n))
}

func (m *Metrics) SetRooms(n int) {
	if m == nil {
		return
	}
	m.rooms.Set(float64(n))
}

// MessageRouted counts one routed message. Unknown types share the "other"
// label so clients cannot blow up label cardinality.
func (m *Metrics) MessageRouted(msgType string, known bool) {
	if m == nil {
		return
	}
	if !known {
		msgType = "other"
	}
	m.messagesRouted.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) SendFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sendFailures.Add(float64(n))
}

func (m *Metrics) Reconciled(pruned int) {
	if m == nil {
		return
	}
	m.reconciliations.Inc()
	if pruned > 0 {
		m.prunedMembers.Add(float64(pruned))
	}
}

func (m *Metrics) Malformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}
