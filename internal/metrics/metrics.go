package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	published         *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	encodingFailures  prometheus.Counter
	relayed           *prometheus.CounterVec
	malformedPayloads *prometheus.CounterVec
	broadcastSends    prometheus.Counter
	broadcastFailures prometheus.Counter
	connections       prometheus.Gauge
	resubscribes      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ekko_published_total",
			Help: "Messages published to the bus by channel.",
		}, []string{"channel"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ekko_publish_failures_total",
			Help: "Publish attempts that could not reach the bus by channel.",
		}, []string{"channel"}),
		encodingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ekko_encoding_failures_total",
			Help: "Notifications skipped because they could not be encoded.",
		}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ekko_relayed_total",
			Help: "Bus messages handed to the broadcaster by channel.",
		}, []string{"channel"}),
		malformedPayloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ekko_malformed_payloads_total",
			Help: "Bus messages dropped because they were not valid JSON by channel.",
		}, []string{"channel"}),
		broadcastSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ekko_broadcast_sends_total",
			Help: "Envelopes written to client connections.",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ekko_broadcast_failures_total",
			Help: "Client connections dropped after a failed or skipped send.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ekko_connections",
			Help: "Currently connected clients.",
		}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ekko_bus_resubscribes_total",
			Help: "Times the relay re-established its bus subscription.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.published,
			m.publishFailures,
			m.encodingFailures,
			m.relayed,
			m.malformedPayloads,
			m.broadcastSends,
			m.broadcastFailures,
			m.connections,
			m.resubscribes,
		)
	}
	return m
}

func (m *Metrics) Published(channel string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(channel).Inc()
}

func (m *Metrics) PublishFailed(channel string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) EncodingFailed() {
	if m == nil {
		return
	}
	m.encodingFailures.Inc()
}

func (m *Metrics) Relayed(channel string) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(channel).Inc()
}

func (m *Metrics) MalformedPayload(channel string) {
	if m == nil {
		return
	}
	m.malformedPayloads.WithLabelValues(channel).Inc()
}

func (m *Metrics) BroadcastSent() {
	if m == nil {
		return
	}
	m.broadcastSends.Inc()
}

func (m *Metrics) BroadcastFailed() {
	if m == nil {
		return
	}
	m.broadcastFailures.Inc()
}

// SetConnections records the current ConnectionSet size.
func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) Resubscribed() {
	if m == nil {
		return
	}
	m.resubscribes.Inc()
}
