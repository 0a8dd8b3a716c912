// Package metrics exposes Prometheus metrics for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all hub metrics. A nil *Metrics is valid and records
// nothing, so instrumentation call sites need no guards.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ChannelsActive    prometheus.Gauge

	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	Publishes        prometheus.Counter
	FanoutSize       prometheus.Histogram

	ErrorsTotal *prometheus.CounterVec
}

// New creates hub metrics registered on the given registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently connected clients",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_active",
			Help:      "Number of live channels",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages by type",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound per-connection sends by type",
		}, []string{"type"}),
		Publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Topic publishes on the broadcast fast path",
		}),
		FanoutSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_recipients",
			Help:      "Recipients per filtered broadcast",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.ChannelsActive,
		m.MessagesReceived,
		m.MessagesSent,
		m.Publishes,
		m.FanoutSize,
		m.ErrorsTotal,
	)
	return m
}

// ConnOpened records an accepted connection.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// ConnClosed records a closed connection.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// ChannelCreated records a new channel.
func (m *Metrics) ChannelCreated() {
	if m == nil {
		return
	}
	m.ChannelsActive.Inc()
}

// ChannelRemoved records a removed channel.
func (m *Metrics) ChannelRemoved() {
	if m == nil {
		return
	}
	m.ChannelsActive.Dec()
}

// MessageReceived records an inbound message.
func (m *Metrics) MessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// MessageSent records a per-connection send.
func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// Published records a topic publish.
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.Publishes.Inc()
}

// Fanout records the recipient count of a filtered broadcast.
func (m *Metrics) Fanout(n int) {
	if m == nil {
		return
	}
	m.FanoutSize.Observe(float64(n))
}

// Failure records an error by kind.
func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
