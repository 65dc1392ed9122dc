package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSource supplies per-transport statistics snapshots for metrics
// export. MultiTransport satisfies it.
type StatsSource interface {
	GetStats() map[TransportType]TransportStats
}

// MetricsCollector exports transport statistics as Prometheus metrics,
// one series per transport type.
type MetricsCollector struct {
	source StatsSource

	messagesSent     *prometheus.Desc
	messagesReceived *prometheus.Desc
	sendFailures     *prometheus.Desc
	bytesSent        *prometheus.Desc
	bytesReceived    *prometheus.Desc
	connAttempts     *prometheus.Desc
	connSuccesses    *prometheus.Desc
	connFailures     *prometheus.Desc
	connectedPeers   *prometheus.Desc
	averageLatency   *prometheus.Desc
	active           *prometheus.Desc
}

// NewMetricsCollector builds a collector reading from source.
func NewMetricsCollector(source StatsSource) *MetricsCollector {
	labels := []string{"transport"}
	return &MetricsCollector{
		source: source,
		messagesSent: prometheus.NewDesc(
			"bitchat_transport_messages_sent_total",
			"Messages successfully sent per transport.",
			labels, nil),
		messagesReceived: prometheus.NewDesc(
			"bitchat_transport_messages_received_total",
			"Messages received per transport.",
			labels, nil),
		sendFailures: prometheus.NewDesc(
			"bitchat_transport_send_failures_total",
			"Failed send attempts per transport.",
			labels, nil),
		bytesSent: prometheus.NewDesc(
			"bitchat_transport_bytes_sent_total",
			"Payload bytes sent per transport.",
			labels, nil),
		bytesReceived: prometheus.NewDesc(
			"bitchat_transport_bytes_received_total",
			"Payload bytes received per transport.",
			labels, nil),
		connAttempts: prometheus.NewDesc(
			"bitchat_transport_connection_attempts_total",
			"Outbound connection attempts per transport.",
			labels, nil),
		connSuccesses: prometheus.NewDesc(
			"bitchat_transport_successful_connections_total",
			"Successful connections per transport.",
			labels, nil),
		connFailures: prometheus.NewDesc(
			"bitchat_transport_failed_connections_total",
			"Failed connections per transport.",
			labels, nil),
		connectedPeers: prometheus.NewDesc(
			"bitchat_transport_connected_peers",
			"Peers currently connected per transport.",
			labels, nil),
		averageLatency: prometheus.NewDesc(
			"bitchat_transport_average_latency_ms",
			"Rolling average send latency in milliseconds per transport.",
			labels, nil),
		active: prometheus.NewDesc(
			"bitchat_transport_active",
			"Whether the transport is in Active state (1) or not (0).",
			labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.messagesSent
	ch <- c.messagesReceived
	ch <- c.sendFailures
	ch <- c.bytesSent
	ch <- c.bytesReceived
	ch <- c.connAttempts
	ch <- c.connSuccesses
	ch <- c.connFailures
	ch <- c.connectedPeers
	ch <- c.averageLatency
	ch <- c.active
}

// Collect implements prometheus.Collector.
func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for transportType, stats := range c.source.GetStats() {
		label := string(transportType)

		ch <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(stats.MessagesSent), label)
		ch <- prometheus.MustNewConstMetric(c.messagesReceived, prometheus.CounterValue, float64(stats.MessagesReceived), label)
		ch <- prometheus.MustNewConstMetric(c.sendFailures, prometheus.CounterValue, float64(stats.SendFailures), label)
		ch <- prometheus.MustNewConstMetric(c.bytesSent, prometheus.CounterValue, float64(stats.BytesSent), label)
		ch <- prometheus.MustNewConstMetric(c.bytesReceived, prometheus.CounterValue, float64(stats.BytesReceived), label)
		ch <- prometheus.MustNewConstMetric(c.connAttempts, prometheus.CounterValue, float64(stats.ConnectionAttempts), label)
		ch <- prometheus.MustNewConstMetric(c.connSuccesses, prometheus.CounterValue, float64(stats.SuccessfulConnections), label)
		ch <- prometheus.MustNewConstMetric(c.connFailures, prometheus.CounterValue, float64(stats.FailedConnections), label)
		ch <- prometheus.MustNewConstMetric(c.connectedPeers, prometheus.GaugeValue, float64(stats.ConnectedPeers), label)
		ch <- prometheus.MustNewConstMetric(c.averageLatency, prometheus.GaugeValue, stats.AverageLatency, label)

		activeVal := 0.0
		if stats.Status.IsActive() {
			activeVal = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, activeVal, label)
	}
}
