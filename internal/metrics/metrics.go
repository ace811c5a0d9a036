// Package metrics provides Prometheus metrics for Muti Relay.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "muti_relay"
)

// Route labels for routed messages and delivery failures.
const (
	RouteBroadcast = "broadcast"
	RoutePrivate   = "private"
	RouteServer    = "server"
)

// Metrics contains all Prometheus metrics for the relay server.
type Metrics struct {
	// Session metrics
	SessionsActive      prometheus.Gauge
	SessionsTotal       *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	ConnectionsRejected *prometheus.CounterVec
	HandshakeFailures   *prometheus.CounterVec
	HandshakeLatency    prometheus.Histogram

	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FrameErrors    *prometheus.CounterVec
	BytesReceived  prometheus.Counter
	BytesSent      prometheus.Counter

	// Routing metrics
	MessagesRouted   *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec

	// Transfer metrics
	TransfersActive    prometheus.Gauge
	TransfersStarted   prometheus.Counter
	TransfersCompleted prometheus.Counter
	TransfersAborted   *prometheus.CounterVec
	TransferBytes      prometheus.Counter
	TransferDuration   prometheus.Histogram
	ChecksumMismatches prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently registered sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total sessions registered by transport",
		}, []string{"transport"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of session lifetimes",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600, 24 * 3600},
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connections refused before the handshake by reason",
		}, []string{"reason"}),
		HandshakeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Failed join handshakes by reason",
		}, []string{"reason"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of time from accept to registration",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),

		// Frame metrics
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total frames received by envelope kind",
		}, []string{"kind"}),
		FramesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total frames sent by envelope kind",
		}, []string{"kind"}),
		FrameErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Connections dropped for protocol errors by reason",
		}, []string{"reason"}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total frame bytes received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total frame bytes sent",
		}),

		// Routing metrics
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_routed_total",
			Help:      "Messages routed by kind and route",
		}, []string{"kind", "route"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Per-recipient delivery failures by route",
		}, []string{"route"}),

		// Transfer metrics
		TransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_active",
			Help:      "Number of uploads currently being received",
		}),
		TransfersStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_started_total",
			Help:      "Total uploads started",
		}),
		TransfersCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_completed_total",
			Help:      "Total uploads completed",
		}),
		TransfersAborted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_aborted_total",
			Help:      "Uploads torn down without completion by reason",
		}, []string{"reason"}),
		TransferBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Total file bytes written by the server",
		}),
		TransferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Histogram of completed upload durations",
			Buckets:   []float64{.01, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		ChecksumMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_mismatches_total",
			Help:      "Completed uploads whose announced checksum did not match",
		}),
	}

	return m
}

// RecordSessionOpen records a session registered over transport.
func (m *Metrics) RecordSessionOpen(transport string, handshakeSeconds float64) {
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues(transport).Inc()
	m.HandshakeLatency.Observe(handshakeSeconds)
}

// RecordSessionClose records a session leaving after lifetimeSeconds.
func (m *Metrics) RecordSessionClose(lifetimeSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(lifetimeSeconds)
}

// RecordConnectionRejected records a connection refused before the handshake.
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordHandshakeFailure records a failed join handshake.
func (m *Metrics) RecordHandshakeFailure(reason string) {
	m.HandshakeFailures.WithLabelValues(reason).Inc()
}

// RecordFrameReceived records an inbound frame.
func (m *Metrics) RecordFrameReceived(kind string, bytes int) {
	m.FramesReceived.WithLabelValues(kind).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordFrameSent records an outbound frame.
func (m *Metrics) RecordFrameSent(kind string, bytes int) {
	m.FramesSent.WithLabelValues(kind).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordFrameError records a connection dropped for a protocol error.
func (m *Metrics) RecordFrameError(reason string) {
	m.FrameErrors.WithLabelValues(reason).Inc()
}

// RecordRouted records a message routed to its recipients.
func (m *Metrics) RecordRouted(kind, route string) {
	m.MessagesRouted.WithLabelValues(kind, route).Inc()
}

// RecordDeliveryFailure records a failed send to one recipient.
func (m *Metrics) RecordDeliveryFailure(route string) {
	m.DeliveryFailures.WithLabelValues(route).Inc()
}

// RecordTransferStart records an upload session starting.
func (m *Metrics) RecordTransferStart() {
	m.TransfersActive.Inc()
	m.TransfersStarted.Inc()
}

// RecordTransferBytes records file bytes written.
func (m *Metrics) RecordTransferBytes(bytes int) {
	m.TransferBytes.Add(float64(bytes))
}

// RecordTransferComplete records a completed upload.
func (m *Metrics) RecordTransferComplete(durationSeconds float64, checksumOK bool) {
	m.TransfersActive.Dec()
	m.TransfersCompleted.Inc()
	m.TransferDuration.Observe(durationSeconds)
	if !checksumOK {
		m.ChecksumMismatches.Inc()
	}
}

// RecordTransferAbort records an upload torn down without completion.
func (m *Metrics) RecordTransferAbort(reason string) {
	m.TransfersActive.Dec()
	m.TransfersAborted.WithLabelValues(reason).Inc()
}
