package networking

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the transport counters. A nil *Metrics is valid and records
// nothing, so connections built without metrics need no special casing.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal *prometheus.CounterVec
	ConnectionsAlive prometheus.Gauge
	FramesReceived   *prometheus.CounterVec
	FramesSent       *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	ReadErrors       prometheus.Counter
	SendErrors       prometheus.Counter
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_connections_total",
			Help: "Connections established, by direction (inbound or outbound).",
		}, []string{"direction"}),
		ConnectionsAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_connections_alive",
			Help: "Connections that have not been disconnected yet.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_frames_received_total",
			Help: "Frames decoded from peers, by kind.",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_frames_sent_total",
			Help: "Frames written to peers, by kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_decode_errors_total",
			Help: "Inbound frames discarded because they could not be decoded.",
		}),
		ReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_read_errors_total",
			Help: "Socket read errors other than a clean close.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_send_errors_total",
			Help: "Failed socket writes.",
		}),
	}
	m.registry.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsAlive,
		m.FramesReceived,
		m.FramesSent,
		m.DecodeErrors,
		m.ReadErrors,
		m.SendErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) connectionOpened(direction string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(direction).Inc()
	m.ConnectionsAlive.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsAlive.Dec()
}

func (m *Metrics) frameReceived(kind MessageKind) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) frameSent(kind MessageKind) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) decodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) readError() {
	if m != nil {
		m.ReadErrors.Inc()
	}
}

func (m *Metrics) sendError() {
	if m != nil {
		m.SendErrors.Inc()
	}
}
