package prometheus

import (
	"strconv"

	"github.com/marmos91/pvaserver/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// pvaMetrics is the Prometheus implementation of metrics.PVAMetrics.
type pvaMetrics struct {
	connectionsAccepted *prometheus.CounterVec
	connectionsClosed   prometheus.Counter
	activeConnections   prometheus.Gauge
	messages            *prometheus.CounterVec
	bytes               *prometheus.CounterVec
	channelCreates      *prometheus.CounterVec
	searches            *prometheus.CounterVec
	beacons             prometheus.Counter
	backpressure        prometheus.Counter
	activeOperations    prometheus.Gauge
}

// NewPVAMetrics creates a new Prometheus-backed PVAMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewPVAMetrics() metrics.PVAMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopPVAMetrics()
	}

	reg := metrics.GetRegistry()

	return &pvaMetrics{
		connectionsAccepted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvaserver_connections_accepted_total",
				Help: "Total number of accepted client connections",
			},
			[]string{"secure"},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pvaserver_connections_closed_total",
				Help: "Total number of closed client connections",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "pvaserver_connections_active",
				Help: "Current number of client connections",
			},
		),
		messages: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvaserver_messages_total",
				Help: "Total number of application messages by command and direction",
			},
			[]string{"command", "direction"},
		),
		bytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvaserver_bytes_total",
				Help: "Total bytes moved over client connections",
			},
			[]string{"direction"},
		),
		channelCreates: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvaserver_channel_creates_total",
				Help: "Create-channel entries by outcome",
			},
			[]string{"outcome"},
		),
		searches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvaserver_search_requests_total",
				Help: "Search requests by transport and whether a response was sent",
			},
			[]string{"transport", "replied"},
		),
		beacons: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pvaserver_beacons_sent_total",
				Help: "Total number of beacon datagrams sent",
			},
		),
		backpressure: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "pvaserver_backpressure_pauses_total",
				Help: "Number of times a connection stopped reading because its send queue was full",
			},
		),
		activeOperations: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "pvaserver_operations_active",
				Help: "Current number of in-flight operations",
			},
		),
	}
}

func (m *pvaMetrics) RecordConnectionAccepted(secure bool) {
	m.connectionsAccepted.WithLabelValues(strconv.FormatBool(secure)).Inc()
}

func (m *pvaMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *pvaMetrics) SetActiveConnections(count int) {
	m.activeConnections.Set(float64(count))
}

func (m *pvaMetrics) RecordMessage(command, direction string) {
	m.messages.WithLabelValues(command, direction).Inc()
}

func (m *pvaMetrics) RecordBytes(direction string, n int) {
	m.bytes.WithLabelValues(direction).Add(float64(n))
}

func (m *pvaMetrics) RecordChannelCreate(outcome string) {
	m.channelCreates.WithLabelValues(outcome).Inc()
}

func (m *pvaMetrics) RecordSearch(transport string, replied bool) {
	m.searches.WithLabelValues(transport, strconv.FormatBool(replied)).Inc()
}

func (m *pvaMetrics) RecordBeacon() {
	m.beacons.Inc()
}

func (m *pvaMetrics) RecordBackpressure() {
	m.backpressure.Inc()
}

func (m *pvaMetrics) SetActiveOperations(count int) {
	m.activeOperations.Set(float64(count))
}
