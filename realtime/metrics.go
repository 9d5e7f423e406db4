package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the gateway.
type Metrics struct {
	clientsConnected  prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesReceived  *prometheus.CounterVec
	broadcastsTotal   *prometheus.CounterVec
	dedupTotal        *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
}

// newMetrics creates and registers gateway metrics. A nil registerer
// disables metrics.
func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cgm_relay",
			Subsystem: "realtime",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "realtime",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "realtime",
			Name:      "messages_received_total",
			Help:      "Total messages received from clients",
		}, []string{"event"}),
		broadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Total broadcasts sent",
		}, []string{"event"}),
		dedupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "realtime",
			Name:      "dedup_total",
			Help:      "dbAdd outcomes by duplicate verdict",
		}, []string{"collection", "verdict"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "realtime",
			Name:      "errors_total",
			Help:      "Gateway errors",
		}, []string{"error_type"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cgm_relay",
			Subsystem: "realtime",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to send a broadcast to all clients",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}
	for _, c := range []prometheus.Collector{
		m.clientsConnected,
		m.connectionsTotal,
		m.messagesReceived,
		m.broadcastsTotal,
		m.dedupTotal,
		m.errorsTotal,
		m.broadcastDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connected(n int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.clientsConnected.Set(float64(n))
}

func (m *Metrics) disconnected(n int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(n))
}

func (m *Metrics) received(event string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) broadcast(event string, seconds float64) {
	if m == nil {
		return
	}
	m.broadcastsTotal.WithLabelValues(event).Inc()
	m.broadcastDuration.Observe(seconds)
}

func (m *Metrics) dedup(collection string, v Verdict) {
	if m == nil {
		return
	}
	m.dedupTotal.WithLabelValues(collection, v.String()).Inc()
}

func (m *Metrics) fail(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}
