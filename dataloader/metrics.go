package dataloader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for snapshot reloads.
type Metrics struct {
	reloads        prometheus.Counter
	reloadErrors   prometheus.Counter
	reloadDuration prometheus.Histogram
	triggers       prometheus.Counter
}

// newMetrics creates and registers loader metrics. A nil registerer
// disables metrics.
func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "dataloader",
			Name:      "reloads_total",
			Help:      "Total number of snapshot reloads",
		}),
		reloadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "dataloader",
			Name:      "reload_errors_total",
			Help:      "Total number of failed snapshot reloads",
		}),
		reloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cgm_relay",
			Subsystem: "dataloader",
			Name:      "reload_duration_seconds",
			Help:      "Snapshot reload duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		triggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "dataloader",
			Name:      "reload_triggers_total",
			Help:      "Total number of reload requests, before coalescing",
		}),
	}
	for _, c := range []prometheus.Collector{m.reloads, m.reloadErrors, m.reloadDuration, m.triggers} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordReload(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.reloads.Inc()
	m.reloadDuration.Observe(d.Seconds())
	if err != nil {
		m.reloadErrors.Inc()
	}
}

func (m *Metrics) recordTrigger() {
	if m == nil {
		return
	}
	m.triggers.Inc()
}
