package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for entries ingestion.
type Metrics struct {
	entries *prometheus.CounterVec
	lagSecs prometheus.Histogram
}

// newMetrics creates and registers bridge metrics. A nil registerer
// disables metrics.
func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cgm_relay",
			Subsystem: "bridge",
			Name:      "entries_total",
			Help:      "Entries received from the transport by outcome",
		}, []string{"result"}),
		lagSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cgm_relay",
			Subsystem: "bridge",
			Name:      "entry_lag_seconds",
			Help:      "Delay between an entry's reading time and its ingestion",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
	}
	for _, c := range []prometheus.Collector{m.entries, m.lagSecs} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) record(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.entries.WithLabelValues(result).Add(float64(n))
}

func (m *Metrics) lag(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.lagSecs.Observe(d.Seconds())
}
