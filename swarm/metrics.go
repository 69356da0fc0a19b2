package swarm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what this process serves to peers.  A nil *Metrics
// records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	entries   prometheus.Counter
	bytes     prometheus.Counter
	liveConns prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	return &Metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "pitupdate",
			Name:      "swarm_requests_total",
			Help:      "Peer requests by route and status code",
		}, []string{"route", "code"}),
		entries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pitupdate",
			Name:      "swarm_entries_served_total",
			Help:      "Feed entries served to peers",
		}),
		bytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pitupdate",
			Name:      "swarm_payload_bytes_served_total",
			Help:      "Entry payload bytes served to peers",
		}),
		liveConns: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "pitupdate",
			Name:      "swarm_live_connections",
			Help:      "Open live update connections",
		}),
	}
}

func (m *Metrics) request(route string, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) served(n int) {
	if m == nil {
		return
	}
	m.entries.Inc()
	m.bytes.Add(float64(n))
}

func (m *Metrics) live(delta float64) {
	if m == nil {
		return
	}
	m.liveConns.Add(delta)
}
