package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics records launcher events for the /metrics endpoint. Each App owns
// its registry.
type metrics struct {
	registry    *prometheus.Registry
	started     prometheus.Counter
	exited      *prometheus.CounterVec
	joined      prometheus.Counter
	joinLatency prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpiprobe",
			Name:      "ranks_started_total",
			Help:      "Rank processes started by the launcher.",
		}),
		exited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mpiprobe",
			Name:      "ranks_exited_total",
			Help:      "Rank processes that exited, by result.",
		}, []string{"result"}),
		joined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mpiprobe",
			Name:      "ranks_joined_total",
			Help:      "Ranks that joined the rendezvous coordinator.",
		}),
		joinLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mpiprobe",
			Name:      "join_latency_seconds",
			Help:      "Time from coordinator start to a rank joining.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
	}
	m.registry.MustRegister(m.started, m.exited, m.joined, m.joinLatency)
	return m
}

func (m *metrics) RankStarted(int, string) {
	m.started.Inc()
}

func (m *metrics) RankExited(_ int, _ int, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.exited.WithLabelValues(result).Inc()
}

func (m *metrics) RankJoined(_ int, latency time.Duration) {
	m.joined.Inc()
	m.joinLatency.Observe(latency.Seconds())
}
