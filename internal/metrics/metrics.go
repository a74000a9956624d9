package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sshtrace/internal/rtt"
	"sshtrace/internal/steppingstone"
)

const namespace = "sshtrace"

// Metrics holds the analysis collectors.
type Metrics struct {
	connections      prometheus.Counter
	connectionTypes  *prometheus.CounterVec
	steppingStones   prometheus.Counter
	insufficient     prometheus.Counter
	failures         prometheus.Counter
	rttDatagrams     *prometheus.CounterVec
	analysisDuration prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_analyzed_total",
			Help:      "Connections that went through the analysis pipeline.",
		}),
		connectionTypes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_types_total",
			Help:      "Connections per classifier label.",
		}, []string{"type"}),
		steppingStones: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stepping_stones_total",
			Help:      "Connections judged relayed through a stepping stone.",
		}),
		insufficient: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stepping_stone_insufficient_total",
			Help:      "Connections with too few client datagrams for stepping-stone detection.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_failures_total",
			Help:      "Connections whose analysis aborted.",
		}),
		rttDatagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rtt_datagrams_total",
			Help:      "Datagrams per RTT estimation source.",
		}, []string{"source"}),
		analysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Time spent analysing one connection.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	reg.MustRegister(
		m.connections,
		m.connectionTypes,
		m.steppingStones,
		m.insufficient,
		m.failures,
		m.rttDatagrams,
		m.analysisDuration,
	)
	return m
}

// ObserveRTT counts the datagrams of one estimation pass by source.
func (m *Metrics) ObserveRTT(s rtt.Stats) {
	m.rttDatagrams.WithLabelValues("matched").Add(float64(s.Matched))
	m.rttDatagrams.WithLabelValues("interpolated").Add(float64(s.Interpolated))
	m.rttDatagrams.WithLabelValues("filled").Add(float64(s.Filled))
	m.rttDatagrams.WithLabelValues("unset").Add(float64(s.Unset))
}

// ObserveConnection records the outcome of one analysed connection.
func (m *Metrics) ObserveConnection(connType string, v steppingstone.Verdict, took time.Duration) {
	m.connections.Inc()
	m.connectionTypes.WithLabelValues(connType).Inc()
	if v.SteppingStone {
		m.steppingStones.Inc()
	}
	if v.Insufficient {
		m.insufficient.Inc()
	}
	m.analysisDuration.Observe(took.Seconds())
}

// ObserveFailure counts an aborted analysis.
func (m *Metrics) ObserveFailure() {
	m.failures.Inc()
}
