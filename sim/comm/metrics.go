package comm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts communicator traffic. A nil *Metrics disables counting.
type Metrics struct {
	// operations counts completed access pattern calls by pattern
	operations *prometheus.CounterVec
	// bytesSent counts payload bytes handed to the transport by pattern
	bytesSent *prometheus.CounterVec
	// rmaLatency tracks one-sided operation round trips
	rmaLatency prometheus.Histogram
}

// NewMetrics registers the communicator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "episim_comm_operations_total",
			Help: "Completed communication pattern calls by pattern",
		}, []string{"pattern"}),
		bytesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "episim_comm_bytes_sent_total",
			Help: "Payload bytes sent by pattern",
		}, []string{"pattern"}),
		rmaLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "episim_comm_rma_duration_seconds",
			Help:    "Round trip of one-sided window operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}
}

func (m *Metrics) operation(tag Tag) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(tag.String()).Inc()
}

func (m *Metrics) sent(tag Tag, n int) {
	if m == nil {
		return
	}
	m.bytesSent.WithLabelValues(tag.String()).Add(float64(n))
}

func (m *Metrics) rma(seconds float64) {
	if m == nil {
		return
	}
	m.rmaLatency.Observe(seconds)
}
