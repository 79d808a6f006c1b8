package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the tick loop counters of a rank.
type Metrics struct {
	ticks      prometheus.Counter
	executed   prometheus.Counter
	changed    prometheus.Counter
	recomputed prometheus.Counter
	scheduled  *prometheus.CounterVec
	tickTime   prometheus.Histogram
	mirrors    prometheus.Gauge
}

// NewMetrics registers the tick loop metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Name: "episim_ticks_total",
			Help: "Completed simulation ticks",
		}),
		executed: f.NewCounter(prometheus.CounterOpts{
			Name: "episim_actions_executed_total",
			Help: "Actions executed by the action queue",
		}),
		changed: f.NewCounter(prometheus.CounterOpts{
			Name: "episim_actions_changed_total",
			Help: "Executed actions that changed their target",
		}),
		recomputed: f.NewCounter(prometheus.CounterOpts{
			Name: "episim_graph_recomputed_total",
			Help: "Non-static dependency graph nodes recomputed",
		}),
		scheduled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "episim_actions_scheduled_total",
			Help: "Actions scheduled by source",
		}, []string{"source"}),
		tickTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "episim_tick_duration_seconds",
			Help:    "Wall time of one tick in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		mirrors: f.NewGauge(prometheus.GaugeOpts{
			Name: "episim_mirrors",
			Help: "Remote nodes mirrored by this rank",
		}),
	}
}
