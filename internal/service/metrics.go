package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the service's Prometheus collectors.
type Metrics struct {
	queryTotal      *prometheus.CounterVec
	queryDuration   prometheus.Histogram
	queryConfidence prometheus.Histogram
	queryHops       prometheus.Histogram
	edgeDecisions   *prometheus.CounterVec
	locateTotal     *prometheus.CounterVec
	graphNodes      prometheus.Gauge
	graphEdges      prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// queryTotal counts point queries by outcome
		queryTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arclimb_query_total",
			Help: "Total point queries by outcome",
		}, []string{"outcome"}), // "ok", "no_path", "unmappable", "error"

		queryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arclimb_query_duration_seconds",
			Help:    "Point query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~80ms
		}),

		queryConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arclimb_query_confidence",
			Help:    "Composed confidence of answered queries",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),

		queryHops: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arclimb_query_hops",
			Help:    "Edges on the winning path of answered queries",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
		}),

		// edgeDecisions counts edge builder outcomes by reason
		edgeDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arclimb_edge_decisions_total",
			Help: "Edge builder decisions by reason",
		}, []string{"reason"}),

		locateTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arclimb_locate_total",
			Help: "Entry point searches by outcome",
		}, []string{"outcome"}),

		graphNodes: f.NewGauge(prometheus.GaugeOpts{
			Name: "arclimb_graph_nodes",
			Help: "Nodes in the published graph",
		}),

		graphEdges: f.NewGauge(prometheus.GaugeOpts{
			Name: "arclimb_graph_edges",
			Help: "Edges in the published graph",
		}),
	}
}
