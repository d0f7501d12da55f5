package relsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recomputations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filtered_relation_recomputations_total",
		Help: "Filtered field recomputations by outcome (written, unchanged, skipped, failed)",
	}, []string{"outcome"})

	recomputeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "filtered_relation_recompute_seconds",
		Help:    "Duration of one filtered field recomputation",
		Buckets: prometheus.DefBuckets,
	})

	moves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filtered_relation_moves_total",
		Help: "Move operations by outcome",
	}, []string{"outcome"})

	cascadeStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filtered_relation_cascade_stops_total",
		Help: "Change events not processed because the cascade depth limit was reached",
	})

	stuckMoves = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "filtered_relation_moves_stuck_in_transit",
		Help: "Journal entries left in transit longer than the configured threshold",
	})
)

func recomputeOutcome(c *Computation, err error) string {
	switch {
	case err != nil:
		return "failed"
	case c.Skipped:
		return "skipped"
	case c.Written:
		return "written"
	default:
		return "unchanged"
	}
}
