package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for planning operations.
type Metrics struct {
	Solves         *prometheus.CounterVec
	SolveDuration  prometheus.Histogram
	PlacedTasks    prometheus.Histogram
	Repairs        *prometheus.CounterVec
	RepairDuration prometheus.Histogram
	Escalations    prometheus.Counter
}

// NewMetrics registers the planning metrics against the given registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Solves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldline_solves_total",
				Help: "Total number of solve passes",
			},
			[]string{"outcome"},
		),
		SolveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fieldline_solve_duration_seconds",
				Help:    "Solve pass duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		PlacedTasks: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fieldline_solve_placed_tasks",
				Help:    "Number of tasks placed per solve pass",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
			},
		),
		Repairs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldline_repairs_total",
				Help: "Total number of repair passes",
			},
			[]string{"outcome"},
		),
		RepairDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fieldline_repair_duration_seconds",
				Help:    "Repair pass duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		Escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldline_escalations_total",
				Help: "Total number of tasks escalated by repair",
			},
		),
	}
}
