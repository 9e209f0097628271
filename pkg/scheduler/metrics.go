package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recordgw_scheduler_queue_depth",
		Help: "Operations waiting in the scheduler queue by lane",
	}, []string{"lane"})

	windowCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recordgw_scheduler_window_count",
		Help: "Dispatches inside the current rate window",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recordgw_scheduler_in_flight",
		Help: "Dispatched operations awaiting a response",
	})

	dispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_scheduler_dispatched_total",
		Help: "Total operations dispatched by lane",
	}, []string{"lane"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordgw_scheduler_rate_limited_total",
		Help: "Total 429 responses absorbed by the scheduler by lane",
	}, []string{"lane"})

	queueWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordgw_scheduler_queue_wait_seconds",
		Help:    "Time between enqueue and dispatch by lane",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"lane"})
)
