package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics aggregates the Prometheus collectors for the engine.
type engineMetrics struct {
	flowsStarted   *prometheus.CounterVec
	flowsFinished  *prometheus.CounterVec
	flowsRejected  prometheus.Counter
	activeFlows    prometheus.Gauge
	flowDuration   *prometheus.HistogramVec
	stepDuration   prometheus.Histogram
	pauseRequests  prometheus.Counter
	cancelRequests prometheus.Counter
}

// newEngineMetrics registers the engine collectors. Pass nil to use the
// default registerer.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	return &engineMetrics{
		flowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "flows_started_total",
			Help:      "Number of flow runs admitted, by flow id.",
		}, []string{"flow"}),
		flowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "flows_finished_total",
			Help:      "Number of flow runs reaching a terminal status.",
		}, []string{"flow", "status"}),
		flowsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "flows_rejected_total",
			Help:      "Number of flow runs rejected at the capacity limit.",
		}),
		activeFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "active_flows",
			Help:      "Number of currently active flow runs.",
		}),
		flowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "flow_duration_seconds",
			Help:      "Wall time of flow runs from admission to termination.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"flow"}),
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Wall time of individual step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}),
		pauseRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "pause_requests_total",
			Help:      "Number of pause requests accepted.",
		}),
		cancelRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "engine",
			Name:      "cancel_requests_total",
			Help:      "Number of cancel requests accepted.",
		}),
	}
}
