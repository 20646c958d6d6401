package tool

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsInterceptor records per-tool call counts, failures, cache
// hits, and latency.
type MetricsInterceptor struct {
	Base
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	hits     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetricsInterceptor creates the metrics interceptor, registering
// its collectors with reg. Pass nil for the default registerer.
func NewMetricsInterceptor(reg prometheus.Registerer) *MetricsInterceptor {
	factory := promauto.With(reg)
	return &MetricsInterceptor{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Number of tool invocations.",
		}, []string{"tool"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "tools",
			Name:      "failures_total",
			Help:      "Number of failed tool invocations.",
		}, []string{"tool"}),
		hits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archflow",
			Subsystem: "tools",
			Name:      "cache_hits_total",
			Help:      "Number of tool invocations served from cache.",
		}, []string{"tool"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archflow",
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Wall time of tool bodies, excluding cached calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"tool"}),
	}
}

// Name implements Interceptor.
func (m *MetricsInterceptor) Name() string { return "metrics" }

// Order implements Interceptor.
func (m *MetricsInterceptor) Order() int { return MinOrder + 150 }

// BeforeExecute implements Interceptor.
func (m *MetricsInterceptor) BeforeExecute(ctx context.Context, inv *Invocation) (context.Context, *Result, error) {
	m.calls.WithLabelValues(inv.Tool).Inc()
	return ctx, nil, nil
}

// AfterExecute implements Interceptor.
func (m *MetricsInterceptor) AfterExecute(ctx context.Context, inv *Invocation, result *Result) {
	if result.Cached {
		m.hits.WithLabelValues(inv.Tool).Inc()
		return
	}
	m.duration.WithLabelValues(inv.Tool).Observe(result.Duration.Seconds())
}

// OnError implements Interceptor.
func (m *MetricsInterceptor) OnError(ctx context.Context, inv *Invocation, err error) error {
	m.failures.WithLabelValues(inv.Tool).Inc()
	return err
}
