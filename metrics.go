package miio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// clientMetrics is the Prometheus instrumentation surface for a Client,
// grouped the way vango-dev/vango/pkg/middleware groups its metrics: a
// small struct of pre-registered collectors built once from a
// MetricsConfig, with every method a no-op-safe increment/observe.
type clientMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	retriesTotal    prometheus.Counter
	handshakesTotal prometheus.Counter
	pendingCalls    prometheus.Gauge
}

// MetricsConfig configures the Prometheus instrumentation registered by
// NewClient. A zero MetricsConfig registers into a private registry that
// nothing scrapes, so metrics are always safe to leave enabled.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "miio").
	Namespace string
	// Subsystem is the metrics subsystem (default: "client").
	Subsystem string
	// ConstLabels are constant labels added to every metric.
	ConstLabels prometheus.Labels
	// Registry is where the collectors are registered (default: a fresh
	// private registry).
	Registry prometheus.Registerer
}

func newClientMetrics(cfg MetricsConfig) *clientMetrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "miio"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "client"
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &clientMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "requests_total",
			Help:        "Total method calls attempted, by method.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"method"}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Latency of a resolved method call, from submission to reply.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "retries_total",
			Help:        "Total retry attempts consumed across all calls.",
			ConstLabels: cfg.ConstLabels,
		}),
		handshakesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "handshakes_total",
			Help:        "Total handshakes performed.",
			ConstLabels: cfg.ConstLabels,
		}),
		pendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "pending_calls",
			Help:        "Number of calls currently awaiting a reply or timeout.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}
