package engine

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "exchange"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Order submissions, labelled by result code.
	Orders metrics.Counter
	// Matches attempted, labelled by counterparty (client / market) and
	// outcome.
	Matches metrics.Counter
	// Remainders persisted as resting orders.
	Resting metrics.Counter
	// Orders deactivated because they expired.
	Expired metrics.Counter
	// Time spent in one resting-order sweep, in seconds.
	SweepDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Orders: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "orders_total",
			Help:      "Order submissions by result code.",
		}, []string{"result"}),
		Matches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "matches_total",
			Help:      "Matches attempted by counterparty and outcome.",
		}, []string{"counterparty", "outcome"}),
		Resting: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "resting_orders_total",
			Help:      "Unmatched remainders stored as resting orders.",
		}, []string{}),
		Expired: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "expired_orders_total",
			Help:      "Orders deactivated on expiry.",
		}, []string{}),
		SweepDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a resting-order sweep.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Orders:        discard.NewCounter(),
		Matches:       discard.NewCounter(),
		Resting:       discard.NewCounter(),
		Expired:       discard.NewCounter(),
		SweepDuration: discard.NewHistogram(),
	}
}
