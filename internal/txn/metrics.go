package txn

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "txn"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of transactions opened by the coordinator.
	Opened metrics.Counter
	// Number of transactions decided, labelled by outcome.
	Decided metrics.Counter
	// Transactions opened but not yet finished.
	InFlight metrics.Gauge
	// Time from open to the last completion signal, in seconds.
	Duration metrics.Histogram
	// Votes received, labelled yes / no / timeout.
	Votes metrics.Counter
	// Failed prepares on participants.
	PrepareFailures metrics.Counter
	// Commit attempts that had to be retried.
	CommitRetries metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Opened: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "opened_total",
			Help:      "Number of transactions opened by the coordinator.",
		}, []string{}),
		Decided: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "decided_total",
			Help:      "Number of transactions decided, by outcome.",
		}, []string{"outcome"}),
		InFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "in_flight",
			Help:      "Transactions opened but not yet finished.",
		}, []string{}),
		Duration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Time from open to finish of a transaction.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{}),
		Votes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "votes_total",
			Help:      "Votes collected by the coordinator.",
		}, []string{"vote"}),
		PrepareFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "prepare_failures_total",
			Help:      "Prepares that ended in FAILED on a participant.",
		}, []string{}),
		CommitRetries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "commit_retries_total",
			Help:      "Commit deliveries that had to be retried.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Opened:          discard.NewCounter(),
		Decided:         discard.NewCounter(),
		InFlight:        discard.NewGauge(),
		Duration:        discard.NewHistogram(),
		Votes:           discard.NewCounter(),
		PrepareFailures: discard.NewCounter(),
		CommitRetries:   discard.NewCounter(),
	}
}
