package service

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "engine"

// Metrics contains metrics exposed by the engine and its runner.
type Metrics struct {
	// Batches applied by the engine.
	BatchesApplied metrics.Counter
	// Batches dropped because their index was already applied.
	BatchesSkipped metrics.Counter
	// Transactions that changed state.
	TxsApplied metrics.Counter
	// Transactions rejected by the engine, labelled by reason.
	TxsRejected metrics.Counter
	// Transactions dropped by decoding or signature verification.
	VerifyFailures metrics.Counter
	// Snapshots written to the store.
	SnapshotsSaved metrics.Counter
	// Internal consistency failures that were logged and skipped.
	InvariantViolations metrics.Counter
	// Arrival index of the last applied batch.
	LastIndex metrics.Gauge
	// Number of markets with state.
	Markets metrics.Gauge
	// Time spent applying one batch.
	BatchSeconds metrics.Histogram
	// Size of serialized snapshots.
	SnapshotBytes metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		BatchesApplied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "batches_applied",
			Help:      "Number of batches applied.",
		}, []string{}),
		BatchesSkipped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "batches_skipped",
			Help:      "Number of redelivered batches dropped by the index watermark.",
		}, []string{}),
		TxsApplied: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "txs_applied",
			Help:      "Number of transactions applied.",
		}, []string{}),
		TxsRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "txs_rejected",
			Help:      "Number of transactions rejected, by reason.",
		}, []string{"reason"}),
		VerifyFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "verify_failures",
			Help:      "Number of transactions dropped before the engine.",
		}, []string{}),
		SnapshotsSaved: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "snapshots_saved",
			Help:      "Number of snapshots written.",
		}, []string{}),
		InvariantViolations: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invariant_violations",
			Help:      "Number of internal consistency failures.",
		}, []string{}),
		LastIndex: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "last_index",
			Help:      "Arrival index of the last applied batch.",
		}, []string{}),
		Markets: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "markets",
			Help:      "Number of markets.",
		}, []string{}),
		BatchSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "batch_seconds",
			Help:      "Time spent applying one batch.",
			Buckets:   stdprometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{}),
		SnapshotBytes: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "snapshot_bytes",
			Help:      "Size of serialized snapshots in bytes.",
			Buckets:   stdprometheus.ExponentialBuckets(1024, 4, 12),
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BatchesApplied:      discard.NewCounter(),
		BatchesSkipped:      discard.NewCounter(),
		TxsApplied:          discard.NewCounter(),
		TxsRejected:         discard.NewCounter(),
		VerifyFailures:      discard.NewCounter(),
		SnapshotsSaved:      discard.NewCounter(),
		InvariantViolations: discard.NewCounter(),
		LastIndex:           discard.NewGauge(),
		Markets:             discard.NewGauge(),
		BatchSeconds:        discard.NewHistogram(),
		SnapshotBytes:       discard.NewHistogram(),
	}
}
