package broadcaster

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "broadcast"

type Metrics struct {
	// Notifications delivered to the sink.
	NotificationsSent metrics.Counter
	// Notifications overwritten in a full queue.
	NotificationsDropped metrics.Counter
	// Sink deliveries that returned an error.
	SinkErrors metrics.Counter
	// Withdrawals acknowledged by the broker.
	WithdrawalsSent metrics.Counter
	// Withdrawals moved to FAILED.
	WithdrawalFailures metrics.Counter
	// Notifications waiting in the queue.
	QueueLength metrics.Gauge
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		NotificationsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "notifications_sent",
			Help:      "Number of notifications delivered.",
		}, []string{}),
		NotificationsDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "notifications_dropped",
			Help:      "Number of notifications dropped by a full queue.",
		}, []string{}),
		SinkErrors: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sink_errors",
			Help:      "Number of failed sink deliveries.",
		}, []string{}),
		WithdrawalsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "withdrawals_sent",
			Help:      "Number of withdrawals relayed.",
		}, []string{}),
		WithdrawalFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "withdrawal_failures",
			Help:      "Number of withdrawals that ran out of retries.",
		}, []string{}),
		QueueLength: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_length",
			Help:      "Notifications waiting for delivery.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		NotificationsSent:    discard.NewCounter(),
		NotificationsDropped: discard.NewCounter(),
		SinkErrors:           discard.NewCounter(),
		WithdrawalsSent:      discard.NewCounter(),
		WithdrawalFailures:   discard.NewCounter(),
		QueueLength:          discard.NewGauge(),
	}
}
