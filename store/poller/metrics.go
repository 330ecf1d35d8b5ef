package poller

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds poller OpenTelemetry metric instruments.
type Metrics struct {
	iterationsTotal   metric.Int64Counter
	iterationDuration metric.Float64Histogram
	reapedTotal       metric.Int64Counter
	reservedTotal     metric.Int64Counter
	acknowledgedTotal metric.Int64Counter
	retriedTotal      metric.Int64Counter
	deadLetteredTotal metric.Int64Counter
	lastRunTimestamp  metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	iterationsTotal, err := meter.Int64Counter(
		"tiered_cache_poller_iterations_total",
		metric.WithDescription("Total number of completed poll iterations"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, err
	}

	iterationDuration, err := meter.Float64Histogram(
		"tiered_cache_poller_iteration_duration_seconds",
		metric.WithDescription("Poll iteration duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return nil, err
	}

	reapedTotal, err := meter.Int64Counter(
		"tiered_cache_poller_reaped_total",
		metric.WithDescription("Total number of expired leases returned to pending"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	reservedTotal, err := meter.Int64Counter(
		"tiered_cache_poller_reserved_total",
		metric.WithDescription("Total number of entries reserved for dispatch"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	acknowledgedTotal, err := meter.Int64Counter(
		"tiered_cache_poller_acknowledged_total",
		metric.WithDescription("Total number of entries handled successfully"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	retriedTotal, err := meter.Int64Counter(
		"tiered_cache_poller_retried_total",
		metric.WithDescription("Total number of failed entries returned to pending"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	deadLetteredTotal, err := meter.Int64Counter(
		"tiered_cache_poller_dead_lettered_total",
		metric.WithDescription("Total number of entries moved to the dead-letter queue"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"tiered_cache_poller_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of the last completed poll iteration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		iterationsTotal:   iterationsTotal,
		iterationDuration: iterationDuration,
		reapedTotal:       reapedTotal,
		reservedTotal:     reservedTotal,
		acknowledgedTotal: acknowledgedTotal,
		retriedTotal:      retriedTotal,
		deadLetteredTotal: deadLetteredTotal,
		lastRunTimestamp:  lastRunTimestamp,
	}, nil
}
