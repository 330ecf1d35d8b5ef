package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/tiered-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	// L1 cache metrics
	cacheLookupsTotal        metric.Int64Counter
	cacheEvictionsTotal      metric.Int64Counter
	cacheEvictionCyclesTotal metric.Int64Counter
	cachePromotionsTotal     metric.Int64Counter
	cacheEntries             metric.Int64Gauge
	promotionQueueDepth      metric.Int64Gauge

	// Outbox metrics
	outboxTransitionsTotal metric.Int64Counter
	outboxOpDuration       metric.Float64Histogram
	outboxEntries          metric.Int64Gauge

	// Reaper metrics
	reaperRecoveredTotal metric.Int64Counter
	reaperDuration       metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

// UseMeterProvider rebuilds the global instruments on mp and returns a func
// restoring the previous set. Tests in other packages pair it with a
// ManualReader.
func UseMeterProvider(mp *sdkmetric.MeterProvider) (restore func(), err error) {
	m, err := newMetrics(mp)
	if err != nil {
		return nil, err
	}
	prev := globalMetrics
	globalMetrics = m
	return func() { globalMetrics = prev }, nil
}

// Meter returns the meter used by the global instruments, or nil before
// InitMetrics has run.
func Meter() metric.Meter {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.meterProvider.Meter(meterName)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tiered-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp)
	if err != nil {
		return err
	}
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on a meter from mp.
func newMetrics(mp *sdkmetric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"tiered_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"tiered_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"tiered_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	requestsByEndpointTotal, err := meter.Int64Counter(
		"tiered_cache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	cacheLookupsTotal, err := meter.Int64Counter(
		"tiered_cache_l1_lookups_total",
		metric.WithDescription("Total L1 cache lookups by result (hit, miss)"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	cacheEvictionsTotal, err := meter.Int64Counter(
		"tiered_cache_l1_evictions_total",
		metric.WithDescription("Total entries evicted from the L1 cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	cacheEvictionCyclesTotal, err := meter.Int64Counter(
		"tiered_cache_l1_eviction_cycles_total",
		metric.WithDescription("Total L1 eviction passes"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	cachePromotionsTotal, err := meter.Int64Counter(
		"tiered_cache_l1_promotions_total",
		metric.WithDescription("Total promotion candidates enqueued"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, err
	}

	cacheEntries, err := meter.Int64Gauge(
		"tiered_cache_l1_entries",
		metric.WithDescription("Current number of entries in the L1 cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	promotionQueueDepth, err := meter.Int64Gauge(
		"tiered_cache_l1_promotion_queue_depth",
		metric.WithDescription("Current number of queued promotion candidates"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		return nil, err
	}

	outboxTransitionsTotal, err := meter.Int64Counter(
		"tiered_cache_outbox_transitions_total",
		metric.WithDescription("Total outbox entry state transitions"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	outboxOpDuration, err := meter.Float64Histogram(
		"tiered_cache_outbox_op_duration_seconds",
		metric.WithDescription("Duration of outbox operations including commit"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	outboxEntries, err := meter.Int64Gauge(
		"tiered_cache_outbox_entries",
		metric.WithDescription("Current number of outbox entries per bucket"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	reaperRecoveredTotal, err := meter.Int64Counter(
		"tiered_cache_reaper_recovered_total",
		metric.WithDescription("Total entries recovered by reapers"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	reaperDuration, err := meter.Float64Histogram(
		"tiered_cache_reaper_duration_seconds",
		metric.WithDescription("Duration of reaper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		requestsTotal:            requestsTotal,
		responseBytesTotal:       responseBytesTotal,
		requestDuration:          requestDuration,
		requestsByEndpointTotal:  requestsByEndpointTotal,
		cacheLookupsTotal:        cacheLookupsTotal,
		cacheEvictionsTotal:      cacheEvictionsTotal,
		cacheEvictionCyclesTotal: cacheEvictionCyclesTotal,
		cachePromotionsTotal:     cachePromotionsTotal,
		cacheEntries:             cacheEntries,
		promotionQueueDepth:      promotionQueueDepth,
		outboxTransitionsTotal:   outboxTransitionsTotal,
		outboxOpDuration:         outboxOpDuration,
		outboxEntries:            outboxEntries,
		reaperRecoveredTotal:     reaperRecoveredTotal,
		reaperDuration:           reaperDuration,
		meterProvider:            mp,
	}, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Component and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	component := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Component != "" {
			component = tags.Component
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {component, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("component", component),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("component", component),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordCacheLookup records an L1 lookup. result is CacheHit or CacheMiss.
func RecordCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", string(result)))
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, attrs)
}

// RecordCacheEviction records one eviction pass that removed evicted entries.
func RecordCacheEviction(ctx context.Context, evicted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionCyclesTotal.Add(ctx, 1)
	globalMetrics.cacheEvictionsTotal.Add(ctx, int64(evicted))
}

// RecordCachePromotion records a promotion candidate being enqueued.
func RecordCachePromotion(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cachePromotionsTotal.Add(ctx, 1)
}

// UpdateCacheState updates the L1 size and promotion queue gauges.
func UpdateCacheState(ctx context.Context, entries, queueDepth int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
	globalMetrics.promotionQueueDepth.Record(ctx, int64(queueDepth))
}

// RecordOutboxTransition records n entries moving between outbox buckets.
// from is empty for enqueue.
func RecordOutboxTransition(ctx context.Context, from, to string, n int) {
	if globalMetrics == nil || n == 0 {
		return
	}
	if from == "" {
		from = "none"
	}
	attrs := metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	)
	globalMetrics.outboxTransitionsTotal.Add(ctx, int64(n), attrs)
}

// RecordOutboxOp records the duration of one outbox operation.
// outcome is "ok" or "error".
func RecordOutboxOp(ctx context.Context, op, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.outboxOpDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateOutboxDepth records the current entry count of every bucket.
func UpdateOutboxDepth(ctx context.Context, pending, inflight, processed, dlq int) {
	if globalMetrics == nil {
		return
	}
	for bucket, n := range map[string]int{
		"pending":   pending,
		"inflight":  inflight,
		"processed": processed,
		"dlq":       dlq,
	} {
		globalMetrics.outboxEntries.Record(ctx, int64(n), metric.WithAttributes(attribute.String("bucket", bucket)))
	}
}

// RecordReaperCycle records one reaper cycle's recovered count and duration.
// Called unconditionally per cycle.
func RecordReaperCycle(ctx context.Context, reaper string, recovered int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperRecoveredTotal.Add(ctx, int64(recovered), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
