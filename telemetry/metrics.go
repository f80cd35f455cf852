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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/voice-relay"
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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	storeRequestsTotal metric.Int64Counter
	storeDuration      metric.Float64Histogram
	storeBytesTotal    metric.Int64Counter

	artifactWritesTotal metric.Int64Counter
	artifactWriteSize   metric.Float64Histogram

	synthTotal      metric.Int64Counter
	synthDuration   metric.Float64Histogram
	synthBytesTotal metric.Int64Counter

	playbackTotal    metric.Int64Counter
	playbackDuration metric.Float64Histogram

	sweepDeletedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	websocketClients       metric.Int64Gauge
	notificationsSentTotal metric.Int64Counter

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

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voice-relay"
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	// Create meter and instruments
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"voice_relay_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"voice_relay_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"voice_relay_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

	storeRequestsTotal, err := meter.Int64Counter(
		"voice_relay_store_requests_total",
		metric.WithDescription("Total number of artifact store operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storeDuration, err := meter.Float64Histogram(
		"voice_relay_store_request_duration_seconds",
		metric.WithDescription("Duration of artifact store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"voice_relay_store_bytes_total",
		metric.WithDescription("Total bytes transferred in artifact store operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	artifactWritesTotal, err := meter.Int64Counter(
		"voice_relay_artifact_writes_total",
		metric.WithDescription("Total audio artifacts written to the store"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return err
	}

	artifactWriteSize, err := meter.Float64Histogram(
		"voice_relay_artifact_write_size_bytes",
		metric.WithDescription("Size of audio artifacts written to the store"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456),
	)
	if err != nil {
		return err
	}

	synthTotal, err := meter.Int64Counter(
		"voice_relay_synth_requests_total",
		metric.WithDescription("Total number of speech synthesis requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	synthDuration, err := meter.Float64Histogram(
		"voice_relay_synth_duration_seconds",
		metric.WithDescription("Duration of speech synthesis requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	synthBytesTotal, err := meter.Int64Counter(
		"voice_relay_synth_bytes_total",
		metric.WithDescription("Total audio bytes received from synthesis engines"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	playbackTotal, err := meter.Int64Counter(
		"voice_relay_playback_attempts_total",
		metric.WithDescription("Total playback attempts by candidate player"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	playbackDuration, err := meter.Float64Histogram(
		"voice_relay_playback_duration_seconds",
		metric.WithDescription("Duration of playback attempts"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"voice_relay_sweep_deleted_total",
		metric.WithDescription("Total entries deleted by background sweepers"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"voice_relay_sweep_duration_seconds",
		metric.WithDescription("Duration of sweeper cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	websocketClients, err := meter.Int64Gauge(
		"voice_relay_websocket_clients",
		metric.WithDescription("Currently connected notification clients"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return err
	}

	notificationsSentTotal, err := meter.Int64Counter(
		"voice_relay_notifications_sent_total",
		metric.WithDescription("Total utterance notifications delivered to clients"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		requestsTotal:          requestsTotal,
		responseBytesTotal:     responseBytesTotal,
		requestDuration:        requestDuration,
		storeRequestsTotal:     storeRequestsTotal,
		storeDuration:          storeDuration,
		storeBytesTotal:        storeBytesTotal,
		artifactWritesTotal:    artifactWritesTotal,
		artifactWriteSize:      artifactWriteSize,
		synthTotal:             synthTotal,
		synthDuration:          synthDuration,
		synthBytesTotal:        synthBytesTotal,
		playbackTotal:          playbackTotal,
		playbackDuration:       playbackDuration,
		sweepDeletedTotal:      sweepDeletedTotal,
		sweepDuration:          sweepDuration,
		websocketClients:       websocketClients,
		notificationsSentTotal: notificationsSentTotal,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

	return nil
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
// Endpoint and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	endpoint := "unknown"
	cacheResult := string(CacheBypass)
	if tags != nil {
		if tags.Endpoint != "" {
			endpoint = tags.Endpoint
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("method", r.Method),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStoreOp records artifact store operation metrics.
func RecordStoreOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordArtifactWrite records a completed artifact write with its size.
func RecordArtifactWrite(ctx context.Context, format string, size int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("format", format))
	globalMetrics.artifactWritesTotal.Add(ctx, 1, attrs)
	globalMetrics.artifactWriteSize.Record(ctx, float64(size), attrs)
}

// RecordSynth records a speech synthesis request against the named engine.
func RecordSynth(ctx context.Context, engine string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("engine", engine),
		attribute.String("outcome", outcome),
	}
	globalMetrics.synthTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.synthDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.synthBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordPlayback records one playback attempt by the named candidate.
// outcome is "success", "failed", "timeout" or "missing".
func RecordPlayback(ctx context.Context, candidate, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("candidate", candidate),
		attribute.String("outcome", outcome),
	}
	globalMetrics.playbackTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.playbackDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSweep records one sweeper cycle's deleted count and duration.
// sweeper is "janitor" or "journal". Called unconditionally per cycle.
func RecordSweep(ctx context.Context, sweeper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("sweeper", sweeper))
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), attrs)
}

// SetWebsocketClients updates the connected-clients gauge.
func SetWebsocketClients(ctx context.Context, n int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.websocketClients.Record(ctx, int64(n))
}

// RecordNotifications records utterance notifications delivered to clients.
func RecordNotifications(ctx context.Context, delivered int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.notificationsSentTotal.Add(ctx, int64(delivered))
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
