package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the daemon's instruments. Methods record with the caller's
// context so exemplars link to the active span.
type Metrics struct {
	cacheLookups        metric.Int64Counter
	cacheLoads          metric.Int64Counter
	cacheLoadDuration   metric.Float64Histogram
	cacheEvictions      metric.Int64Counter
	cacheUnloadFailures metric.Int64Counter
	cacheResident       metric.Int64UpDownCounter

	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	deliveries      metric.Int64Counter
	connections     metric.Int64UpDownCounter
	protocolErrors  metric.Int64Counter
}

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// NopMetrics returns instruments that record nothing.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(instrumentationName))
	return m
}

func NewMetrics(m metric.Meter) (*Metrics, error) {
	var err error
	met := &Metrics{}

	if met.cacheLookups, err = m.Int64Counter("loqa_tts.cache.lookups",
		metric.WithDescription("Model cache acquisitions by result (hit or miss)."),
	); err != nil {
		return nil, err
	}
	if met.cacheLoads, err = m.Int64Counter("loqa_tts.cache.loads",
		metric.WithDescription("Engine model loads by status."),
	); err != nil {
		return nil, err
	}
	if met.cacheLoadDuration, err = m.Float64Histogram("loqa_tts.cache.load.duration",
		metric.WithDescription("Latency of engine model loads."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.cacheEvictions, err = m.Int64Counter("loqa_tts.cache.evictions",
		metric.WithDescription("Models evicted to make room for another."),
	); err != nil {
		return nil, err
	}
	if met.cacheUnloadFailures, err = m.Int64Counter("loqa_tts.cache.unload_failures",
		metric.WithDescription("Engine unloads that failed and left the model resident."),
	); err != nil {
		return nil, err
	}
	if met.cacheResident, err = m.Int64UpDownCounter("loqa_tts.cache.resident",
		metric.WithDescription("Models currently resident."),
	); err != nil {
		return nil, err
	}
	if met.requests, err = m.Int64Counter("loqa_tts.requests",
		metric.WithDescription("Requests handled by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.requestDuration, err = m.Float64Histogram("loqa_tts.request.duration",
		metric.WithDescription("Time from decoding a request to writing its response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.deliveries, err = m.Int64Counter("loqa_tts.audio.deliveries",
		metric.WithDescription("Audio responses by delivery mode (shared, inline, fallback)."),
	); err != nil {
		return nil, err
	}
	if met.connections, err = m.Int64UpDownCounter("loqa_tts.connections",
		metric.WithDescription("Open client connections."),
	); err != nil {
		return nil, err
	}
	if met.protocolErrors, err = m.Int64Counter("loqa_tts.protocol_errors",
		metric.WithDescription("Connections dropped for protocol violations."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

func modelAttr(id uint32) attribute.KeyValue {
	return attribute.Int64("model.id", int64(id))
}

func (m *Metrics) CacheLookup(ctx context.Context, id uint32, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(modelAttr(id), attribute.String("result", result)))
}

func (m *Metrics) CacheLoad(ctx context.Context, id uint32, took time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(modelAttr(id), attribute.String("status", status))
	m.cacheLoads.Add(ctx, 1, attrs)
	m.cacheLoadDuration.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) CacheEviction(ctx context.Context, id uint32) {
	m.cacheEvictions.Add(ctx, 1, metric.WithAttributes(modelAttr(id)))
}

func (m *Metrics) CacheUnloadFailure(ctx context.Context, id uint32) {
	m.cacheUnloadFailures.Add(ctx, 1, metric.WithAttributes(modelAttr(id)))
}

func (m *Metrics) CacheResident(ctx context.Context, delta int64) {
	m.cacheResident.Add(ctx, delta)
}

func (m *Metrics) Request(ctx context.Context, kind, outcome string, took time.Duration) {
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome))
	m.requests.Add(ctx, 1, attrs)
	m.requestDuration.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) Delivery(ctx context.Context, mode string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Metrics) Connection(ctx context.Context, delta int64) {
	m.connections.Add(ctx, delta)
}

func (m *Metrics) ProtocolError(ctx context.Context) {
	m.protocolErrors.Add(ctx, 1)
}
