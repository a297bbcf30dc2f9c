package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// otelSink adapts Sink onto the OpenTelemetry metric/trace APIs. It creates
// instruments lazily and caches them by name, since the core calls
// IncrCounter/RecordDuration/RecordGauge with a small, fixed set of names
// repeated across many calls.
type otelSink struct {
	tracer trace.Tracer
	meter  metric.Meter

	counters    map[string]metric.Int64Counter
	histograms  map[string]metric.Float64Histogram
	gauges      map[string]metric.Float64Gauge
}

// NewOtelSink builds a Sink backed by the global OpenTelemetry tracer/meter
// providers, under the given instrumentation scope name (typically the
// module path, e.g. "github.com/themisdb/themisdb").
func NewOtelSink(scope string) Sink {
	return &otelSink{
		tracer:     otel.Tracer(scope),
		meter:      otel.Meter(scope),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func toOtelAttrs(attrs []Attr) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case float64:
			kvs = append(kvs, attribute.Float64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, "unsupported-attr-type"))
		}
	}
	return kvs
}

func (s *otelSink) StartSpan(ctx context.Context, name string, attrs ...Attr) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(toOtelAttrs(attrs)...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (s *otelSink) IncrCounter(ctx context.Context, name string, delta int64, attrs ...Attr) {
	c, ok := s.counters[name]
	if !ok {
		var err error
		c, err = s.meter.Int64Counter(name)
		if err != nil {
			return
		}
		s.counters[name] = c
	}
	c.Add(ctx, delta, metric.WithAttributes(toOtelAttrs(attrs)...))
}

func (s *otelSink) RecordDuration(ctx context.Context, name string, d time.Duration, attrs ...Attr) {
	h, ok := s.histograms[name]
	if !ok {
		var err error
		h, err = s.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			return
		}
		s.histograms[name] = h
	}
	h.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(toOtelAttrs(attrs)...))
}

func (s *otelSink) RecordGauge(ctx context.Context, name string, value float64, attrs ...Attr) {
	g, ok := s.gauges[name]
	if !ok {
		var err error
		g, err = s.meter.Float64Gauge(name)
		if err != nil {
			return
		}
		s.gauges[name] = g
	}
	g.Record(ctx, value, metric.WithAttributes(toOtelAttrs(attrs)...))
}
