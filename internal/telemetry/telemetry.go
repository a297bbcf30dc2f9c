// Package telemetry is the injected observability collaborator: the core
// never reaches for a process-wide logger or metrics registry directly, it
// calls a Sink passed in at construction time (spec §9's note on treating
// global singletons as injected collaborators rather than hidden module
// state). Transport (where spans/metrics actually go) is out of scope here;
// this package only defines the interface and a default implementation
// backed by the OpenTelemetry metric/trace APIs.
package telemetry

import (
	"context"
	"time"
)

// Sink is the observability surface every component that wants to report
// spans or counters depends on, instead of a global tracer/meter.
type Sink interface {
	// StartSpan begins a span named name and returns a context carrying it
	// plus a function that ends the span, recording err (if non-nil) as a
	// span error/status.
	StartSpan(ctx context.Context, name string, attrs ...Attr) (context.Context, func(err error))

	// IncrCounter adds delta to the named counter.
	IncrCounter(ctx context.Context, name string, delta int64, attrs ...Attr)

	// RecordDuration records an elapsed duration against the named
	// histogram instrument.
	RecordDuration(ctx context.Context, name string, d time.Duration, attrs ...Attr)

	// RecordGauge sets the named gauge-like observation to value.
	RecordGauge(ctx context.Context, name string, value float64, attrs ...Attr)
}

// Attr is a single observability key/value pair, kept independent of any
// specific tracing SDK's attribute type so callers don't need to import
// go.opentelemetry.io/otel/attribute directly.
type Attr struct {
	Key   string
	Value any
}

// String builds a string-valued Attr.
func String(key, value string) Attr { return Attr{Key: key, Value: value} }

// Int64 builds an int64-valued Attr.
func Int64(key string, value int64) Attr { return Attr{Key: key, Value: value} }

// Float64 builds a float64-valued Attr.
func Float64(key string, value float64) Attr { return Attr{Key: key, Value: value} }

// Bool builds a bool-valued Attr.
func Bool(key string, value bool) Attr { return Attr{Key: key, Value: value} }

// noopSink discards everything; used when no Sink is injected so components
// never have to nil-check.
type noopSink struct{}

// Noop is the default Sink for components constructed without an explicit
// collaborator.
var Noop Sink = noopSink{}

func (noopSink) StartSpan(ctx context.Context, _ string, _ ...Attr) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (noopSink) IncrCounter(context.Context, string, int64, ...Attr)          {}
func (noopSink) RecordDuration(context.Context, string, time.Duration, ...Attr) {}
func (noopSink) RecordGauge(context.Context, string, float64, ...Attr)       {}
