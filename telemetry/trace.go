package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys used across qbatch.
//
//nolint:gochecknoglobals // OpenTelemetry attribute keys must be global for reuse
var (
	AttrMethodKey     = attribute.Key("qbatch_method")
	AttrPackageKey    = attribute.Key("qbatch_package")
	AttrStatusKey     = attribute.Key("qbatch_status")
	AttrErrorKey      = attribute.Key("qbatch_error")
	AttrMessageIDKey  = attribute.Key("qbatch_message_id")
	AttrBatchSizeKey  = attribute.Key("qbatch_batch_size")
	AttrInvocationKey = attribute.Key("qbatch_invocation")
)

type spanTimingKey struct{}

// spanTiming travels on the span context so End can record latency under the full method name.
type spanTiming struct {
	method  string
	started time.Time
}

type tracer struct {
	name           string
	tracer         trace.Tracer
	latencyMeasure metric.Float64Histogram
}

// NewTracer creates a tracer for a package on the global providers.
// Every span ended through it also records a latency sample named name + "/latency".
func NewTracer(name string, options ...trace.TracerOption) Tracer {
	return &tracer{
		name:           name,
		tracer:         otel.Tracer(name, options...),
		latencyMeasure: LatencyMeasure(Meter(nil, name), name, "/latency", "Latency distribution of method calls"),
	}
}

// Start opens a span that must be closed with End.
//
//nolint:spancheck // spans are returned to the caller which ends them through End
func (t *tracer) Start(
	ctx context.Context,
	spanName string,
	options ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	options = append(options, trace.WithAttributes(AttrMethodKey.String(spanName)))

	ctx, span := t.tracer.Start(ctx, spanName, options...)
	return context.WithValue(ctx, spanTimingKey{}, spanTiming{
		method:  t.name + "/" + spanName,
		started: time.Now(),
	}), span
}

// End sets the span status from err, ends it and records the elapsed time.
func (t *tracer) End(ctx context.Context, span trace.Span, err error, options ...trace.SpanEndOption) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
	} else {
		options = append(options, trace.WithStackTrace(true))
		span.SetAttributes(AttrErrorKey.String(err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End(options...)

	timing, ok := ctx.Value(spanTimingKey{}).(spanTiming)
	if !ok {
		util.Log(ctx).Warn("span was not started by this tracer, latency not recorded")
		return
	}

	t.latencyMeasure.Record(ctx,
		float64(time.Since(timing.started).Milliseconds()),
		metric.WithAttributes(
			AttrStatusKey.String(ErrorCode(err)),
			AttrMethodKey.String(timing.method)),
	)
}

// ErrorCode buckets err into a low cardinality status attribute.
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline exceeded"
	}
	return "err"
}
