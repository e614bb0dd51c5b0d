package batch

import (
	"context"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel/metric"

	"github.com/pitabwire/qbatch/telemetry"
)

const instrumentationName = "github.com/pitabwire/qbatch/batch"

type logSink struct{}

// NewLogSink writes events to the logger carried by the context.
func NewLogSink() EventSink {
	return logSink{}
}

func (logSink) Emit(ctx context.Context, ev Event) {
	log := util.Log(ctx).
		WithField("invocation", ev.Invocation).
		WithField("message_id", ev.MessageID).
		WithField("fingerprint", ev.Fingerprint.String()).
		WithField("receive_count", ev.ReceiveCount)

	switch {
	case ev.Phase == PhaseReceived:
		log.Debug("message received")
	case ev.Outcome.OK():
		log.WithField("duration", ev.Duration.String()).
			WithField("duplicate", ev.Duplicate).
			Info("message handled")
	default:
		log.WithField("duration", ev.Duration.String()).
			WithField("reason", ev.Outcome.Reason).
			Warn("message failed")
	}
}

type metricSink struct {
	received   metric.Int64Counter
	bodyBytes  metric.Int64Counter
	handled    metric.Int64Counter
	duplicates metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewMetricSink records message counters and handling latency on provider, nil selects the global provider.
func NewMetricSink(provider metric.MeterProvider) EventSink {
	meter := telemetry.Meter(provider, instrumentationName)

	return &metricSink{
		received: telemetry.DimensionlessMeasure(meter, instrumentationName,
			"/messages_received", "Messages handed to the processor"),
		bodyBytes: telemetry.BytesMeasure(meter, instrumentationName,
			"/message_bytes", "Body bytes handed to the processor"),
		handled: telemetry.DimensionlessMeasure(meter, instrumentationName,
			"/messages_handled", "Messages with a recorded outcome, by status"),
		duplicates: telemetry.DimensionlessMeasure(meter, instrumentationName,
			"/messages_duplicate", "Messages answered from the deduplication store"),
		duration: telemetry.LatencyMeasure(meter, instrumentationName,
			"/message_duration", "Time spent handling one message"),
	}
}

func (m *metricSink) Emit(ctx context.Context, ev Event) {
	if ev.Phase == PhaseReceived {
		m.received.Add(ctx, 1)
		m.bodyBytes.Add(ctx, int64(ev.Fingerprint.Length))
		return
	}

	status := metric.WithAttributes(telemetry.AttrStatusKey.String(ev.Outcome.Status.String()))
	m.handled.Add(ctx, 1, status)
	m.duration.Record(ctx, float64(ev.Duration.Microseconds())/1000.0, status)
	if ev.Duplicate {
		m.duplicates.Add(ctx, 1)
	}
}
