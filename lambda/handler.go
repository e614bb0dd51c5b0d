// Package lambda adapts a batch processor to the AWS Lambda SQS trigger with partial batch responses.
package lambda

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	awslambda "github.com/aws/aws-lambda-go/lambda"
	"github.com/pitabwire/util"

	"github.com/pitabwire/qbatch/batch"
	"github.com/pitabwire/qbatch/internal"
)

const attributeReceiveCount = "ApproximateReceiveCount"

// BatchProcessor is satisfied by *batch.Processor.
type BatchProcessor interface {
	Process(ctx context.Context, b batch.Batch) (*batch.Report, error)
}

// SQSHandler is the signature Lambda invokes for an SQS event source mapping.
type SQSHandler func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error)

// Flusher pushes buffered telemetry before the runtime freezes the process.
type Flusher interface {
	ForceFlush(ctx context.Context) error
}

type handlerOptions struct {
	flusher Flusher
}

type Option func(*handlerOptions)

// WithFlusher flushes f at the end of every invocation.
func WithFlusher(f Flusher) Option {
	return func(o *handlerOptions) {
		o.flusher = f
	}
}

// NewHandler converts the event into a batch and reports every failed message back as a batch item failure,
// so that only those are redelivered. An empty or invalid event fails the whole invocation.
// The event source mapping must enable ReportBatchItemFailures.
func NewHandler(processor BatchProcessor, opts ...Option) SQSHandler {
	o := &handlerOptions{}
	for _, opt := range opts {
		opt(o)
	}

	return func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		if o.flusher != nil {
			defer func() {
				if err := o.flusher.ForceFlush(ctx); err != nil {
					util.Log(ctx).WithError(err).Warn("could not flush telemetry")
				}
			}()
		}

		b := ToBatch(event)
		util.Log(ctx).WithField("batch_size", len(b)).Info("received sqs event")

		report, err := processor.Process(ctx, b)
		if err != nil {
			return events.SQSEventResponse{}, err
		}

		return Response(report), nil
	}
}

// ToBatch converts event records into a batch keeping their order.
func ToBatch(event events.SQSEvent) batch.Batch {
	b := make(batch.Batch, len(event.Records))
	for i, record := range event.Records {
		attrs := make(map[string]string, len(record.MessageAttributes))
		for k, v := range record.MessageAttributes {
			if v.StringValue != nil {
				attrs[k] = *v.StringValue
			}
		}
		if record.EventSourceARN != "" {
			attrs["event_source_arn"] = record.EventSourceARN
		}

		b[i] = batch.Message{
			ID:           record.MessageId,
			Body:         record.Body,
			ReceiveCount: internal.PriorAttempts(record.Attributes[attributeReceiveCount]),
			Attributes:   attrs,
		}
	}
	return b
}

// Response lists every failed message of report as a batch item failure.
func Response(report *batch.Report) events.SQSEventResponse {
	failed := report.FailedIDs()
	res := events.SQSEventResponse{
		BatchItemFailures: make([]events.SQSBatchItemFailure, 0, len(failed)),
	}
	for _, id := range failed {
		res.BatchItemFailures = append(res.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}
	return res
}

// Start hands handler to the Lambda runtime with ctx as the base of every invocation context,
// so the logger and configuration it carries reach the handler. It does not return.
func Start(ctx context.Context, handler SQSHandler, options ...awslambda.Option) {
	options = append([]awslambda.Option{awslambda.WithContext(ctx)}, options...)
	awslambda.StartWithOptions(handler, options...)
}
