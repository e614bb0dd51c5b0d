package queue

import (
	"context"
	"time"

	"gocloud.dev/pubsub"

	"github.com/pitabwire/qbatch/batch"
)

type SubscriberState int

const (
	SubscriberStateWaiting SubscriberState = iota
	SubscriberStateProcessing
	SubscriberStateInError
)

func (s SubscriberState) String() string {
	switch s {
	case SubscriberStateProcessing:
		return "processing"
	case SubscriberStateInError:
		return "in_error"
	default:
		return "waiting"
	}
}

// BatchProcessor is satisfied by *batch.Processor.
type BatchProcessor interface {
	Process(ctx context.Context, b batch.Batch) (*batch.Report, error)
}

type Manager interface {
	AddPublisher(ctx context.Context, reference string, queueURL string) error
	GetPublisher(reference string) (Publisher, error)
	DiscardPublisher(ctx context.Context, reference string) error

	AddSubscriber(
		ctx context.Context,
		reference string,
		queueURL string,
		processor BatchProcessor,
		opts ...SubscriberOption,
	) error
	DiscardSubscriber(ctx context.Context, reference string) error
	GetSubscriber(reference string) (Subscriber, error)

	Publish(ctx context.Context, reference string, payload any, headers ...map[string]string) error
	// Listen runs every registered subscriber until ctx is done or all of them stop.
	Listen(ctx context.Context) error
	Close(ctx context.Context) error
}

type Publisher interface {
	Initiated() bool
	Ref() string
	Init(ctx context.Context) error

	Publish(ctx context.Context, payload any, headers ...map[string]string) error
	Stop(ctx context.Context) error
	As(i any) bool
}

type Subscriber interface {
	Ref() string

	URI() string
	Initiated() bool
	State() SubscriberState
	Metrics() SubscriberMetrics
	IsIdle() bool

	Init(ctx context.Context) error
	// ReceiveBatch blocks for the first message and then collects more until the batch window closes.
	ReceiveBatch(ctx context.Context) (*Delivery, error)
	// ProcessBatch runs the delivery through the processor, acking successes and nacking failures.
	ProcessBatch(ctx context.Context, d *Delivery) (*batch.Report, error)
	// Listen receives and processes batches until ctx is done.
	Listen(ctx context.Context) error
	Stop(ctx context.Context) error
	As(i any) bool
}

type SubscriberMetrics interface {
	IsIdle(state SubscriberState) bool
	IdleTime(state SubscriberState) time.Duration
	AverageProcessingTime() time.Duration
	Batches() int64
	Processed() int64
	Failed() int64
	Errors() int64
}

// Delivery pairs a received batch with the transport messages it was built from.
type Delivery struct {
	Batch    batch.Batch
	messages []*pubsub.Message
}

func (d *Delivery) Len() int {
	if d == nil {
		return 0
	}
	return len(d.messages)
}
