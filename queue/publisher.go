package queue

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"gocloud.dev/pubsub"

	"github.com/pitabwire/qbatch/internal"
)

const defaultPublisherShutdownTimeout = 30 * time.Second

type publisher struct {
	reference string
	url       string
	topic     *pubsub.Topic
	isInit    atomic.Bool
}

// NewPublisher creates a publisher for any registered pubsub driver url.
func NewPublisher(reference string, queueURL string) Publisher {
	return &publisher{
		reference: reference,
		url:       queueURL,
	}
}

func (p *publisher) Ref() string {
	return p.reference
}

// Publish sends payload with trace context and headers as metadata.
// Every message gets a message_id, generated unless a header supplies one.
func (p *publisher) Publish(ctx context.Context, payload any, headers ...map[string]string) error {
	metadata := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, metadata)

	for _, h := range headers {
		maps.Copy(metadata, h)
	}

	if metadata[MetadataMessageID] == "" {
		metadata[MetadataMessageID] = xid.New().String()
	}

	message, err := internal.Marshal(payload)
	if err != nil {
		return err
	}

	topic := p.topic
	if topic == nil {
		return errors.New("publisher is not initialized")
	}

	return topic.Send(ctx, &pubsub.Message{
		Body:     message,
		Metadata: metadata,
	})
}

func (p *publisher) Init(ctx context.Context) error {
	if p.isInit.Load() && p.topic != nil {
		return nil
	}

	var err error

	p.topic, err = pubsub.OpenTopic(ctx, p.url)
	if err != nil {
		return err
	}

	p.isInit.Store(true)
	return nil
}

func (p *publisher) Initiated() bool {
	return p.isInit.Load()
}

func (p *publisher) Stop(ctx context.Context) error {
	sctx := ctx
	if ctx.Err() != nil {
		sctx = context.Background()
	}

	sctx, cancelFunc := context.WithTimeout(sctx, defaultPublisherShutdownTimeout)
	defer cancelFunc()

	p.isInit.Store(false)

	if p.topic == nil {
		return nil
	}

	// mem:// topics are process-local and shared by URL, shutting one down breaks later users of the same URL.
	if strings.HasPrefix(strings.ToLower(p.url), "mem://") {
		p.topic = nil
		return nil
	}

	err := p.topic.Shutdown(sctx)
	p.topic = nil
	if err != nil && !isTopicAlreadyShutdownErr(err) {
		return err
	}
	return nil
}

func (p *publisher) As(i any) bool {
	if p.topic == nil {
		return false
	}
	return p.topic.As(i)
}

func isTopicAlreadyShutdownErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "topic has been shutdown")
}
