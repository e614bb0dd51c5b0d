package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"gocloud.dev/pubsub"

	"github.com/pitabwire/qbatch/batch"
	"github.com/pitabwire/qbatch/config"
)

const (
	defaultMaxBatchSize    = 10
	defaultBatchWindow     = 250 * time.Millisecond
	defaultReceiveCountKey = "receive_count"
	stopTimeout            = time.Second
)

// ErrNotInitialised is returned when a subscriber is used before Init.
var ErrNotInitialised = errors.New("only initialised subscriptions can pull messages")

type SubscriberOption func(*subscriber)

// WithMaxBatchSize caps the number of messages collected into one batch.
func WithMaxBatchSize(n int) SubscriberOption {
	return func(s *subscriber) {
		if n > 0 {
			s.maxBatchSize = n
		}
	}
}

// WithBatchWindow sets how long to keep collecting after the first message arrives.
func WithBatchWindow(d time.Duration) SubscriberOption {
	return func(s *subscriber) {
		if d > 0 {
			s.batchWindow = d
		}
	}
}

// WithReceiveCountKey names the metadata key carrying the delivery attempt count.
func WithReceiveCountKey(key string) SubscriberOption {
	return func(s *subscriber) {
		s.receiveCountKey = key
	}
}

// WithQueueConfig applies the batching settings from cfg.
func WithQueueConfig(cfg config.ConfigurationQueue) SubscriberOption {
	return func(s *subscriber) {
		if cfg == nil {
			return
		}
		WithMaxBatchSize(cfg.GetQueueMaxBatchSize())(s)
		WithBatchWindow(cfg.GetQueueBatchWindow())(s)
		WithReceiveCountKey(cfg.GetQueueReceiveCountKey())(s)
	}
}

type subscriber struct {
	reference string
	url       string
	processor BatchProcessor

	maxBatchSize    int
	batchWindow     time.Duration
	receiveCountKey string

	subscriptionMu sync.Mutex
	subscription   *pubsub.Subscription
	isInit         atomic.Bool
	state          atomic.Int32
	metrics        *subscriberMetrics
}

// NewSubscriber creates a batch subscriber for any registered pubsub driver url.
func NewSubscriber(reference string, queueURL string, processor BatchProcessor, opts ...SubscriberOption) Subscriber {
	s := &subscriber{
		reference:       reference,
		url:             queueURL,
		processor:       processor,
		maxBatchSize:    defaultMaxBatchSize,
		batchWindow:     defaultBatchWindow,
		receiveCountKey: defaultReceiveCountKey,
		metrics:         newSubscriberMetrics(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *subscriber) Ref() string {
	return s.reference
}

func (s *subscriber) URI() string {
	return s.url
}

func (s *subscriber) Initiated() bool {
	return s.isInit.Load()
}

func (s *subscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

func (s *subscriber) setState(state SubscriberState) {
	s.state.Store(int32(state))
}

func (s *subscriber) Metrics() SubscriberMetrics {
	return s.metrics
}

func (s *subscriber) IsIdle() bool {
	return s.metrics.IsIdle(s.State())
}

func (s *subscriber) currentSubscription() *pubsub.Subscription {
	s.subscriptionMu.Lock()
	defer s.subscriptionMu.Unlock()
	return s.subscription
}

func (s *subscriber) createSubscription(ctx context.Context) error {
	s.subscriptionMu.Lock()
	defer s.subscriptionMu.Unlock()

	if s.subscription != nil {
		return nil
	}

	if strings.TrimSpace(s.url) == "" {
		return errors.New("subscriber URL cannot be empty")
	}

	subs, err := pubsub.OpenSubscription(ctx, s.url)
	if err != nil {
		return fmt.Errorf("could not open topic subscription: %w", err)
	}
	s.subscription = subs
	return nil
}

func (s *subscriber) Init(ctx context.Context) error {
	if s.isInit.Load() && s.currentSubscription() != nil {
		return nil
	}

	if s.processor == nil {
		return errors.New("subscriber requires a batch processor")
	}

	if err := s.createSubscription(ctx); err != nil {
		return err
	}

	s.isInit.Store(true)
	return nil
}

func (s *subscriber) recreateSubscription(ctx context.Context) error {
	log := util.Log(ctx).WithField("subscriber", s.reference)
	log.Warn("recreating subscription")

	s.subscriptionMu.Lock()
	old := s.subscription
	s.subscription = nil
	s.subscriptionMu.Unlock()

	if old != nil {
		if err := old.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("could not shut down broken subscription")
		}
	}

	if err := s.createSubscription(ctx); err != nil {
		log.WithError(err).Error("could not recreate subscription, stopping listener")
		return err
	}
	return nil
}

func (s *subscriber) ReceiveBatch(ctx context.Context) (*Delivery, error) {
	sub := s.currentSubscription()
	if sub == nil {
		return nil, ErrNotInitialised
	}

	s.setState(SubscriberStateWaiting)
	s.metrics.LastActivity.Store(time.Now().UnixNano())

	first, err := sub.Receive(ctx)
	if err != nil {
		if isContextErr(err) {
			return nil, err
		}
		s.setState(SubscriberStateInError)
		s.metrics.ErrorCount.Add(1)
		return nil, err
	}

	msgs := []*pubsub.Message{first}

	windowCtx, cancel := context.WithTimeout(ctx, s.batchWindow)
	defer cancel()

	for len(msgs) < s.maxBatchSize {
		msg, rErr := sub.Receive(windowCtx)
		if rErr != nil {
			if !isContextErr(rErr) {
				s.metrics.ErrorCount.Add(1)
				util.Log(ctx).WithError(rErr).WithField("subscriber", s.reference).
					Warn("receive failed while collecting batch")
			}
			break
		}
		msgs = append(msgs, msg)
	}

	s.metrics.ActiveMessages.Add(int64(len(msgs)))

	return &Delivery{
		Batch:    toBatch(msgs, s.receiveCountKey),
		messages: msgs,
	}, nil
}

func (s *subscriber) ProcessBatch(ctx context.Context, d *Delivery) (*batch.Report, error) {
	if d.Len() == 0 {
		return nil, fmt.Errorf("%w: delivery holds no messages", batch.ErrInvalidBatch)
	}

	start := time.Now()
	s.setState(SubscriberStateProcessing)
	defer s.setState(SubscriberStateWaiting)

	var metadata propagation.MapCarrier = d.messages[0].Metadata
	pCtx := otel.GetTextMapPropagator().Extract(ctx, metadata)

	log := util.Log(pCtx).
		WithField("subscriber", s.reference).
		WithField("batch_size", d.Len())

	report, err := s.processor.Process(pCtx, d.Batch)
	if err != nil {
		log.WithError(err).Error("batch rejected, returning every message for redelivery")
		for _, msg := range d.messages {
			nack(msg)
		}
		s.metrics.closeBatch(start, d.Len(), d.Len())
		return nil, err
	}

	for i, msg := range d.messages {
		if outcome, ok := report.Outcome(d.Batch[i].ID); ok && outcome.OK() {
			msg.Ack()
			continue
		}
		nack(msg)
	}

	s.metrics.closeBatch(start, d.Len(), report.FailureCount())
	log.WithField("failed", report.FailureCount()).Debug("batch acknowledged")
	return report, nil
}

func (s *subscriber) Listen(ctx context.Context) error {
	logger := util.Log(ctx).
		WithField("name", s.reference).
		WithField("function", "Listen").
		WithField("url", s.url)
	logger.Debug("starting to listen for messages")

	for {
		if ctx.Err() != nil {
			logger.Debug("exiting due to canceled context")
			return s.Stop(ctx)
		}

		d, err := s.ReceiveBatch(ctx)
		if err != nil {
			if isContextErr(err) {
				continue
			}

			logger.WithError(err).Error("could not pull messages")
			if rErr := s.recreateSubscription(ctx); rErr != nil {
				return rErr
			}
			continue
		}

		if _, err = s.ProcessBatch(ctx, d); err != nil {
			logger.WithError(err).Warn("batch could not be processed")
		}
	}
}

func (s *subscriber) Stop(ctx context.Context) error {
	sctx := ctx
	if ctx.Err() != nil {
		sctx = context.Background()
	}

	sctx, cancelFunc := context.WithTimeout(sctx, stopTimeout)
	defer cancelFunc()

	s.isInit.Store(false)

	s.subscriptionMu.Lock()
	sub := s.subscription
	s.subscription = nil
	s.subscriptionMu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Shutdown(sctx)
}

func (s *subscriber) As(i any) bool {
	sub := s.currentSubscription()
	if sub == nil {
		return false
	}
	return sub.As(i)
}

func nack(msg *pubsub.Message) {
	// Drivers without nack redeliver once the ack deadline passes.
	if msg.Nackable() {
		msg.Nack()
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
