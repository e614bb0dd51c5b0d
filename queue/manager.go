package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pitabwire/util"
)

type queue struct {
	publishQueueMap      *sync.Map
	subscriptionQueueMap *sync.Map
}

// NewQueueManager creates a registry of named publishers and batch subscribers.
func NewQueueManager(_ context.Context) Manager {
	return &queue{
		publishQueueMap:      &sync.Map{},
		subscriptionQueueMap: &sync.Map{},
	}
}

func (s *queue) AddPublisher(ctx context.Context, reference string, queueURL string) error {
	pub, _ := s.GetPublisher(reference)
	if pub != nil {
		return nil
	}

	pub = NewPublisher(reference, queueURL)
	if err := pub.Init(ctx); err != nil {
		return err
	}

	s.publishQueueMap.Store(reference, pub)
	return nil
}

func (s *queue) DiscardPublisher(ctx context.Context, reference string) error {
	var err error
	pub, _ := s.GetPublisher(reference)
	if pub != nil {
		err = pub.Stop(ctx)
	}

	s.publishQueueMap.Delete(reference)
	return err
}

func (s *queue) GetPublisher(reference string) (Publisher, error) {
	pub, ok := s.publishQueueMap.Load(reference)
	if !ok {
		return nil, fmt.Errorf("publisher %s not found", reference)
	}
	pVal, ok := pub.(Publisher)
	if !ok {
		return nil, fmt.Errorf("publisher %s is not a Publisher", reference)
	}
	return pVal, nil
}

func (s *queue) AddSubscriber(
	ctx context.Context,
	reference string,
	queueURL string,
	processor BatchProcessor,
	opts ...SubscriberOption,
) error {
	existing, _ := s.GetSubscriber(reference)
	if existing != nil {
		return nil
	}

	subs := NewSubscriber(reference, queueURL, processor, opts...)
	if err := subs.Init(ctx); err != nil {
		return err
	}

	s.subscriptionQueueMap.Store(reference, subs)
	return nil
}

func (s *queue) DiscardSubscriber(ctx context.Context, reference string) error {
	var err error
	sub, _ := s.GetSubscriber(reference)
	if sub != nil {
		err = sub.Stop(ctx)
	}

	s.subscriptionQueueMap.Delete(reference)
	return err
}

func (s *queue) GetSubscriber(reference string) (Subscriber, error) {
	sub, ok := s.subscriptionQueueMap.Load(reference)
	if !ok {
		return nil, fmt.Errorf("subscriber %s not found", reference)
	}
	sVal, ok := sub.(Subscriber)
	if !ok {
		return nil, fmt.Errorf("subscriber %s is not a Subscriber", reference)
	}
	return sVal, nil
}

// Publish writes a message to the publisher registered under reference.
func (s *queue) Publish(ctx context.Context, reference string, payload any, headers ...map[string]string) error {
	pub, err := s.GetPublisher(reference)
	if err != nil {
		return err
	}

	return pub.Publish(ctx, payload, headers...)
}

func (s *queue) subscribers() []Subscriber {
	var subs []Subscriber
	s.subscriptionQueueMap.Range(func(_, value any) bool {
		if sub, ok := value.(Subscriber); ok {
			subs = append(subs, sub)
		}
		return true
	})
	return subs
}

func (s *queue) publishers() []Publisher {
	var pubs []Publisher
	s.publishQueueMap.Range(func(_, value any) bool {
		if pub, ok := value.(Publisher); ok {
			pubs = append(pubs, pub)
		}
		return true
	})
	return pubs
}

func (s *queue) Listen(ctx context.Context) error {
	subs := s.subscribers()
	if len(subs) == 0 {
		return errors.New("no subscribers registered")
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Go(func() {
			if err := sub.Listen(ctx); err != nil {
				util.Log(ctx).WithError(err).WithField("subscriber", sub.Ref()).Error("subscriber stopped")
				errs[i] = fmt.Errorf("subscriber %s: %w", sub.Ref(), err)
			}
		})
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Close stops every subscriber and publisher and empties the registry.
func (s *queue) Close(ctx context.Context) error {
	var errs []error

	for _, sub := range s.subscribers() {
		if err := s.DiscardSubscriber(ctx, sub.Ref()); err != nil {
			errs = append(errs, fmt.Errorf("subscriber %s: %w", sub.Ref(), err))
		}
	}

	for _, pub := range s.publishers() {
		if err := s.DiscardPublisher(ctx, pub.Ref()); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", pub.Ref(), err))
		}
	}

	return errors.Join(errs...)
}
