package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/qbatch/batch"
	"github.com/pitabwire/qbatch/queue"
)

type recordingProcessor struct {
	mu      sync.Mutex
	batches []batch.Batch
	inner   *batch.Processor
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{inner: batch.NewProcessor(batch.NewSentinelPolicy("I am an error"))}
}

func (r *recordingProcessor) Process(ctx context.Context, b batch.Batch) (*batch.Report, error) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	return r.inner.Process(ctx, b)
}

func (r *recordingProcessor) seen() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, b := range r.batches {
		for _, m := range b {
			out[m.ID]++
		}
	}
	return out
}

type QueueTestSuite struct {
	suite.Suite
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, &QueueTestSuite{})
}

func memURL() string {
	return "mem://qbatch-" + xid.New().String()
}

func (s *QueueTestSuite) publishScenario(ctx context.Context, pub queue.Publisher) {
	bodies := []string{"hello", "I am an error", "world"}
	for i, body := range bodies {
		s.Require().NoError(pub.Publish(ctx, body, map[string]string{
			queue.MetadataMessageID: fmt.Sprint(i + 1),
			"receive_count":         "2",
		}))
	}
}

func (s *QueueTestSuite) TestReceiveAndProcessBatch() {
	ctx, cancel := context.WithTimeout(s.T().Context(), 10*time.Second)
	defer cancel()

	url := memURL()
	pub := queue.NewPublisher("scenario", url)
	s.Require().NoError(pub.Init(ctx))
	defer func() { _ = pub.Stop(ctx) }()

	processor := newRecordingProcessor()
	sub := queue.NewSubscriber("scenario", url, processor, queue.WithBatchWindow(300*time.Millisecond))
	s.Require().NoError(sub.Init(ctx))
	defer func() { _ = sub.Stop(ctx) }()
	s.True(sub.Initiated())

	s.publishScenario(ctx, pub)

	delivery, err := sub.ReceiveBatch(ctx)
	s.Require().NoError(err)
	s.Require().Equal(3, delivery.Len())
	s.Equal([]string{"1", "2", "3"}, delivery.Batch.IDs())
	s.Equal(2, delivery.Batch[0].ReceiveCount)
	s.Equal("hello", delivery.Batch[0].Body)
	s.Equal("1", delivery.Batch[0].Attributes[queue.MetadataMessageID])

	report, err := sub.ProcessBatch(ctx, delivery)
	s.Require().NoError(err)
	s.Equal([]string{"1", "3"}, report.SucceededIDs())
	s.Equal([]string{"2"}, report.FailedIDs())

	metrics := sub.Metrics()
	s.Equal(int64(1), metrics.Batches())
	s.Equal(int64(3), metrics.Processed())
	s.Equal(int64(1), metrics.Failed())
	s.Positive(metrics.AverageProcessingTime())
	s.True(sub.IsIdle())
	s.Equal(queue.SubscriberStateWaiting, sub.State())

	redelivered, err := sub.ReceiveBatch(ctx)
	s.Require().NoError(err)
	s.Equal([]string{"2"}, redelivered.Batch.IDs(), "only the nacked message comes back")
	s.Equal("I am an error", redelivered.Batch[0].Body)
}

func (s *QueueTestSuite) TestMaxBatchSize() {
	ctx, cancel := context.WithTimeout(s.T().Context(), 10*time.Second)
	defer cancel()

	url := memURL()
	pub := queue.NewPublisher("sized", url)
	s.Require().NoError(pub.Init(ctx))

	sub := queue.NewSubscriber("sized", url, newRecordingProcessor(),
		queue.WithMaxBatchSize(2), queue.WithBatchWindow(time.Second))
	s.Require().NoError(sub.Init(ctx))
	defer func() { _ = sub.Stop(ctx) }()

	for i := range 5 {
		s.Require().NoError(pub.Publish(ctx, fmt.Sprintf("body %d", i)))
	}

	delivery, err := sub.ReceiveBatch(ctx)
	s.Require().NoError(err)
	s.Equal(2, delivery.Len())
	for _, m := range delivery.Batch {
		s.NotEmpty(m.ID, "publisher assigns an id when none is given")
	}
}

func (s *QueueTestSuite) TestManagerListen() {
	ctx, cancel := context.WithCancel(s.T().Context())
	defer cancel()

	url := memURL()
	qm := queue.NewQueueManager(ctx)
	s.Require().NoError(qm.AddPublisher(ctx, "feed", url))
	s.Require().NoError(qm.AddPublisher(ctx, "feed", url), "adding twice is a no-op")

	processor := newRecordingProcessor()
	s.Require().NoError(qm.AddSubscriber(ctx, "consumer", url, processor, queue.WithBatchWindow(50*time.Millisecond)))

	done := make(chan error, 1)
	go func() { done <- qm.Listen(ctx) }()

	for i := 1; i <= 3; i++ {
		s.Require().NoError(qm.Publish(ctx, "feed", fmt.Sprintf("ok %d", i),
			map[string]string{queue.MetadataMessageID: fmt.Sprint(i)}))
	}

	s.Eventually(func() bool {
		seen := processor.seen()
		return seen["1"] == 1 && seen["2"] == 1 && seen["3"] == 1
	}, 5*time.Second, 20*time.Millisecond)

	inspector, ok := qm.(queue.Inspector)
	s.Require().True(ok)
	s.Equal([]queue.PublisherInfo{{Reference: "feed", URL: url, Initiated: true}}, inspector.ListPublishers())
	s.Eventually(func() bool {
		subs := inspector.ListSubscribers()
		return len(subs) == 1 && subs[0].Processed == 3 && subs[0].Failed == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("listen did not return after cancel")
	}

	s.Require().NoError(qm.Close(context.Background()))
	_, err := qm.GetSubscriber("consumer")
	s.Require().Error(err)
}

func (s *QueueTestSuite) TestMisuse() {
	ctx := s.T().Context()

	testCases := []struct {
		name string
		run  func() error
		is   error
	}{
		{
			name: "publish before init",
			run: func() error {
				return queue.NewPublisher("p", memURL()).Publish(ctx, "x")
			},
		},
		{
			name: "receive before init",
			run: func() error {
				_, err := queue.NewSubscriber("s", memURL(), newRecordingProcessor()).ReceiveBatch(ctx)
				return err
			},
			is: queue.ErrNotInitialised,
		},
		{
			name: "empty url",
			run: func() error {
				return queue.NewSubscriber("s", " ", newRecordingProcessor()).Init(ctx)
			},
		},
		{
			name: "missing processor",
			run: func() error {
				return queue.NewSubscriber("s", memURL(), nil).Init(ctx)
			},
		},
		{
			name: "unknown scheme",
			run: func() error {
				return queue.NewPublisher("p", "nope://x").Init(ctx)
			},
		},
		{
			name: "empty delivery",
			run: func() error {
				_, err := queue.NewSubscriber("s", memURL(), newRecordingProcessor()).ProcessBatch(ctx, &queue.Delivery{})
				return err
			},
			is: batch.ErrInvalidBatch,
		},
		{
			name: "publish to unknown reference",
			run: func() error {
				return queue.NewQueueManager(ctx).Publish(ctx, "missing", "x")
			},
		},
		{
			name: "listen without subscribers",
			run: func() error {
				return queue.NewQueueManager(ctx).Listen(ctx)
			},
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			err := tc.run()
			s.Require().Error(err)
			if tc.is != nil {
				s.True(errors.Is(err, tc.is))
			}
		})
	}
}
