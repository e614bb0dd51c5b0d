package sqs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/qbatch/batch"
	qsqs "github.com/pitabwire/qbatch/sqs"
)

const queueURL = "https://sqs.eu-west-1.amazonaws.com/000000000000/qbatch"

type fakeSQS struct {
	mu sync.Mutex

	receives   [][]types.Message
	receiveErr error
	inputs     []*sqs.ReceiveMessageInput

	deleted     []string
	deleteFail  map[string]bool
	deleteErr   error
	visibility  map[string]int32
	visibilityN int
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.receiveErr != nil {
		return nil, f.receiveErr
	}
	if len(f.receives) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	out := f.receives[0]
	f.receives = f.receives[1:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessageBatch(_ context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range in.Entries {
		handle := aws.ToString(e.ReceiptHandle)
		if f.deleteFail[handle] {
			out.Failed = append(out.Failed, types.BatchResultErrorEntry{
				Id:      e.Id,
				Code:    aws.String("ReceiptHandleIsInvalid"),
				Message: aws.String("stale handle"),
			})
			continue
		}
		f.deleted = append(f.deleted, handle)
		out.Successful = append(out.Successful, types.DeleteMessageBatchResultEntry{Id: e.Id})
	}
	return out, nil
}

func (f *fakeSQS) ChangeMessageVisibilityBatch(_ context.Context, in *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibilityN++
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	for _, e := range in.Entries {
		f.visibility[aws.ToString(e.ReceiptHandle)] = e.VisibilityTimeout
	}
	return &sqs.ChangeMessageVisibilityBatchOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func message(id, body, receiveCount string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
		Attributes:    map[string]string{"ApproximateReceiveCount": receiveCount},
		MessageAttributes: map[string]types.MessageAttributeValue{
			"source": {DataType: aws.String("String"), StringValue: aws.String("test")},
		},
	}
}

func scenario() []types.Message {
	return []types.Message{
		message("1", "hello", "1"),
		message("2", "I am an error", "3"),
		message("3", "world", "1"),
	}
}

type ConsumerTestSuite struct {
	suite.Suite
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, &ConsumerTestSuite{})
}

func (s *ConsumerTestSuite) newConsumer(client qsqs.API, cfg qsqs.Config) *qsqs.Consumer {
	if cfg.QueueURL == "" {
		cfg.QueueURL = queueURL
	}
	c, err := qsqs.NewConsumerWithClient(client, cfg, batch.NewProcessor(batch.NewSentinelPolicy("I am an error")))
	s.Require().NoError(err)
	return c
}

func (s *ConsumerTestSuite) TestConstructorValidation() {
	processor := batch.NewProcessor(nil)

	_, err := qsqs.NewConsumerWithClient(&fakeSQS{}, qsqs.Config{}, processor)
	s.Require().Error(err)
	_, err = qsqs.NewConsumerWithClient(nil, qsqs.Config{QueueURL: queueURL}, processor)
	s.Require().Error(err)
	_, err = qsqs.NewConsumerWithClient(&fakeSQS{}, qsqs.Config{QueueURL: queueURL}, nil)
	s.Require().Error(err)

	c, err := qsqs.NewConsumer(aws.Config{Region: "eu-west-1"}, qsqs.Config{QueueURL: queueURL}, processor,
		qsqs.WithEndpoint("http://localhost:9324"))
	s.Require().NoError(err)
	s.Require().NoError(c.Close())
}

func (s *ConsumerTestSuite) TestReceiveBatchRequestAndConversion() {
	fake := &fakeSQS{receives: [][]types.Message{append(scenario(),
		types.Message{MessageId: aws.String("no-receipt"), Body: aws.String("x")},
		message("1", "duplicate delivery", "2"),
	)}}
	c := s.newConsumer(fake, qsqs.Config{WaitTimeSeconds: 99, MaxMessages: 50})

	received, err := c.ReceiveBatch(s.T().Context())
	s.Require().NoError(err)

	s.Require().Len(fake.inputs, 1)
	in := fake.inputs[0]
	s.Equal(queueURL, aws.ToString(in.QueueUrl))
	s.Equal(int32(20), in.WaitTimeSeconds)
	s.Equal(int32(10), in.MaxNumberOfMessages)
	s.Contains(in.MessageSystemAttributeNames, types.MessageSystemAttributeNameApproximateReceiveCount)

	s.Equal([]string{"1", "2", "3"}, received.Batch.IDs())
	s.Equal(0, received.Batch[0].ReceiveCount)
	s.Equal(2, received.Batch[1].ReceiveCount)
	s.Equal("test", received.Batch[0].Attributes["source"])
}

func (s *ConsumerTestSuite) TestPollDeletesOnlySuccesses() {
	fake := &fakeSQS{receives: [][]types.Message{scenario()}}
	c := s.newConsumer(fake, qsqs.Config{})

	report, err := c.Poll(s.T().Context())
	s.Require().NoError(err)
	s.Equal([]string{"2"}, report.FailedIDs())
	s.Equal([]string{"rh-1", "rh-3"}, fake.deletedHandles())
	s.Zero(fake.visibilityN, "visibility is untouched without a failure timeout")
}

func (s *ConsumerTestSuite) TestPollReleasesFailures() {
	fake := &fakeSQS{receives: [][]types.Message{scenario()}}
	c := s.newConsumer(fake, qsqs.Config{FailureVisibilityTimeout: 30 * time.Second})

	_, err := c.Poll(s.T().Context())
	s.Require().NoError(err)
	s.Equal(map[string]int32{"rh-2": 30}, fake.visibility)
}

func (s *ConsumerTestSuite) TestPollEmptyQueue() {
	c := s.newConsumer(&fakeSQS{}, qsqs.Config{})

	report, err := c.Poll(s.T().Context())
	s.Require().NoError(err)
	s.Nil(report)
}

func (s *ConsumerTestSuite) TestAcknowledgeAggregatesErrors() {
	testCases := []struct {
		name    string
		fake    *fakeSQS
		wantErr string
	}{
		{
			name:    "entry failure",
			fake:    &fakeSQS{receives: [][]types.Message{scenario()}, deleteFail: map[string]bool{"rh-3": true}},
			wantErr: "ReceiptHandleIsInvalid",
		},
		{
			name:    "request failure",
			fake:    &fakeSQS{receives: [][]types.Message{scenario()}, deleteErr: errors.New("throttled")},
			wantErr: "throttled",
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			c := s.newConsumer(tc.fake, qsqs.Config{})

			report, err := c.Poll(s.T().Context())
			s.Require().Error(err)
			s.Contains(err.Error(), tc.wantErr)
			s.Require().NotNil(report, "the report is returned alongside acknowledgement errors")
			s.Equal([]string{"1", "3"}, report.SucceededIDs())
		})
	}
}

func (s *ConsumerTestSuite) TestRunStopsOnCancel() {
	fake := &fakeSQS{receives: [][]types.Message{scenario(), {message("4", "later", "1")}}}
	c := s.newConsumer(fake, qsqs.Config{})

	ctx, cancel := context.WithCancel(s.T().Context())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	s.Eventually(func() bool {
		return len(fake.deletedHandles()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		s.Require().NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("run did not stop")
	}

	s.Equal([]string{"rh-1", "rh-3", "rh-4"}, fake.deletedHandles())
}

func (s *ConsumerTestSuite) TestRunSurvivesReceiveErrors() {
	fake := &fakeSQS{receiveErr: errors.New("network down")}
	c := s.newConsumer(fake, qsqs.Config{})

	ctx, cancel := context.WithTimeout(s.T().Context(), 200*time.Millisecond)
	defer cancel()

	s.Require().NoError(c.Run(ctx))
}
