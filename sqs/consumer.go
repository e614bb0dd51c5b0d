// Package sqs consumes batches from an AWS SQS queue by long polling, runs them through a processor
// and deletes only the messages that succeeded.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pitabwire/util"

	"github.com/pitabwire/qbatch/batch"
	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/internal"
)

const (
	maxMessagesPerBatch = 10
	maxWaitTimeSeconds  = 20
	receiveRetryDelay   = time.Second

	attributeReceiveCount = "ApproximateReceiveCount"
)

// API is the subset of SQS operations needed by the Consumer.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// BatchProcessor is satisfied by *batch.Processor.
type BatchProcessor interface {
	Process(ctx context.Context, b batch.Batch) (*batch.Report, error)
}

// Config holds SQS consumer configuration.
type Config struct {
	// QueueURL is the URL of the SQS queue to consume from.
	QueueURL string

	// WaitTimeSeconds is how long to wait for messages (long polling). Max is 20 seconds.
	WaitTimeSeconds int32

	// MaxMessages is the receive size, between 1 and 10.
	MaxMessages int32

	// FailureVisibilityTimeout, when positive, makes failed messages visible again after this delay
	// instead of waiting out the queue visibility timeout.
	FailureVisibilityTimeout time.Duration
}

// ConfigDefaults returns sensible defaults for SQS consumer configuration.
func ConfigDefaults() Config {
	return Config{
		WaitTimeSeconds: maxWaitTimeSeconds,
		MaxMessages:     maxMessagesPerBatch,
	}
}

// ConfigFrom reads the consumer settings from service configuration.
func ConfigFrom(cfg config.ConfigurationSQS) Config {
	return Config{
		QueueURL:                 cfg.GetSQSQueueURL(),
		WaitTimeSeconds:          cfg.GetSQSWaitTimeSeconds(),
		MaxMessages:              cfg.GetSQSMaxMessages(),
		FailureVisibilityTimeout: cfg.GetSQSFailureVisibility(),
	}
}

// WithEndpoint points the client at a custom endpoint such as a local SQS emulator.
func WithEndpoint(endpoint string) func(*sqs.Options) {
	return func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}
}

// Consumer receives, processes and acknowledges SQS batches.
type Consumer struct {
	client    API
	config    Config
	processor BatchProcessor
}

// NewConsumer creates a consumer with an SQS client built from cfg.
func NewConsumer(cfg aws.Config, sqsConfig Config, processor BatchProcessor, optFns ...func(*sqs.Options)) (*Consumer, error) {
	return NewConsumerWithClient(sqs.NewFromConfig(cfg, optFns...), sqsConfig, processor)
}

// NewConsumerWithClient creates a consumer around an existing client.
func NewConsumerWithClient(client API, sqsConfig Config, processor BatchProcessor) (*Consumer, error) {
	if sqsConfig.QueueURL == "" {
		return nil, errors.New("queue URL is required")
	}
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if processor == nil {
		return nil, errors.New("batch processor is required")
	}

	defaults := ConfigDefaults()
	if sqsConfig.WaitTimeSeconds <= 0 || sqsConfig.WaitTimeSeconds > maxWaitTimeSeconds {
		sqsConfig.WaitTimeSeconds = defaults.WaitTimeSeconds
	}
	if sqsConfig.MaxMessages <= 0 || sqsConfig.MaxMessages > maxMessagesPerBatch {
		sqsConfig.MaxMessages = defaults.MaxMessages
	}

	return &Consumer{
		client:    client,
		config:    sqsConfig,
		processor: processor,
	}, nil
}

// Received is a batch together with the receipt handles needed to acknowledge it.
type Received struct {
	Batch    batch.Batch
	receipts map[string]string
}

// ReceiveBatch long polls for up to MaxMessages messages.
// Messages without an id, receipt handle or body are skipped.
func (c *Consumer) ReceiveBatch(ctx context.Context) (*Received, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(c.config.QueueURL),
		MaxNumberOfMessages:         c.config.MaxMessages,
		WaitTimeSeconds:             c.config.WaitTimeSeconds,
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive messages: %w", err)
	}

	received := &Received{
		Batch:    make(batch.Batch, 0, len(result.Messages)),
		receipts: make(map[string]string, len(result.Messages)),
	}

	for _, msg := range result.Messages {
		if msg.MessageId == nil || msg.ReceiptHandle == nil || msg.Body == nil {
			continue
		}
		if _, dup := received.receipts[*msg.MessageId]; dup {
			continue
		}

		received.receipts[*msg.MessageId] = *msg.ReceiptHandle
		received.Batch = append(received.Batch, batch.Message{
			ID:           *msg.MessageId,
			Body:         *msg.Body,
			ReceiveCount: internal.PriorAttempts(msg.Attributes[attributeReceiveCount]),
			Attributes:   messageAttributes(msg.MessageAttributes),
		})
	}

	if len(received.Batch) > 0 {
		util.Log(ctx).WithField("count", len(received.Batch)).Debug("received messages")
	}

	return received, nil
}

// Acknowledge deletes every succeeded message of report and, when configured,
// shortens the visibility timeout of the failed ones.
func (c *Consumer) Acknowledge(ctx context.Context, r *Received, report *batch.Report) error {
	var errs []error

	if err := c.deleteMessages(ctx, r.handles(report.SucceededIDs())); err != nil {
		errs = append(errs, err)
	}

	if c.config.FailureVisibilityTimeout > 0 {
		if err := c.releaseMessages(ctx, r.handles(report.FailedIDs())); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Poll runs one receive, process and acknowledge cycle. It returns a nil report when the queue was empty.
func (c *Consumer) Poll(ctx context.Context) (*batch.Report, error) {
	received, err := c.ReceiveBatch(ctx)
	if err != nil {
		return nil, err
	}
	if len(received.Batch) == 0 {
		return nil, nil
	}

	util.Log(ctx).WithField("batch_size", len(received.Batch)).Info("processing sqs batch")

	report, err := c.processor.Process(ctx, received.Batch)
	if err != nil {
		// Nothing is deleted, the whole batch is redelivered after the visibility timeout.
		return nil, err
	}

	return report, c.Acknowledge(ctx, received, report)
}

// Run polls until ctx is done. Receive and acknowledge errors are logged and polling continues.
func (c *Consumer) Run(ctx context.Context) error {
	log := util.Log(ctx).WithField("queue_url", c.config.QueueURL)
	log.Info("starting sqs consumer")

	for {
		if ctx.Err() != nil {
			log.Info("stopping sqs consumer")
			return nil
		}

		_, err := c.Poll(ctx)
		if err == nil {
			continue
		}

		if ctx.Err() != nil {
			continue
		}

		log.WithError(err).Error("sqs poll failed")
		select {
		case <-ctx.Done():
		case <-time.After(receiveRetryDelay):
		}
	}
}

// Close satisfies io.Closer, the SQS client holds nothing to release.
func (c *Consumer) Close() error {
	return nil
}

func (c *Consumer) deleteMessages(ctx context.Context, handles []string) error {
	var errs []error
	for _, chunk := range chunks(handles) {
		entries := make([]types.DeleteMessageBatchRequestEntry, len(chunk))
		for i, h := range chunk {
			entries[i] = types.DeleteMessageBatchRequestEntry{
				Id:            aws.String(strconv.Itoa(i)),
				ReceiptHandle: aws.String(h),
			}
		}

		out, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
			QueueUrl: aws.String(c.config.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to delete messages: %w", err))
			continue
		}
		errs = append(errs, entryErrors(ctx, "delete", out.Failed)...)
	}
	return errors.Join(errs...)
}

func (c *Consumer) releaseMessages(ctx context.Context, handles []string) error {
	timeout := int32(c.config.FailureVisibilityTimeout / time.Second)

	var errs []error
	for _, chunk := range chunks(handles) {
		entries := make([]types.ChangeMessageVisibilityBatchRequestEntry, len(chunk))
		for i, h := range chunk {
			entries[i] = types.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				ReceiptHandle:     aws.String(h),
				VisibilityTimeout: timeout,
			}
		}

		out, err := c.client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(c.config.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to change message visibility: %w", err))
			continue
		}
		errs = append(errs, entryErrors(ctx, "change visibility", out.Failed)...)
	}
	return errors.Join(errs...)
}

func (r *Received) handles(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if h, ok := r.receipts[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func chunks(handles []string) [][]string {
	var out [][]string
	for len(handles) > 0 {
		n := min(len(handles), maxMessagesPerBatch)
		out = append(out, handles[:n])
		handles = handles[n:]
	}
	return out
}

func entryErrors(ctx context.Context, op string, failed []types.BatchResultErrorEntry) []error {
	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		err := fmt.Errorf("%s entry %s failed: %s: %s", op, aws.ToString(f.Id), aws.ToString(f.Code), aws.ToString(f.Message))
		util.Log(ctx).WithError(err).WithField("sender_fault", f.SenderFault).Warn("sqs batch entry failed")
		errs = append(errs, err)
	}
	return errs
}

func messageAttributes(attrs map[string]types.MessageAttributeValue) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v.StringValue != nil {
			out[k] = *v.StringValue
		}
	}
	return out
}
