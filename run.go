package qbatch

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/lambda"
	"github.com/pitabwire/qbatch/queue"
	"github.com/pitabwire/qbatch/sqs"
)

const subscriberReference = "qbatch"

// Run consumes from the configured source until ctx is done.
// The lambda source hands control to the Lambda runtime and does not return under it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.startupError(); err != nil {
		return fmt.Errorf("service could not start: %w", err)
	}

	ctx = ToContext(ctx, s)
	ctx = config.ToContext(ctx, s.Config())

	log := s.Log(ctx)
	log.WithField("version", s.Version()).Info("service starting")

	var err error
	switch source := s.Source(); source {
	case config.SourceLambda:
		lambda.Start(ctx, lambda.NewHandler(s.processor, lambda.WithFlusher(s.telemetryManager)))
	case config.SourceSQS:
		err = s.runSQS(ctx)
	case config.SourcePubSub:
		err = s.runQueue(ctx)
	default:
		err = fmt.Errorf("unknown message source %q", source)
	}

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (s *Service) runSQS(ctx context.Context) error {
	cfg, ok := s.Config().(config.ConfigurationSQS)
	if !ok {
		return errors.New("sqs configuration is not setup")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.GetSQSRegion() != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.GetSQSRegion()))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("could not load aws configuration: %w", err)
	}

	consumer, err := sqs.NewConsumer(awsCfg, sqs.ConfigFrom(cfg), s.processor, sqs.WithEndpoint(cfg.GetSQSEndpoint()))
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	return consumer.Run(ctx)
}

func (s *Service) runQueue(ctx context.Context) error {
	cfg, ok := s.Config().(config.ConfigurationQueue)
	if !ok {
		return errors.New("queue configuration is not setup")
	}

	err := s.queueManager.AddSubscriber(ctx, subscriberReference, cfg.GetQueueURL(), s.processor,
		queue.WithQueueConfig(cfg))
	if err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", cfg.GetQueueURL(), err)
	}

	err = s.queueManager.Listen(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
