// Package qbatch assembles a batch processor from configuration and runs it against the configured
// message source until the context is done.
package qbatch

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pitabwire/util"

	"github.com/pitabwire/qbatch/batch"
	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/dedupe"
	"github.com/pitabwire/qbatch/queue"
	"github.com/pitabwire/qbatch/telemetry"
	"github.com/pitabwire/qbatch/version"
	"github.com/pitabwire/qbatch/workerpool"
)

type contextKey string

func (c contextKey) String() string {
	return "qbatch/" + string(c)
}

const ctxKeyService = contextKey("serviceKey")

// Service holds together every component needed to process batches.
// An instance lives for the lifetime of the application and is carried on contexts.
type Service struct {
	name          string
	version       string
	environment   string
	source        string
	configuration any

	logger     *util.LogEntry
	logOptions []util.Option

	telemetryManager telemetry.Manager
	telemetryOptions []telemetry.Option

	workerPoolManager workerpool.Manager
	workerPoolOptions []workerpool.Option

	policy           batch.Policy
	sinks            []batch.EventSink
	dedupeStore      dedupe.Store
	ownsDedupeStore  bool
	processorOptions []batch.Option
	processor        *batch.Processor

	queueManager queue.Manager

	cancelFunc    context.CancelFunc
	startupErrors []error
	stopOnce      sync.Once
}

type Option func(ctx context.Context, service *Service)

// NewService creates a Service on a background context.
func NewService(opts ...Option) (context.Context, *Service) {
	return NewServiceWithContext(context.Background(), opts...)
}

// NewServiceWithContext creates a Service whose context is cancelled on the usual termination signals.
// Setup problems are collected and reported by Run.
func NewServiceWithContext(ctx context.Context, opts ...Option) (context.Context, *Service) {
	ctx, signalCancelFunc := signal.NotifyContext(ctx,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	service := &Service{
		name:       "qbatch",
		version:    version.Version,
		logger:     util.Log(ctx),
		cancelFunc: signalCancelFunc,
	}

	defaultCfg, err := config.FromEnv[config.ConfigurationDefault]()
	if err != nil {
		service.AddStartupError(err)
	}
	service.configuration = &defaultCfg

	if defaultCfg.Name() != "" {
		service.name = defaultCfg.Name()
	}
	if defaultCfg.Version() != "" {
		service.version = defaultCfg.Version()
	}
	service.environment = defaultCfg.Environment()

	for _, opt := range opts {
		opt(ctx, service)
	}

	ctx = service.setup(ctx)

	ctx = ToContext(ctx, service)
	ctx = config.ToContext(ctx, service.Config())
	return ctx, service
}

// ToContext pushes a service instance into the supplied context for easier propagation.
func ToContext(ctx context.Context, service *Service) context.Context {
	return context.WithValue(ctx, ctxKeyService, service)
}

// Svc obtains a service instance being propagated through the context.
func Svc(ctx context.Context) *Service {
	service, ok := ctx.Value(ctxKeyService).(*Service)
	if !ok {
		return nil
	}

	return service
}

func WithName(name string) Option {
	return func(_ context.Context, s *Service) {
		s.name = name
	}
}

func WithVersion(v string) Option {
	return func(_ context.Context, s *Service) {
		s.version = v
	}
}

func WithEnvironment(environment string) Option {
	return func(_ context.Context, s *Service) {
		s.environment = environment
	}
}

// WithConfig replaces the configuration read from the environment.
// The value should implement the config capability interfaces it wants honoured.
func WithConfig(cfg any) Option {
	return func(_ context.Context, s *Service) {
		s.configuration = cfg
	}
}

// WithSource overrides the configured message source, one of config.SourceLambda, SourceSQS or SourcePubSub.
func WithSource(source string) Option {
	return func(_ context.Context, s *Service) {
		s.source = source
	}
}

func (s *Service) Name() string {
	return s.name
}

func (s *Service) Version() string {
	return s.version
}

func (s *Service) Environment() string {
	return s.environment
}

func (s *Service) Config() any {
	return s.configuration
}

// Source is the message source Run consumes from.
func (s *Service) Source() string {
	if s.source != "" {
		return s.source
	}
	if cfg, ok := s.configuration.(config.ConfigurationProcessor); ok {
		return cfg.GetSource()
	}
	return config.SourceLambda
}

func (s *Service) Processor() *batch.Processor {
	return s.processor
}

func (s *Service) TelemetryManager() telemetry.Manager {
	return s.telemetryManager
}

func (s *Service) WorkManager() workerpool.Manager {
	return s.workerPoolManager
}

// QueueManager is the registry used by the pubsub source, it can also feed queues with publishers.
func (s *Service) QueueManager() queue.Manager {
	return s.queueManager
}

// AddStartupError records a setup failure, Run refuses to start while any are present.
func (s *Service) AddStartupError(err error) {
	if err != nil {
		s.startupErrors = append(s.startupErrors, err)
	}
}

func (s *Service) startupError() error {
	return errors.Join(s.startupErrors...)
}

func (s *Service) setup(ctx context.Context) context.Context {
	s.setupTelemetry(ctx)
	s.setupLogger(ctx)
	ctx = util.ContextWithLogger(ctx, s.logger)

	s.setupWorkerPool(ctx)
	s.setupDeduplication(ctx)
	s.setupProcessor()

	s.queueManager = queue.NewQueueManager(ctx)
	return ctx
}

// Stop releases the worker pool, the deduplication store, the queues and flushes telemetry.
// It is safe to call more than once.
func (s *Service) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		log := s.Log(ctx)
		log.Info("service stopping")

		if s.queueManager != nil {
			if err := s.queueManager.Close(ctx); err != nil {
				log.WithError(err).Warn("could not close queues")
			}
		}

		if s.workerPoolManager != nil {
			if err := s.workerPoolManager.Shutdown(ctx); err != nil {
				log.WithError(err).Warn("could not shut down worker pool")
			}
		}

		if s.dedupeStore != nil && s.ownsDedupeStore {
			if err := s.dedupeStore.Close(); err != nil {
				log.WithError(err).Warn("could not close dedupe store")
			}
		}

		if s.telemetryManager != nil {
			if err := s.telemetryManager.Shutdown(ctx); err != nil {
				log.WithError(err).Warn("could not shut down telemetry")
			}
		}

		if s.cancelFunc != nil {
			s.cancelFunc()
		}
	})
}
