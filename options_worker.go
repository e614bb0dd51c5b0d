package qbatch

import (
	"context"

	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/workerpool"
)

// WithWorkerPoolOptions makes messages of a batch run in parallel on an ants pool built with options.
// Without it a pool is still created when PROCESSOR_CONCURRENCY is above one.
func WithWorkerPoolOptions(options ...workerpool.Option) Option {
	return func(_ context.Context, s *Service) {
		s.workerPoolOptions = append(s.workerPoolOptions, options...)
		if s.workerPoolOptions == nil {
			s.workerPoolOptions = []workerpool.Option{}
		}
	}
}

// WithWorkManager supplies an existing pool manager, Stop shuts it down with the service.
func WithWorkManager(m workerpool.Manager) Option {
	return func(_ context.Context, s *Service) {
		s.workerPoolManager = m
	}
}

func (s *Service) setupWorkerPool(ctx context.Context) {
	if s.workerPoolManager != nil {
		return
	}

	concurrency := 1
	if cfg, ok := s.Config().(config.ConfigurationProcessor); ok {
		concurrency = cfg.GetProcessorConcurrency()
	}

	if concurrency <= 1 && s.workerPoolOptions == nil {
		return
	}

	wcfg, _ := s.Config().(config.ConfigurationWorkerPool)

	opts := []workerpool.Option{workerpool.WithPoolLogger(s.logger)}
	if concurrency > 1 {
		opts = append(opts, workerpool.WithSinglePoolCapacity(concurrency))
	}
	opts = append(opts, s.workerPoolOptions...)

	wpm, err := workerpool.NewManager(ctx, wcfg, opts...)
	if err != nil {
		s.AddStartupError(err)
		return
	}
	s.workerPoolManager = wpm
}
