package qbatch

import (
	"context"
	"time"

	"github.com/pitabwire/qbatch/batch"
	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/dedupe"
)

// WithPolicy replaces the configured sentinel policy.
func WithPolicy(policy batch.Policy) Option {
	return func(_ context.Context, s *Service) {
		s.policy = policy
	}
}

// WithEventSink delivers processor events to sink as well as the log and metric sinks.
func WithEventSink(sink batch.EventSink) Option {
	return func(_ context.Context, s *Service) {
		s.sinks = append(s.sinks, sink)
	}
}

// WithDedupeStore uses store instead of opening DEDUPE_URL. The caller keeps ownership of store.
func WithDedupeStore(store dedupe.Store) Option {
	return func(_ context.Context, s *Service) {
		s.dedupeStore = store
		s.ownsDedupeStore = false
	}
}

// WithProcessorOptions appends options applied after the configured ones.
func WithProcessorOptions(opts ...batch.Option) Option {
	return func(_ context.Context, s *Service) {
		s.processorOptions = append(s.processorOptions, opts...)
	}
}

func (s *Service) dedupeTTL() time.Duration {
	if cfg, ok := s.Config().(config.ConfigurationDeduplication); ok {
		return cfg.GetDedupeTTL()
	}
	return 0
}

func (s *Service) setupDeduplication(ctx context.Context) {
	if s.dedupeStore != nil {
		return
	}

	cfg, ok := s.Config().(config.ConfigurationDeduplication)
	if !ok || cfg.GetDedupeURL() == "" {
		return
	}

	store, err := dedupe.Open(ctx, cfg.GetDedupeURL(), dedupe.WithMaxAge(cfg.GetDedupeTTL()))
	if err != nil {
		s.AddStartupError(err)
		return
	}

	s.dedupeStore = store
	s.ownsDedupeStore = true
}

func (s *Service) setupProcessor() {
	cfg, _ := s.Config().(config.ConfigurationProcessor)

	policy := s.policy
	if policy == nil {
		phrase := config.DefaultSentinelPhrase
		if cfg != nil {
			phrase = cfg.GetSentinelPhrase()
		}
		policy = batch.NewSentinelPolicy(phrase)
	}

	sinks := append([]batch.EventSink{batch.NewLogSink(), batch.NewMetricSink(nil)}, s.sinks...)
	opts := []batch.Option{batch.WithEventSink(batch.Sinks(sinks...))}

	if s.workerPoolManager != nil {
		opts = append(opts, batch.WithWorkerPool(s.workerPoolManager))
	}
	if cfg != nil && cfg.StopOnFailure() {
		opts = append(opts, batch.WithStopOnFailure())
	}
	if s.dedupeStore != nil {
		opts = append(opts, batch.WithDeduplication(s.dedupeStore, s.dedupeTTL()))
	}

	s.processor = batch.NewProcessor(policy, append(opts, s.processorOptions...)...)
}
