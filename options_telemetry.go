package qbatch

import (
	"context"

	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/telemetry"
)

// WithTelemetry adds telemetry options such as custom exporters or readers.
func WithTelemetry(opts ...telemetry.Option) Option {
	return func(_ context.Context, s *Service) {
		s.telemetryOptions = append(s.telemetryOptions, opts...)
	}
}

func (s *Service) setupTelemetry(ctx context.Context) {
	cfg, _ := s.Config().(config.ConfigurationTelemetry)

	opts := append([]telemetry.Option{
		telemetry.WithServiceName(s.Name()),
		telemetry.WithServiceVersion(s.Version()),
		telemetry.WithServiceEnvironment(s.Environment()),
	}, s.telemetryOptions...)

	s.telemetryManager = telemetry.NewManager(ctx, cfg, opts...)
	if err := s.telemetryManager.Init(ctx); err != nil {
		s.AddStartupError(err)
	}
}
