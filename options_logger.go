package qbatch

import (
	"context"
	"log/slog"

	"github.com/pitabwire/util"

	"github.com/pitabwire/qbatch/config"
)

// WithLogger adds logger options, the configured level, time format and colour are applied first.
func WithLogger(opts ...util.Option) Option {
	return func(_ context.Context, s *Service) {
		s.logOptions = append(s.logOptions, opts...)
	}
}

func (s *Service) setupLogger(ctx context.Context) {
	var opts []util.Option

	if cfg, ok := s.Config().(config.ConfigurationLogLevel); ok {
		logLevel, err := util.ParseLevel(cfg.LoggingLevel())
		if err == nil {
			opts = append(opts, util.WithLogLevel(logLevel))
		}
		opts = append(opts,
			util.WithLogTimeFormat(cfg.LoggingTimeFormat()),
			util.WithLogNoColor(!cfg.LoggingColored()))
		if cfg.LoggingShowStackTrace() {
			opts = append(opts, util.WithLogStackTrace())
		}
	}

	if s.telemetryManager != nil && !s.telemetryManager.Disabled() {
		opts = append(opts, util.WithLogHandler(s.telemetryManager.LogHandler()))
	}

	opts = append(opts, s.logOptions...)

	s.logger = util.NewLogger(ctx, opts...).
		WithField("service", s.Name()).
		WithField("source", s.Source())
}

func (s *Service) Log(ctx context.Context) *util.LogEntry {
	return s.logger.WithContext(ctx)
}

func (s *Service) SLog(ctx context.Context) *slog.Logger {
	return s.Log(ctx).SLog()
}
