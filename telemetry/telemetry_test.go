package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/telemetry"
)

type TelemetryTestSuite struct {
	suite.Suite
}

func TestTelemetrySuite(t *testing.T) {
	suite.Run(t, &TelemetryTestSuite{})
}

func (s *TelemetryTestSuite) TestDisabledManagerIsNoop() {
	cfg := &config.ConfigurationDefault{OpenTelemetryDisable: true}
	m := telemetry.NewManager(s.T().Context(), cfg)

	s.True(m.Disabled())
	s.Require().NoError(m.Init(s.T().Context()))
	s.Nil(m.LogHandler())
	s.Require().NoError(m.ForceFlush(s.T().Context()))
	s.Require().NoError(m.Shutdown(s.T().Context()))
}

func (s *TelemetryTestSuite) TestInitWithEnvironmentExporters() {
	for _, key := range []string{"OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER", "OTEL_LOGS_EXPORTER"} {
		s.T().Setenv(key, "none")
	}
	ctx := s.T().Context()

	cfg, err := config.FromEnv[config.ConfigurationDefault]()
	s.Require().NoError(err)
	s.False(cfg.DisableOpenTelemetry())

	m := telemetry.NewManager(ctx, &cfg,
		telemetry.WithServiceName("qbatch-test"),
		telemetry.WithPropagationTextMap(propagation.TraceContext{}))
	s.Require().NoError(m.Init(ctx), "the service resource merges with the sdk default resource")
	defer func() { s.Require().NoError(m.Shutdown(context.Background())) }()

	s.NotNil(m.LogHandler())
	s.Contains(otel.GetTextMapPropagator().Fields(), "traceparent")
}

func (s *TelemetryTestSuite) TestTracerRecordsSpansAndLatency() {
	s.T().Setenv("OTEL_LOGS_EXPORTER", "none")
	ctx := s.T().Context()

	exporter := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()

	m := telemetry.NewManager(ctx, &config.ConfigurationDefault{OpenTelemetryTraceRatio: 1},
		telemetry.WithServiceName("qbatch-test"),
		telemetry.WithServiceVersion("0.0.1"),
		telemetry.WithServiceEnvironment("test"),
		telemetry.WithTraceExporter(exporter),
		telemetry.WithTraceSampler(sdktrace.AlwaysSample()),
		telemetry.WithMetricsReader(reader),
		telemetry.WithMetricViews(telemetry.LatencyView("qbatch/test")),
	)
	s.Require().NoError(m.Init(ctx))
	defer func() { s.Require().NoError(m.Shutdown(context.Background())) }()
	s.False(m.Disabled())
	s.NotNil(m.LogHandler())

	tracer := telemetry.NewTracer("qbatch/test")

	spanCtx, span := tracer.Start(ctx, "ok")
	tracer.End(spanCtx, span, nil)

	spanCtx, span = tracer.Start(ctx, "broken")
	tracer.End(spanCtx, span, errors.New("broken"))

	s.Require().NoError(m.ForceFlush(ctx))

	spans := exporter.GetSpans()
	s.Require().Len(spans, 2)
	s.Equal("ok", spans[0].Name)
	s.Equal(codes.Ok, spans[0].Status.Code)
	s.Equal("broken", spans[1].Name)
	s.Equal(codes.Error, spans[1].Status.Code)
	serviceName, ok := spans[0].Resource.Set().Value(attribute.Key("service.name"))
	s.Require().True(ok)
	s.Equal("qbatch-test", serviceName.AsString())

	var rm metricdata.ResourceMetrics
	s.Require().NoError(reader.Collect(ctx, &rm))

	var points uint64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "qbatch/test/latency" {
				continue
			}
			hist, ok := metric.Data.(metricdata.Histogram[float64])
			s.Require().True(ok)
			for _, dp := range hist.DataPoints {
				points += dp.Count
			}
		}
	}
	s.Equal(uint64(2), points)
}

func (s *TelemetryTestSuite) TestErrorCode() {
	testCases := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: "ok"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "deadline", err: context.DeadlineExceeded, want: "deadline exceeded"},
		{name: "other", err: errors.New("x"), want: "err"},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			s.Equal(tc.want, telemetry.ErrorCode(tc.err))
		})
	}
}
