package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/exporters/autoexport"
	"go.opentelemetry.io/contrib/propagators/autoprop"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklogs "go.opentelemetry.io/otel/sdk/log"
	sdkmetrics "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/pitabwire/qbatch/config"
)

type manager struct {
	serviceName        string
	serviceVersion     string
	serviceEnvironment string

	cfg config.ConfigurationTelemetry

	disableTracing bool

	traceTextMap      propagation.TextMapPropagator
	traceExporter     sdktrace.SpanExporter
	traceSampler      sdktrace.Sampler
	metricsReader     sdkmetrics.Reader
	metricViews       []sdkmetrics.View
	traceLogsExporter sdklogs.Exporter

	logHandler slog.Handler

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetrics.MeterProvider
	loggerProvider *sdklogs.LoggerProvider
}

// NewManager creates a new telemetry setup manager.
func NewManager(ctx context.Context, cfg config.ConfigurationTelemetry, opts ...Option) Manager {
	m := &manager{
		cfg: cfg,
	}

	if cfg != nil && cfg.DisableOpenTelemetry() {
		m.disableTracing = true
	}

	for _, opt := range opts {
		opt(ctx, m)
	}

	return m
}

func (m *manager) LogHandler() slog.Handler {
	return m.logHandler
}

func (m *manager) Disabled() bool {
	return m.disableTracing
}

func (m *manager) Init(ctx context.Context) error {
	if m.Disabled() {
		return nil
	}

	res, err := m.setupResource()
	if err != nil {
		return err
	}

	m.setupTextMapPropagator()
	m.setupTraceSampler()

	if err = m.setupExporters(ctx); err != nil {
		return err
	}

	m.setupProviders(res)
	return nil
}

// Shutdown flushes and stops every provider created by Init.
func (m *manager) Shutdown(ctx context.Context) error {
	var errs []error
	if m.tracerProvider != nil {
		errs = append(errs, m.tracerProvider.Shutdown(ctx))
	}
	if m.meterProvider != nil {
		errs = append(errs, m.meterProvider.Shutdown(ctx))
	}
	if m.loggerProvider != nil {
		errs = append(errs, m.loggerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// ForceFlush pushes buffered telemetry without stopping the providers.
func (m *manager) ForceFlush(ctx context.Context) error {
	var errs []error
	if m.tracerProvider != nil {
		errs = append(errs, m.tracerProvider.ForceFlush(ctx))
	}
	if m.meterProvider != nil {
		errs = append(errs, m.meterProvider.ForceFlush(ctx))
	}
	if m.loggerProvider != nil {
		errs = append(errs, m.loggerProvider.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}

func (m *manager) setupResource() (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(m.serviceName),
		semconv.ServiceVersion(m.serviceVersion),
		semconv.ServiceNamespace(m.serviceEnvironment),
		semconv.DeploymentEnvironmentName(m.serviceEnvironment),
		semconv.ProcessPID(os.Getpid()),
		semconv.ProcessRuntimeName("go"),
		semconv.ProcessRuntimeVersion(runtime.Version()),
	}

	// Schemaless so the merge never conflicts with the schema URL the SDK stamps on its default resource.
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

func (m *manager) setupTextMapPropagator() {
	if m.traceTextMap == nil {
		m.traceTextMap = autoprop.NewTextMapPropagator()
	}
}

func (m *manager) setupTraceSampler() {
	if m.traceSampler == nil {
		traceIDRatio := 1.0

		if m.cfg != nil {
			traceIDRatio = m.cfg.SamplingRatio()
		}

		m.traceSampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(traceIDRatio))
	}
}

// exportNothingByDefault keeps autoexport from defaulting to OTLP when envVar is unset.
func exportNothingByDefault(envVar string) {
	if os.Getenv(envVar) == "" {
		_ = os.Setenv(envVar, "none")
	}
}

// setupExporters fills every exporter not supplied as an option from the OTEL_*_EXPORTER variables.
func (m *manager) setupExporters(ctx context.Context) error {
	var err error

	if m.traceExporter == nil {
		exportNothingByDefault("OTEL_TRACES_EXPORTER")
		if m.traceExporter, err = autoexport.NewSpanExporter(ctx); err != nil {
			return fmt.Errorf("span exporter: %w", err)
		}
	}

	if m.metricsReader == nil {
		exportNothingByDefault("OTEL_METRICS_EXPORTER")
		if m.metricsReader, err = autoexport.NewMetricReader(ctx); err != nil {
			return fmt.Errorf("metric reader: %w", err)
		}
	}

	if m.traceLogsExporter == nil {
		exportNothingByDefault("OTEL_LOGS_EXPORTER")
		if m.traceLogsExporter, err = autoexport.NewLogExporter(ctx); err != nil {
			return fmt.Errorf("log exporter: %w", err)
		}
	}

	return nil
}

func (m *manager) setupProviders(res *resource.Resource) {
	otel.SetTextMapPropagator(m.traceTextMap)

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(m.traceSampler),
		sdktrace.WithBatcher(m.traceExporter),
		sdktrace.WithResource(res))
	otel.SetTracerProvider(m.tracerProvider)

	m.meterProvider = sdkmetrics.NewMeterProvider(
		sdkmetrics.WithReader(m.metricsReader),
		sdkmetrics.WithResource(res),
		sdkmetrics.WithView(m.metricViews...),
	)
	otel.SetMeterProvider(m.meterProvider)

	m.loggerProvider = sdklogs.NewLoggerProvider(
		sdklogs.WithResource(res),
		sdklogs.WithProcessor(sdklogs.NewBatchProcessor(m.traceLogsExporter)),
	)
	global.SetLoggerProvider(m.loggerProvider)

	m.logHandler = otelslog.NewHandler(m.serviceName,
		otelslog.WithSource(true),
		otelslog.WithLoggerProvider(m.loggerProvider),
		otelslog.WithAttributes(res.Attributes()...))
}
