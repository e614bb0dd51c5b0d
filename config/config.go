package config

import (
	"context"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type contextKey string

func (c contextKey) String() string {
	return "qbatch/config/" + string(c)
}

const (
	ctxKeyConfiguration = contextKey("configurationKey")

	SourceLambda = "lambda"
	SourceSQS    = "sqs"
	SourcePubSub = "pubsub"

	// DefaultSentinelPhrase marks a message body as failed by the sentinel policy.
	DefaultSentinelPhrase = "I am an error"

	maxSQSBatchSize = 10
	maxSQSWaitTime  = 20
)

// ToContext adds service configuration to the current supplied context.
func ToContext(ctx context.Context, config any) context.Context {
	return context.WithValue(ctx, ctxKeyConfiguration, config)
}

// FromContext extracts service configuration from the supplied context if any exist.
func FromContext[T any](ctx context.Context) T {
	if cfg, ok := ctx.Value(ctxKeyConfiguration).(T); ok {
		return cfg
	}
	var zero T
	return zero
}

// FromEnv convenience method to process configs.
func FromEnv[T any]() (T, error) {
	return env.ParseAs[T]()
}

// FillEnv convenience method to fill a config object with environment data.
func FillEnv(v any) error {
	return env.Parse(v)
}

type ConfigurationDefault struct {
	LogLevel      string `envDefault:"info"                      env:"LOG_LEVEL"       yaml:"log_level"`
	LogFormat     string `envDefault:"info"                      env:"LOG_FORMAT"      yaml:"log_format"`
	LogTimeFormat string `envDefault:"2006-01-02T15:04:05Z07:00" env:"LOG_TIME_FORMAT" yaml:"log_time_format"`
	LogColored    bool   `envDefault:"true"                      env:"LOG_COLORED"     yaml:"log_colored"`

	LogShowStackTrace bool `envDefault:"false" env:"LOG_SHOW_STACK_TRACE" yaml:"log_show_stack_trace"`

	OpenTelemetryDisable    bool    `envDefault:"false" env:"OPENTELEMETRY_DISABLE"        yaml:"opentelemetry_disable"`
	OpenTelemetryTraceRatio float64 `envDefault:"0.1"   env:"OPENTELEMETRY_TRACE_ID_RATIO" yaml:"opentelemetry_trace_id_ratio"`

	ServiceName        string `envDefault:"qbatch" env:"SERVICE_NAME"        yaml:"service_name"`
	ServiceEnvironment string `envDefault:""       env:"SERVICE_ENVIRONMENT" yaml:"service_environment"`
	ServiceVersion     string `envDefault:""       env:"SERVICE_VERSION"     yaml:"service_version"`

	// Worker pool settings
	WorkerPoolCPUFactorForWorkerCount int    `envDefault:"10"  env:"WORKER_POOL_CPU_FACTOR_FOR_WORKER_COUNT" yaml:"worker_pool_cpu_factor_for_worker_count"`
	WorkerPoolCapacity                int    `envDefault:"100" env:"WORKER_POOL_CAPACITY"                    yaml:"worker_pool_capacity"`
	WorkerPoolCount                   int    `envDefault:"1"   env:"WORKER_POOL_COUNT"                       yaml:"worker_pool_count"`
	WorkerPoolExpiryDuration          string `envDefault:"1s"  env:"WORKER_POOL_EXPIRY_DURATION"             yaml:"worker_pool_expiry_duration"`

	ProcessorConcurrency   int    `envDefault:"1"             env:"PROCESSOR_CONCURRENCY"     yaml:"processor_concurrency"`
	ProcessorStopOnFailure bool   `envDefault:"false"         env:"PROCESSOR_STOP_ON_FAILURE" yaml:"processor_stop_on_failure"`
	ProcessorSentinel      string `envDefault:"I am an error" env:"PROCESSOR_SENTINEL"        yaml:"processor_sentinel"`

	Source string `envDefault:"lambda" env:"QBATCH_SOURCE" yaml:"source"`

	QueueURL             string `envDefault:"mem://qbatch"   env:"QUEUE_URL"                yaml:"queue_url"`
	QueueMaxBatchSize    int    `envDefault:"10"             env:"QUEUE_MAX_BATCH_SIZE"     yaml:"queue_max_batch_size"`
	QueueBatchWindow     string `envDefault:"250ms"          env:"QUEUE_BATCH_WINDOW"       yaml:"queue_batch_window"`
	QueueReceiveCountKey string `envDefault:"receive_count"  env:"QUEUE_RECEIVE_COUNT_KEY"  yaml:"queue_receive_count_key"`

	SQSQueueURL                 string `env:"SQS_QUEUE_URL"                   yaml:"sqs_queue_url"`
	SQSEndpoint                 string `env:"SQS_ENDPOINT"                    yaml:"sqs_endpoint"`
	SQSRegion                   string `env:"AWS_REGION"                      yaml:"aws_region"`
	SQSWaitTimeSeconds          int32  `env:"SQS_WAIT_TIME_SECONDS"           yaml:"sqs_wait_time_seconds"           envDefault:"20"`
	SQSMaxMessages              int32  `env:"SQS_MAX_MESSAGES"                yaml:"sqs_max_messages"                envDefault:"10"`
	SQSFailureVisibilitySeconds int32  `env:"SQS_FAILURE_VISIBILITY_SECONDS"  yaml:"sqs_failure_visibility_seconds"  envDefault:"0"`

	DedupeURL string `env:"DEDUPE_URL" yaml:"dedupe_url"`
	DedupeTTL string `env:"DEDUPE_TTL" yaml:"dedupe_ttl" envDefault:"24h"`
}

type ConfigurationService interface {
	Name() string
	Environment() string
	Version() string
}

var _ ConfigurationService = new(ConfigurationDefault)

func (c *ConfigurationDefault) Name() string {
	return c.ServiceName
}
func (c *ConfigurationDefault) Environment() string {
	return c.ServiceEnvironment
}
func (c *ConfigurationDefault) Version() string {
	return c.ServiceVersion
}

type ConfigurationLogLevel interface {
	LoggingLevel() string
	LoggingFormat() string
	LoggingTimeFormat() string
	LoggingShowStackTrace() bool
	LoggingColored() bool
	LoggingLevelIsDebug() bool
}

var _ ConfigurationLogLevel = new(ConfigurationDefault)

func (c *ConfigurationDefault) LoggingLevel() string {
	return c.LogLevel
}

func (c *ConfigurationDefault) LoggingTimeFormat() string {
	return c.LogTimeFormat
}

func (c *ConfigurationDefault) LoggingFormat() string {
	return c.LogFormat
}

func (c *ConfigurationDefault) LoggingColored() bool {
	return c.LogColored
}

func (c *ConfigurationDefault) LoggingShowStackTrace() bool {
	return c.LogShowStackTrace
}

func (c *ConfigurationDefault) LoggingLevelIsDebug() bool {
	return c.LoggingLevel() == "debug" || c.LoggingLevel() == "trace"
}

type ConfigurationTelemetry interface {
	DisableOpenTelemetry() bool
	SamplingRatio() float64
}

var _ ConfigurationTelemetry = new(ConfigurationDefault)

func (c *ConfigurationDefault) DisableOpenTelemetry() bool {
	return c.OpenTelemetryDisable
}

func (c *ConfigurationDefault) SamplingRatio() float64 {
	return c.OpenTelemetryTraceRatio
}

type ConfigurationWorkerPool interface {
	GetCPUFactor() int
	GetCapacity() int
	GetCount() int
	GetExpiryDuration() time.Duration
}

var _ ConfigurationWorkerPool = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetCPUFactor() int {
	return c.WorkerPoolCPUFactorForWorkerCount
}

func (c *ConfigurationDefault) GetCapacity() int {
	return c.WorkerPoolCapacity
}

func (c *ConfigurationDefault) GetCount() int {
	return c.WorkerPoolCount
}

func (c *ConfigurationDefault) GetExpiryDuration() time.Duration {
	return parseDurationOr(c.WorkerPoolExpiryDuration, time.Second)
}

type ConfigurationProcessor interface {
	GetProcessorConcurrency() int
	StopOnFailure() bool
	GetSentinelPhrase() string
	GetSource() string
}

var _ ConfigurationProcessor = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetProcessorConcurrency() int {
	if c.ProcessorConcurrency < 1 {
		return 1
	}
	return c.ProcessorConcurrency
}

func (c *ConfigurationDefault) StopOnFailure() bool {
	return c.ProcessorStopOnFailure
}

func (c *ConfigurationDefault) GetSentinelPhrase() string {
	if c.ProcessorSentinel == "" {
		return DefaultSentinelPhrase
	}
	return c.ProcessorSentinel
}

func (c *ConfigurationDefault) GetSource() string {
	switch s := strings.ToLower(strings.TrimSpace(c.Source)); s {
	case SourceSQS, SourcePubSub:
		return s
	default:
		return SourceLambda
	}
}

type ConfigurationQueue interface {
	GetQueueURL() string
	GetQueueMaxBatchSize() int
	GetQueueBatchWindow() time.Duration
	GetQueueReceiveCountKey() string
}

var _ ConfigurationQueue = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetQueueURL() string {
	return strings.TrimSpace(c.QueueURL)
}

func (c *ConfigurationDefault) GetQueueMaxBatchSize() int {
	if c.QueueMaxBatchSize < 1 {
		return 1
	}
	return c.QueueMaxBatchSize
}

func (c *ConfigurationDefault) GetQueueBatchWindow() time.Duration {
	return parseDurationOr(c.QueueBatchWindow, 250*time.Millisecond)
}

func (c *ConfigurationDefault) GetQueueReceiveCountKey() string {
	return c.QueueReceiveCountKey
}

type ConfigurationSQS interface {
	GetSQSQueueURL() string
	GetSQSEndpoint() string
	GetSQSRegion() string
	GetSQSWaitTimeSeconds() int32
	GetSQSMaxMessages() int32
	GetSQSFailureVisibility() time.Duration
}

var _ ConfigurationSQS = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetSQSQueueURL() string {
	return strings.TrimSpace(c.SQSQueueURL)
}

func (c *ConfigurationDefault) GetSQSEndpoint() string {
	return strings.TrimSpace(c.SQSEndpoint)
}

func (c *ConfigurationDefault) GetSQSRegion() string {
	return c.SQSRegion
}

func (c *ConfigurationDefault) GetSQSWaitTimeSeconds() int32 {
	if c.SQSWaitTimeSeconds < 0 {
		return 0
	}
	if c.SQSWaitTimeSeconds > maxSQSWaitTime {
		return maxSQSWaitTime
	}
	return c.SQSWaitTimeSeconds
}

func (c *ConfigurationDefault) GetSQSMaxMessages() int32 {
	if c.SQSMaxMessages < 1 {
		return 1
	}
	if c.SQSMaxMessages > maxSQSBatchSize {
		return maxSQSBatchSize
	}
	return c.SQSMaxMessages
}

func (c *ConfigurationDefault) GetSQSFailureVisibility() time.Duration {
	if c.SQSFailureVisibilitySeconds <= 0 {
		return 0
	}
	return time.Duration(c.SQSFailureVisibilitySeconds) * time.Second
}

type ConfigurationDeduplication interface {
	GetDedupeURL() string
	GetDedupeTTL() time.Duration
}

var _ ConfigurationDeduplication = new(ConfigurationDefault)

func (c *ConfigurationDefault) GetDedupeURL() string {
	return strings.TrimSpace(c.DedupeURL)
}

func (c *ConfigurationDefault) GetDedupeTTL() time.Duration {
	return parseDurationOr(c.DedupeTTL, 24*time.Hour)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil && duration > 0 {
			return duration
		}
	}

	return fallback
}
