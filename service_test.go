package qbatch_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/qbatch"
	"github.com/pitabwire/qbatch/batch"
	"github.com/pitabwire/qbatch/config"
	"github.com/pitabwire/qbatch/dedupe"
	"github.com/pitabwire/qbatch/queue"
)

type recordingSink struct {
	mu     sync.Mutex
	events []batch.Event
}

func (r *recordingSink) Emit(_ context.Context, ev batch.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// outcomes keeps the first handled outcome of every message id.
func (r *recordingSink) outcomes() map[string]batch.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]batch.Outcome{}
	for _, ev := range r.events {
		if ev.Phase != batch.PhaseHandled {
			continue
		}
		if _, ok := out[ev.MessageID]; !ok {
			out[ev.MessageID] = ev.Outcome
		}
	}
	return out
}

func (r *recordingSink) duplicates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Phase == batch.PhaseHandled && ev.Duplicate {
			n++
		}
	}
	return n
}

type ServiceTestSuite struct {
	suite.Suite
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, &ServiceTestSuite{})
}

func (s *ServiceTestSuite) SetupTest() {
	s.T().Setenv("OPENTELEMETRY_DISABLE", "true")
}

func testConfig() *config.ConfigurationDefault {
	return &config.ConfigurationDefault{
		ServiceName:          "qbatch-test",
		LogLevel:             "info",
		OpenTelemetryDisable: true,
	}
}

func scenario() batch.Batch {
	return batch.Batch{
		{ID: "1", Body: "hello"},
		{ID: "2", Body: "I am an error"},
		{ID: "3", Body: "world"},
	}
}

func (s *ServiceTestSuite) TestDefaultsFromEnvironment() {
	ctx, svc := qbatch.NewServiceWithContext(s.T().Context())
	defer svc.Stop(ctx)

	s.Equal("qbatch", svc.Name())
	s.Equal(config.SourceLambda, svc.Source())
	s.Same(svc, qbatch.Svc(ctx))
	s.NotNil(config.FromContext[*config.ConfigurationDefault](ctx))
	s.Nil(svc.WorkManager(), "sequential by default")

	report, err := svc.Processor().Process(ctx, scenario())
	s.Require().NoError(err)
	s.Equal([]string{"1", "3"}, report.SucceededIDs())
	s.Equal([]string{"2"}, report.FailedIDs())

	outcome, ok := report.Outcome("2")
	s.Require().True(ok)
	s.Equal(batch.Failure(batch.ReasonSentinelDetected), outcome)
}

func (s *ServiceTestSuite) TestProcessorFollowsConfiguration() {
	testCases := []struct {
		name        string
		mutate      func(cfg *config.ConfigurationDefault)
		wantFailed  []string
		wantWorkers bool
	}{
		{
			name:       "custom sentinel",
			mutate:     func(cfg *config.ConfigurationDefault) { cfg.ProcessorSentinel = "world" },
			wantFailed: []string{"3"},
		},
		{
			name:       "stop on failure skips the rest",
			mutate:     func(cfg *config.ConfigurationDefault) { cfg.ProcessorStopOnFailure = true },
			wantFailed: []string{"2", "3"},
		},
		{
			name:        "concurrency builds a worker pool",
			mutate:      func(cfg *config.ConfigurationDefault) { cfg.ProcessorConcurrency = 4 },
			wantFailed:  []string{"2"},
			wantWorkers: true,
		},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			cfg := testConfig()
			tc.mutate(cfg)

			ctx, svc := qbatch.NewServiceWithContext(s.T().Context(), qbatch.WithConfig(cfg))
			defer svc.Stop(ctx)

			s.Equal("qbatch", svc.Name(), "name comes from the environment unless overridden")
			s.Equal(tc.wantWorkers, svc.WorkManager() != nil)

			report, err := svc.Processor().Process(ctx, scenario())
			s.Require().NoError(err)
			s.Equal(3, report.Len())
			s.Equal(tc.wantFailed, report.FailedIDs())
		})
	}
}

func (s *ServiceTestSuite) TestOptionsOverrideConfiguration() {
	var buf bytes.Buffer
	sink := &recordingSink{}

	ctx, svc := qbatch.NewServiceWithContext(s.T().Context(),
		qbatch.WithConfig(testConfig()),
		qbatch.WithName("orders"),
		qbatch.WithVersion("1.0.0"),
		qbatch.WithEnvironment("test"),
		qbatch.WithSource(config.SourceSQS),
		qbatch.WithLogger(util.WithLogOutput(&buf), util.WithLogNoColor(true)),
		qbatch.WithPolicy(batch.PolicyFunc(func(_ context.Context, body string) error {
			if body == "hello" {
				return errors.New("greetings are not accepted")
			}
			return nil
		})),
		qbatch.WithEventSink(sink),
	)
	defer svc.Stop(ctx)

	s.Equal("orders", svc.Name())
	s.Equal("1.0.0", svc.Version())
	s.Equal("test", svc.Environment())
	s.Equal(config.SourceSQS, svc.Source())

	report, err := svc.Processor().Process(ctx, scenario())
	s.Require().NoError(err)
	s.Equal([]string{"1"}, report.FailedIDs())
	s.Equal(batch.Failure("greetings are not accepted"), sink.outcomes()["1"])
	s.Contains(buf.String(), "orders")
}

func (s *ServiceTestSuite) TestDeduplicationFromURL() {
	cfg := testConfig()
	cfg.DedupeURL = "mem://"
	sink := &recordingSink{}

	ctx, svc := qbatch.NewServiceWithContext(s.T().Context(), qbatch.WithConfig(cfg), qbatch.WithEventSink(sink))
	defer svc.Stop(ctx)

	_, err := svc.Processor().Process(ctx, scenario())
	s.Require().NoError(err)
	s.Zero(sink.duplicates())

	report, err := svc.Processor().Process(ctx, scenario())
	s.Require().NoError(err)
	s.Equal([]string{"2"}, report.FailedIDs(), "failures are never remembered")
	s.Equal(2, sink.duplicates())
}

func (s *ServiceTestSuite) TestSuppliedDedupeStoreIsNotClosed() {
	store := dedupe.NewMemory()
	defer func() { _ = store.Close() }()

	ctx, svc := qbatch.NewServiceWithContext(s.T().Context(),
		qbatch.WithConfig(testConfig()), qbatch.WithDedupeStore(store))

	_, err := svc.Processor().Process(ctx, scenario())
	s.Require().NoError(err)
	svc.Stop(ctx)

	seen, err := store.Seen(s.T().Context(), "1")
	s.Require().NoError(err)
	s.True(seen)
}

func (s *ServiceTestSuite) TestStartupErrorsPreventRun() {
	cfg := testConfig()
	cfg.DedupeURL = "ftp://nowhere"

	ctx, svc := qbatch.NewServiceWithContext(s.T().Context(), qbatch.WithConfig(cfg))
	defer svc.Stop(ctx)

	err := svc.Run(ctx)
	s.Require().Error(err)
	s.ErrorIs(err, dedupe.ErrUnsupportedScheme)
}

// runScenarioOverPubSub runs the service on a fresh in-memory queue, publishes the scenario
// and checks the recorded outcomes before cancelling Run.
func (s *ServiceTestSuite) runScenarioOverPubSub(cfg *config.ConfigurationDefault, check func(svc *qbatch.Service)) {
	url := "mem://qbatch-" + xid.New().String()
	cfg.QueueURL = url
	cfg.QueueBatchWindow = "200ms"
	cfg.QueueMaxBatchSize = 10
	cfg.QueueReceiveCountKey = "receive_count"
	sink := &recordingSink{}

	runCtx, cancel := context.WithTimeout(s.T().Context(), 20*time.Second)
	defer cancel()

	ctx, svc := qbatch.NewServiceWithContext(runCtx,
		qbatch.WithConfig(cfg), qbatch.WithSource(config.SourcePubSub), qbatch.WithEventSink(sink))
	defer svc.Stop(context.Background())

	if check != nil {
		check(svc)
	}

	// mempubsub needs the topic before a subscription can be opened.
	s.Require().NoError(svc.QueueManager().AddPublisher(ctx, "feed", url))

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	s.Eventually(func() bool {
		sub, err := svc.QueueManager().GetSubscriber("qbatch")
		return err == nil && sub != nil && sub.Initiated()
	}, 5*time.Second, 20*time.Millisecond)

	for _, msg := range scenario() {
		s.Require().NoError(svc.QueueManager().Publish(ctx, "feed", msg.Body, map[string]string{
			queue.MetadataMessageID: msg.ID,
		}))
	}

	s.Eventually(func() bool {
		return len(sink.outcomes()) == 3
	}, 10*time.Second, 50*time.Millisecond)

	outcomes := sink.outcomes()
	s.Equal(batch.Success(), outcomes["1"])
	s.Equal(batch.Failure(batch.ReasonSentinelDetected), outcomes["2"])
	s.Equal(batch.Success(), outcomes["3"])

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(10 * time.Second):
		s.Fail(fmt.Sprintf("run did not return after cancellation on %s", url))
	}
}

func (s *ServiceTestSuite) TestPubSubSource() {
	s.runScenarioOverPubSub(testConfig(), nil)
}

func (s *ServiceTestSuite) TestPubSubSourceWithTelemetryEnabled() {
	for _, key := range []string{"OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER", "OTEL_LOGS_EXPORTER"} {
		s.T().Setenv(key, "none")
	}

	cfg, err := config.FromEnv[config.ConfigurationDefault]()
	s.Require().NoError(err)
	cfg.OpenTelemetryDisable = false
	cfg.OpenTelemetryTraceRatio = 1

	s.runScenarioOverPubSub(&cfg, func(svc *qbatch.Service) {
		s.Require().NotNil(svc.TelemetryManager())
		s.False(svc.TelemetryManager().Disabled())
	})
}

func (s *ServiceTestSuite) TestStopIsIdempotent() {
	ctx, svc := qbatch.NewServiceWithContext(s.T().Context(), qbatch.WithConfig(testConfig()))
	svc.Stop(ctx)
	svc.Stop(ctx)
	s.Error(ctx.Err(), "stop cancels the service context")
}
