package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/pitabwire/qbatch/telemetry"
	"github.com/pitabwire/qbatch/workerpool"
)

// ReasonSkipped is recorded for messages not attempted after an earlier failure in stop-on-failure mode.
const ReasonSkipped = "skipped after earlier failure"

// Deduplicator remembers ids of messages that were already handled successfully.
type Deduplicator interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string, ttl time.Duration) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithEventSink sets where per-message events are sent.
func WithEventSink(sink EventSink) Option {
	return func(p *Processor) {
		if sink != nil {
			p.sink = sink
		}
	}
}

// WithWorkerPool processes the messages of a batch in parallel on the pool.
func WithWorkerPool(m workerpool.Manager) Option {
	return func(p *Processor) {
		p.workers = m
	}
}

// WithStopOnFailure stops attempting messages after the first failure.
// Messages that were not attempted are reported failed so that they are redelivered.
// This forces sequential processing.
func WithStopOnFailure() Option {
	return func(p *Processor) {
		p.stopOnFailure = true
	}
}

// WithDeduplication answers already handled ids from store without invoking the policy.
func WithDeduplication(store Deduplicator, ttl time.Duration) Option {
	return func(p *Processor) {
		p.dedupe = store
		p.dedupeTTL = ttl
	}
}

// WithTracer overrides the tracer used for batch spans.
func WithTracer(t telemetry.Tracer) Option {
	return func(p *Processor) {
		if t != nil {
			p.tracer = t
		}
	}
}

// Processor applies a Policy to each message of a batch independently and reports every outcome.
type Processor struct {
	policy        Policy
	sink          EventSink
	workers       workerpool.Manager
	stopOnFailure bool
	dedupe        Deduplicator
	dedupeTTL     time.Duration
	tracer        telemetry.Tracer
}

// NewProcessor creates a processor for policy, a nil policy accepts every message.
func NewProcessor(policy Policy, opts ...Option) *Processor {
	if policy == nil {
		policy = Accept()
	}

	p := &Processor{
		policy: policy,
		sink:   discardSink{},
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.tracer == nil {
		p.tracer = telemetry.NewTracer(instrumentationName)
	}

	return p
}

// Process handles every message of b and returns their outcomes.
// Only an invalid batch is returned as an error, per-message failures are part of the report.
func (p *Processor) Process(ctx context.Context, b Batch) (*Report, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	invocation := xid.New().String()
	ctx, span := p.tracer.Start(ctx, "Process")
	span.SetAttributes(
		telemetry.AttrInvocationKey.String(invocation),
		telemetry.AttrBatchSizeKey.Int(len(b)),
	)

	log := util.Log(ctx).
		WithField("invocation", invocation).
		WithField("batch_size", len(b))
	log.Info("processing batch")

	report := newReport(invocation, b)
	var failed atomic.Bool

	if p.workers == nil || p.stopOnFailure {
		for i := range b {
			p.processMessage(ctx, invocation, i, b[i], report, &failed)
		}
	} else {
		group := workerpool.NewGroup(ctx, p.workers)
		for i := range b {
			group.Go(func() {
				p.processMessage(ctx, invocation, i, b[i], report, &failed)
			})
		}
		group.Wait()
	}

	p.tracer.End(ctx, span, nil)

	log.WithField("failed", report.FailureCount()).Info("batch processed")
	return report, nil
}

func (p *Processor) processMessage(
	ctx context.Context,
	invocation string,
	i int,
	msg Message,
	report *Report,
	failed *atomic.Bool,
) {
	start := time.Now()
	ev := Event{
		Phase:        PhaseReceived,
		Invocation:   invocation,
		MessageID:    msg.ID,
		Fingerprint:  FingerprintOf(msg.Body),
		ReceiveCount: msg.ReceiveCount,
	}
	p.emit(ctx, ev)

	var outcome Outcome
	switch {
	case p.stopOnFailure && failed.Load():
		outcome = Failure(ReasonSkipped)
	case ctx.Err() != nil:
		outcome = Failure(ctx.Err().Error())
	case p.seen(ctx, msg.ID):
		ev.Duplicate = true
		outcome = Success()
	default:
		outcome = p.handle(ctx, msg)
		if outcome.OK() {
			p.mark(ctx, msg.ID)
		}
	}

	if !outcome.OK() {
		failed.Store(true)
	}

	if !report.record(i, outcome) {
		util.Log(ctx).WithField("message_id", msg.ID).Error("outcome already recorded, ignoring second write")
	}

	ev.Phase = PhaseHandled
	ev.Outcome = outcome
	ev.Duration = time.Since(start)
	p.emit(ctx, ev)
}

func (p *Processor) handle(ctx context.Context, msg Message) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failure(fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := p.policy.Handle(ctx, msg.Body); err != nil {
		return Failure(err.Error())
	}
	return Success()
}

func (p *Processor) emit(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			util.Log(ctx).WithField("message_id", ev.MessageID).
				WithField("panic", fmt.Sprint(r)).
				Error("event sink panicked")
		}
	}()

	p.sink.Emit(ctx, ev)
}

// storeCall runs a dedupe store call, a panicking store is reported as an error.
func storeCall(call func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dedupe store panic: %v", r)
		}
	}()
	return call()
}

func (p *Processor) seen(ctx context.Context, id string) bool {
	if p.dedupe == nil {
		return false
	}

	var ok bool
	err := storeCall(func() (err error) {
		ok, err = p.dedupe.Seen(ctx, id)
		return err
	})
	if err != nil {
		util.Log(ctx).WithError(err).WithField("message_id", id).Warn("dedupe lookup failed, handling message")
		return false
	}
	return ok
}

func (p *Processor) mark(ctx context.Context, id string) {
	if p.dedupe == nil {
		return
	}

	err := storeCall(func() error { return p.dedupe.Mark(ctx, id, p.dedupeTTL) })
	if err != nil {
		util.Log(ctx).WithError(err).WithField("message_id", id).Warn("could not record handled message")
	}
}
