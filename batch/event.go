package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const fingerprintDigestLength = 12

type Phase int

const (
	// PhaseReceived is emitted before the policy runs.
	PhaseReceived Phase = iota
	// PhaseHandled is emitted once the outcome is recorded.
	PhaseHandled
)

func (p Phase) String() string {
	if p == PhaseHandled {
		return "handled"
	}
	return "received"
}

// Fingerprint identifies a body in logs without carrying its content.
type Fingerprint struct {
	Length int
	Digest string
}

// FingerprintOf derives the fingerprint of body.
func FingerprintOf(body string) Fingerprint {
	sum := sha256.Sum256([]byte(body))
	return Fingerprint{
		Length: len(body),
		Digest: hex.EncodeToString(sum[:])[:fingerprintDigestLength],
	}
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("len=%d sha256=%s", f.Length, f.Digest)
}

// Event is the observability record for one message.
type Event struct {
	Phase        Phase
	Invocation   string
	MessageID    string
	Fingerprint  Fingerprint
	ReceiveCount int
	// Outcome and Duration are set for PhaseHandled only.
	Outcome  Outcome
	Duration time.Duration
	// Duplicate marks a message answered from the deduplication store.
	Duplicate bool
}

// EventSink receives events. Sinks must be safe for concurrent use when the processor runs on a pool.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Event)

func (f EventSinkFunc) Emit(ctx context.Context, event Event) {
	f(ctx, event)
}

type multiSink []EventSink

func (m multiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}

// Sinks fans every event out to each non-nil sink in order.
func Sinks(sinks ...EventSink) EventSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type discardSink struct{}

func (discardSink) Emit(context.Context, Event) {}
