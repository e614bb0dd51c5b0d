package batch

import (
	"context"
	"strings"
)

// ReasonSentinelDetected is the failure reason produced by SentinelPolicy.
const ReasonSentinelDetected = "sentinel detected"

// Policy holds the domain logic applied to a single message body.
// A non-nil error fails only that message.
type Policy interface {
	Handle(ctx context.Context, body string) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, body string) error

func (f PolicyFunc) Handle(ctx context.Context, body string) error {
	return f(ctx, body)
}

// SentinelPolicy fails any body containing Phrase.
type SentinelPolicy struct {
	Phrase string
}

// NewSentinelPolicy returns a SentinelPolicy for phrase.
func NewSentinelPolicy(phrase string) SentinelPolicy {
	return SentinelPolicy{Phrase: phrase}
}

func (p SentinelPolicy) Handle(_ context.Context, body string) error {
	if p.Phrase != "" && strings.Contains(body, p.Phrase) {
		return NewHandlingError(ReasonSentinelDetected, nil)
	}
	return nil
}

// Chain runs policies in order and stops at the first error.
func Chain(policies ...Policy) Policy {
	return PolicyFunc(func(ctx context.Context, body string) error {
		for _, p := range policies {
			if p == nil {
				continue
			}
			if err := p.Handle(ctx, body); err != nil {
				return err
			}
		}
		return nil
	})
}

// Accept is a policy that succeeds for every body.
func Accept() Policy {
	return PolicyFunc(func(context.Context, string) error { return nil })
}
