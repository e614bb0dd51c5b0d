package batch

import (
	"fmt"
)

// Message is a single unit of queued work. It is never modified by the processor.
type Message struct {
	// ID is unique within a batch and is the key acknowledgements are reported against.
	ID string
	// Body is the raw payload handed to the policy.
	Body string
	// ReceiveCount is the number of prior delivery attempts as reported by the queue.
	ReceiveCount int
	// Attributes carries transport metadata, it is not interpreted by the processor.
	Attributes map[string]string
}

// Batch is an ordered group of messages delivered in one invocation.
type Batch []Message

// Validate reports ErrInvalidBatch when the batch is empty or its ids cannot key a report.
func (b Batch) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("%w: batch is empty", ErrInvalidBatch)
	}

	seen := make(map[string]int, len(b))
	for i, m := range b {
		if m.ID == "" {
			return fmt.Errorf("%w: message at index %d has no id", ErrInvalidBatch, i)
		}
		if prev, ok := seen[m.ID]; ok {
			return fmt.Errorf("%w: message id %q repeated at index %d and %d", ErrInvalidBatch, m.ID, prev, i)
		}
		seen[m.ID] = i
	}

	return nil
}

// IDs returns the message ids in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b))
	for i, m := range b {
		ids[i] = m.ID
	}
	return ids
}
