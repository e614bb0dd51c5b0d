package batch

import (
	"encoding/json"
	"sync/atomic"
)

// Entry is one row of a Report.
type Entry struct {
	MessageID string  `json:"id"`
	Outcome   Outcome `json:"outcome"`
}

// Report holds one outcome per message of a batch in batch order.
// Slots are filled by position and each slot accepts a single write, so workers
// handling different messages never contend.
type Report struct {
	invocation string
	entries    []Entry
	written    []atomic.Bool
	index      map[string]int
}

func newReport(invocation string, b Batch) *Report {
	r := &Report{
		invocation: invocation,
		entries:    make([]Entry, len(b)),
		written:    make([]atomic.Bool, len(b)),
		index:      make(map[string]int, len(b)),
	}
	for i, m := range b {
		r.entries[i].MessageID = m.ID
		r.index[m.ID] = i
	}
	return r
}

// record stores the outcome for position i, a second write to the same slot is rejected.
func (r *Report) record(i int, outcome Outcome) bool {
	if !r.written[i].CompareAndSwap(false, true) {
		return false
	}
	r.entries[i].Outcome = outcome
	return true
}

// Invocation is the identifier of the Process call that produced the report.
func (r *Report) Invocation() string {
	return r.invocation
}

func (r *Report) Len() int {
	return len(r.entries)
}

// Entries returns a copy of the report rows in batch order.
func (r *Report) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Outcome looks up the outcome recorded for id.
func (r *Report) Outcome(id string) (Outcome, bool) {
	i, ok := r.index[id]
	if !ok {
		return Outcome{}, false
	}
	return r.entries[i].Outcome, true
}

// SucceededIDs lists the ids to acknowledge, in batch order.
func (r *Report) SucceededIDs() []string {
	return r.filter(true)
}

// FailedIDs lists the ids to leave for redelivery, in batch order.
func (r *Report) FailedIDs() []string {
	return r.filter(false)
}

func (r *Report) FailureCount() int {
	n := 0
	for _, e := range r.entries {
		if !e.Outcome.OK() {
			n++
		}
	}
	return n
}

// Equal compares ids and outcomes, the invocation id is ignored.
func (r *Report) Equal(other *Report) bool {
	if r == nil || other == nil {
		return r == other
	}
	if len(r.entries) != len(other.entries) {
		return false
	}
	for i := range r.entries {
		if r.entries[i] != other.entries[i] {
			return false
		}
	}
	return true
}

func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Invocation string  `json:"invocation"`
		Entries    []Entry `json:"entries"`
	}{
		Invocation: r.invocation,
		Entries:    r.entries,
	})
}

func (r *Report) filter(ok bool) []string {
	ids := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Outcome.OK() == ok {
			ids = append(ids, e.MessageID)
		}
	}
	return ids
}
