package batch

import (
	"encoding/json"
)

type Status int

const (
	statusUnset Status = iota
	StatusSuccess
	StatusFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unset"
	}
}

// Outcome is the terminal result of one message.
type Outcome struct {
	Status Status
	Reason string
}

func Success() Outcome {
	return Outcome{Status: StatusSuccess}
}

func Failure(reason string) Outcome {
	return Outcome{Status: StatusFailure, Reason: reason}
}

func (o Outcome) OK() bool {
	return o.Status == StatusSuccess
}

func (o Outcome) String() string {
	if o.Status == StatusFailure {
		return "failure: " + o.Reason
	}
	return o.Status.String()
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status string `json:"status"`
		Reason string `json:"reason,omitempty"`
	}{
		Status: o.Status.String(),
		Reason: o.Reason,
	})
}
