package rpc

import (
	"encoding/json"
	"time"
)

// OutcomeKind is the terminal state of a call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRemoteError
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRemoteError:
		return "remote_error"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// MarshalText lets OutcomeKind render as its name in JSON and logs.
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is produced exactly once per call.
type Outcome struct {
	Kind          OutcomeKind     `json:"kind"`
	CorrelationID string          `json:"correlationData"`
	Status        string          `json:"status,omitempty"`
	ErrorCode     string          `json:"errorCode,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Elapsed       time.Duration   `json:"elapsed"`
}

// Err maps the outcome onto the error taxonomy: nil for success,
// *RemoteError for an explicit device error and ErrTimedOut otherwise.
func (o Outcome) Err() error {
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeRemoteError:
		return &RemoteError{Status: o.Status, Code: o.ErrorCode, Detail: o.Payload}
	default:
		return ErrTimedOut
	}
}

func timedOut(id string) Outcome {
	return Outcome{Kind: OutcomeTimedOut, CorrelationID: id}
}
