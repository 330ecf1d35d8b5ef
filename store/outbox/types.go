package outbox

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// State is the bucket an entry currently belongs to.
type State string

const (
	// StateNone means the entry was not found in any bucket the
	// operation inspects.
	StateNone      State = ""
	StatePending   State = "pending"
	StateInflight  State = "inflight"
	StateProcessed State = "processed"
	StateDLQ       State = "dlq"
)

// States lists every bucket state in lifecycle order.
var States = []State{StatePending, StateInflight, StateProcessed, StateDLQ}

func (s State) String() string {
	if s == StateNone {
		return "none"
	}
	return string(s)
}

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateProcessed || s == StateDLQ
}

// Failure records one failed processing attempt.
type Failure struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Entry is a durable outbox message.
type Entry struct {
	ID                 string          `json:"id"`
	Payload            json.RawMessage `json:"payload"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	Attempts           int             `json:"attempts"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	VisibilityDeadline *time.Time      `json:"visibility_deadline,omitempty"`
	Failures           []Failure       `json:"failures,omitempty"`
}

// DecodePayload unmarshals the entry payload into v.
func (e *Entry) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// LastFailure returns the most recent failure, or nil.
func (e *Entry) LastFailure() *Failure {
	if len(e.Failures) == 0 {
		return nil
	}
	f := e.Failures[len(e.Failures)-1]
	return &f
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Payload = slices.Clone(e.Payload)
	out.Metadata = maps.Clone(e.Metadata)
	out.Failures = slices.Clone(e.Failures)
	if e.VisibilityDeadline != nil {
		d := *e.VisibilityDeadline
		out.VisibilityDeadline = &d
	}
	return &out
}

// Stats reports bucket sizes and the outbox configuration.
type Stats struct {
	Pending           int     `json:"pending"`
	Inflight          int     `json:"inflight"`
	Processed         int     `json:"processed"`
	DLQ               int     `json:"dlq"`
	RetryLimit        int     `json:"retry_limit"`
	BatchSize         int     `json:"batch_size"`
	VisibilityTimeout float64 `json:"visibility_timeout"` // seconds
}

// Total returns the number of entries across all buckets.
func (s Stats) Total() int {
	return s.Pending + s.Inflight + s.Processed + s.DLQ
}
