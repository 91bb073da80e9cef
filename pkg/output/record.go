// Package output provides JSONL output for runs followed from the CLI.
//
// Output is structured as typed record envelopes containing task events,
// run status changes, errors, and a final summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/3leaps/goflume/pkg/events"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: goflume.<type>.v<version>
const (
	// TypeEvent identifies task lifecycle event records.
	TypeEvent = "goflume.event.v1"

	// TypeRun identifies run status records.
	TypeRun = "goflume.run.v1"

	// TypeError identifies error records.
	TypeError = "goflume.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "goflume.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "goflume.event.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the run this record belongs to.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// EventRecord is the data payload for a task lifecycle event.
type EventRecord struct {
	events.Event

	// Lag is the number of events dropped before this one because the
	// follower fell behind.
	Lag uint64 `json:"lag,omitempty"`
}

// RunRecord is the data payload for a run status change.
type RunRecord struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Cached bool   `json:"cached,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than aborting the stream, so a
// follower still sees the final summary.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeCanceled = "CANCELED"
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for the final summary.
type SummaryRecord struct {
	Status string `json:"status"`
	Cached bool   `json:"cached"`

	// Outputs is the run's output object with absolute paths.
	Outputs json.RawMessage `json:"outputs,omitempty"`

	// Duration is the wall time from submission to the terminal status.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Tasks is the number of task events seen with distinct ids.
	Tasks int `json:"tasks"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
