// Package telemetry is the durable, date-partitioned NDJSON event store and
// its streaming query path. One file per UTC calendar day under
// <root>/.veritas-kanban/telemetry, gzip-compressed past the compression
// window and deleted past retention.
package telemetry

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event types written by the core.
const (
	TypeRunStarted   = "run.started"
	TypeRunCompleted = "run.completed"
	TypeRunError     = "run.error"
	TypeRunTokens    = "run.tokens"
)

// TimeLayout is the fixed-width ISO-8601 UTC layout used for every event
// timestamp. Fixed width means lexicographic compare equals chronological
// compare, which the query sort relies on.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Event is the NDJSON record. It is the union of all variant fields; absent
// fields are omitted on the wire.
type Event struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	TaskID    string `json:"taskId,omitempty"`
	Project   string `json:"project,omitempty"`

	// run.started / run.completed / run.error / run.tokens
	Agent string `json:"agent,omitempty"`

	// run.completed
	DurationMs int64 `json:"durationMs,omitempty"`
	ExitCode   *int  `json:"exitCode,omitempty"`
	Success    *bool `json:"success,omitempty"`

	// run.completed / run.error
	Error string `json:"error,omitempty"`

	// run.tokens
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	TotalTokens  int64 `json:"totalTokens,omitempty"`
	CacheTokens  int64 `json:"cacheTokens,omitempty"`
}

// Time parses the event timestamp.
func (e Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339, e.Timestamp)
}

// Failed reports whether the event represents a failed run: run.error, or
// run.completed with success=false.
func (e Event) Failed() bool {
	if e.Type == TypeRunError {
		return true
	}
	return e.Type == TypeRunCompleted && e.Success != nil && !*e.Success
}

// FormatTime renders t in the event timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NewEventID returns "evt_" plus 12 random lowercase characters drawn from
// ULID entropy.
func NewEventID() string {
	id := strings.ToLower(ulid.Make().String())
	return "evt_" + id[len(id)-12:]
}
