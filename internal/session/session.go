package session

import (
	"errors"
	"fmt"
	"time"
)

// State represents the lifecycle state of the session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateDead          State = "dead"
	StateRestarting    State = "restarting"
	StateShuttingDown  State = "shutting_down"
	StateTerminated    State = "terminated"
)

// EventType distinguishes incremental output from a finished response.
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
)

// Event is a framing event produced by the framer.
type Event struct {
	Type EventType `json:"type"`
	Text string    `json:"text"`
}

// Chunk builds a chunk event.
func Chunk(text string) Event { return Event{Type: EventChunk, Text: text} }

// Complete builds a complete event.
func Complete(text string) Event { return Event{Type: EventComplete, Text: text} }

// Status is a point-in-time snapshot of the session.
type Status struct {
	ID          string           `json:"id,omitempty"`
	State       State            `json:"state"`
	PID         int              `json:"pid,omitempty"`
	StartedAt   time.Time        `json:"startedAt,omitempty"`
	ExitCode    *int             `json:"exitCode,omitempty"`
	Restarts    int              `json:"restarts"`
	Stale       bool             `json:"stale"`
	Banner      string           `json:"banner,omitempty"`
	QueueLen    int              `json:"queueLen"`
	Dropped     uint64           `json:"dropped"`
	Diagnostics []DiagnosticLine `json:"diagnostics,omitempty"`
}

var (
	// ErrNotRunning is returned by Send when there is no live process.
	ErrNotRunning = errors.New("process not running")
	// ErrShutdown is returned once the manager has been shut down.
	ErrShutdown = errors.New("session manager shut down")
)

// ProcessError reports a failure to spawn the child or to talk to it.
type ProcessError struct {
	Op     string
	Err    error
	Stderr string
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %v (stderr: %s)", e.Op, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
