package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"` // query id, echoed on every reply
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// WithID tags the message with the query it belongs to.
func (m *Message) WithID(id string) *Message {
	m.ID = id
	return m
}

// Server → Client message types.
const (
	TypeQueryChunk    = "query.chunk"
	TypeQueryComplete = "query.complete"
	TypeSessionStatus = "session.status"
	TypeError         = "error"
)

// Client → Server message types.
const (
	TypeQuerySubmit    = "query.submit"
	TypeSessionRestart = "session.restart"
	TypeStatusRequest  = "session.requestStatus"
)

// Error codes.
const (
	ErrEmptyQuery     = "EMPTY_QUERY"
	ErrTimeout        = "TIMEOUT"
	ErrBusy           = "BUSY"
	ErrProcessFailure = "PROCESS_FAILURE"
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrShuttingDown   = "SHUTTING_DOWN"
)

// Server → Client payloads.

type QueryChunkPayload struct {
	Text string `json:"text"`
}

type QueryCompletePayload struct {
	Text string `json:"text"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type QuerySubmitPayload struct {
	Query string `json:"query"`
}
