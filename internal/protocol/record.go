package protocol

import (
	"encoding/json"
	"strings"
)

// Record is the JSON body of one server-sent event. Exactly one field is set.
type Record struct {
	Chunk    *string `json:"chunk,omitempty"`
	Complete *string `json:"complete,omitempty"`
	Error    *string `json:"error,omitempty"`
}

func ChunkRecord(text string) Record { return Record{Chunk: &text} }

// CompleteRecord trims surrounding whitespace from the full response.
func CompleteRecord(text string) Record {
	text = strings.TrimSpace(text)
	return Record{Complete: &text}
}

func ErrorRecord(msg string) Record { return Record{Error: &msg} }

// Marshal encodes the record. Encoding a struct of string pointers cannot
// fail, so the error is dropped.
func (r Record) Marshal() []byte {
	data, _ := json.Marshal(r)
	return data
}

// QueryRequest is the body of POST /api/query.
type QueryRequest struct {
	Query     string `json:"query"`
	Streaming *bool  `json:"streaming,omitempty"`
}

// IsStreaming reports the requested mode; streaming is the default.
func (q QueryRequest) IsStreaming() bool {
	return q.Streaming == nil || *q.Streaming
}

// BufferedResponse is the body of a non-streaming reply.
type BufferedResponse struct {
	Response string  `json:"response"`
	Partial  *string `json:"partial,omitempty"`
}
