package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(TypeQueryChunk, QueryChunkPayload{Text: "4"})
	require.NoError(t, err)
	msg.WithID("q-1")

	assert.Equal(t, TypeQueryChunk, msg.Type)
	assert.Equal(t, "q-1", msg.ID)
	assert.False(t, msg.Timestamp.IsZero())

	var p QueryChunkPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, "4", p.Text)
}

func TestValidateClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"query submit", `{"type":"query.submit","payload":{"query":"2+2"}}`, ""},
		{"restart without payload", `{"type":"session.restart"}`, ""},
		{"status request", `{"type":"session.requestStatus","payload":{}}`, ""},
		{"invalid json", `not json`, "invalid JSON"},
		{"missing type", `{"payload":{}}`, "missing 'type'"},
		{"unknown type", `{"type":"unknown.action","payload":{}}`, "unknown message type"},
		{"submit missing payload", `{"type":"query.submit"}`, "missing 'payload'"},
		{"submit bad payload", `{"type":"query.submit","payload":"2+2"}`, "invalid payload"},
		{"submit empty query", `{"type":"query.submit","payload":{"query":""}}`, ""},
		{"submit blank query", `{"type":"query.submit","payload":{"query":"  \n"}}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ValidateClientMessage([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, msg.Type)
		})
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg, err := NewErrorMessage(ErrBusy, "session busy")
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	assert.Equal(t, ErrBusy, p.Code)
	assert.Equal(t, "session busy", p.Message)
}
