package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWireFormat(t *testing.T) {
	event := NewToolStart("f1", "s1", "search", map[string]any{"q": "go"})

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))

	// Two top-level objects: envelope and data.
	require.Contains(t, decoded, "envelope")
	require.Contains(t, decoded, "data")

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(decoded["envelope"], &envelope))
	assert.Equal(t, "TOOL", envelope["domain"])
	assert.Equal(t, "TOOL_START", envelope["type"])
	assert.Equal(t, "f1", envelope["executionId"])
	assert.NotEmpty(t, envelope["id"])
	assert.NotEmpty(t, envelope["timestamp"])

	// Null fields are omitted.
	assert.NotContains(t, envelope, "correlationId")

	var data map[string]any
	require.NoError(t, json.Unmarshal(decoded["data"], &data))
	assert.Equal(t, "search", data["toolName"])
	assert.Equal(t, "s1", data["stepId"])
}

func TestEventIDsAreUnique(t *testing.T) {
	a := NewFlowStart("f1")
	b := NewFlowStart("f1")
	assert.NotEqual(t, a.Envelope.ID, b.Envelope.ID)
}

func TestSuspendEventPayload(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	form := map[string]any{"fields": []string{"name"}}

	event := NewSuspend("c1", "w1", "tok-123", form, expires)

	assert.Equal(t, DomainInteraction, event.Envelope.Domain)
	assert.Equal(t, TypeSuspend, event.Envelope.Type)
	assert.Equal(t, "c1", event.Envelope.CorrelationID)

	data, ok := event.Data.(*InteractionData)
	require.True(t, ok)
	assert.Equal(t, "tok-123", data.ResumeToken)
	assert.Equal(t, "w1", data.WorkflowID)
	require.NotNil(t, data.ExpiresAt)
	assert.Equal(t, expires, *data.ExpiresAt)
}

func TestFlowErrorEvent(t *testing.T) {
	event := NewFlowError("f1", "EXECUTION", "step blew up")

	data, ok := event.Data.(*AuditData)
	require.True(t, ok)
	assert.Equal(t, "EXECUTION", data.ErrorType)
	assert.Equal(t, "step blew up", data.Message)
	assert.Equal(t, "f1", event.Envelope.ExecutionID)
}
