package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypePowershellCommand, CommandPayload{
		RequestID: "cmd_1_abc",
		Command:   "Get-Date",
	})
	require.NoError(t, err)

	var cmd CommandPayload
	require.NoError(t, msg.ParsePayload(&cmd))
	assert.Equal(t, "cmd_1_abc", cmd.RequestID)
	assert.Equal(t, "Get-Date", cmd.Command)
}

func TestParseEmptyPayload(t *testing.T) {
	msg := &Message{Type: TypePong}
	var out map[string]any
	assert.NoError(t, msg.ParsePayload(&out))
}

func TestCorrelationIDLegacyFallback(t *testing.T) {
	p := &ResultPayload{RequestID: "new-id", CommandID: "old-id"}
	assert.Equal(t, "new-id", p.CorrelationID())

	p = &ResultPayload{CommandID: "old-id"}
	assert.Equal(t, "old-id", p.CorrelationID())

	p = &ResultPayload{}
	assert.Empty(t, p.CorrelationID())
}

func TestAgentVersionFallback(t *testing.T) {
	p := &RegisterPayload{Version: "1.2.3", OSVersion: "10.0.19045"}
	assert.Equal(t, "1.2.3", p.AgentVersion())

	p = &RegisterPayload{OSVersion: "10.0.19045"}
	assert.Equal(t, "10.0.19045", p.AgentVersion())
}

func TestNormalizeOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain string", `"hello"`, "hello"},
		{"string array", `["line1","line2","line3"]`, "line1\nline2\nline3"},
		{"nested array", `[["a","b"],"c"]`, "a\nb\nc"},
		{"empty", ``, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeOutput(json.RawMessage(tc.raw)))
		})
	}
}

func TestNormalizeOutputObject(t *testing.T) {
	out := NormalizeOutput(json.RawMessage(`{"Status":"Running","Name":"WinRM"}`))
	// Objects are rendered as indented JSON with both fields present.
	assert.Contains(t, out, `"Status": "Running"`)
	assert.Contains(t, out, `"Name": "WinRM"`)
}
