// Package protocol defines the JSON messages exchanged between the server and
// its agents over the persistent WebSocket transport, and between the server
// and terminal UI clients.
//
// Every frame is a single JSON object carrying a "type" field that selects the
// payload structure. Request/response pairs are correlated by "request_id";
// the legacy field name "command_id" is accepted as a synonym on input and
// never emitted on output.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Message is the envelope for every transport frame.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with the payload marshalled in place.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the payload into target.
func (m *Message) ParsePayload(target any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, target)
}

// Message types (agent → server).
const (
	TypeRegister         = "register"
	TypeHeartbeat        = "heartbeat"
	TypeCommandResult    = "command_result"
	TypePowershellResult = "powershell_result"
	TypeSystemInfoUpdate = "system_info_update"
	TypePong             = "pong"
)

// Message types (server → agent).
const (
	TypeWelcome           = "welcome"
	TypePowershellCommand = "powershell_command"
	TypeCommand           = "command"
	TypeSystemInfoRequest = "system_info_request"
)

// Terminal message types, flowing in both directions scoped by session_id.
const (
	TypeTerminalStart  = "terminal_start"
	TypeTerminalInput  = "terminal_input"
	TypeTerminalOutput = "terminal_output"
	TypeTerminalError  = "terminal_error"
	TypeTerminalResize = "terminal_resize"
	TypeTerminalPing   = "terminal_ping"
	TypeTerminalPong   = "terminal_pong"
	TypeTerminalClose  = "terminal_close"
	TypeTerminalClosed = "terminal_closed"
)

// RegisterPayload is the first frame an agent must send after connecting.
// OSVersion and Version are alternate names used by different agent builds.
type RegisterPayload struct {
	ID         string         `json:"id"`
	Hostname   string         `json:"hostname"`
	IP         string         `json:"ip,omitempty"`
	OS         string         `json:"os"`
	OSVersion  string         `json:"os_version,omitempty"`
	Version    string         `json:"version,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

// AgentVersion returns whichever of the two version fields is populated.
func (p *RegisterPayload) AgentVersion() string {
	if p.Version != "" {
		return p.Version
	}
	return p.OSVersion
}

// WelcomePayload is sent once, immediately after a successful register.
type WelcomePayload struct {
	AgentID      string `json:"agent_id"`
	ConnectionID string `json:"connection_id"`
	Message      string `json:"message"`
}

// HeartbeatPayload is sent periodically by the agent.
type HeartbeatPayload struct {
	Timestamp  time.Time      `json:"timestamp"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

// CommandPayload is the server → agent command execution request.
// The same payload shape serves both "powershell_command" and the legacy
// "command" type; for the latter the correlation id travels in ID.
type CommandPayload struct {
	RequestID        string    `json:"request_id,omitempty"`
	ID               string    `json:"id,omitempty"`
	Command          string    `json:"command"`
	TimeoutSeconds   int       `json:"timeout"`
	WorkingDirectory string    `json:"working_directory,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// ResultPayload is the agent → server command completion report.
// Output may arrive as a string, an object, or an array — NormalizedOutput
// flattens it; the raw structure is preserved in Data for newer callers.
type ResultPayload struct {
	RequestID     string          `json:"request_id,omitempty"`
	CommandID     string          `json:"command_id,omitempty"` // legacy synonym
	Success       bool            `json:"success"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	ExitCode      int             `json:"exit_code,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// CorrelationID returns request_id, falling back to the legacy command_id.
func (p *ResultPayload) CorrelationID() string {
	if p.RequestID != "" {
		return p.RequestID
	}
	return p.CommandID
}

// NormalizedOutput flattens the output field into a plain string.
// Strings are returned as-is. Arrays are joined line by line. Objects are
// rendered as indented JSON. Anything unparsable falls back to the raw text.
func (p *ResultPayload) NormalizedOutput() string {
	return NormalizeOutput(p.Output)
}

// NormalizeOutput converts a loosely-typed JSON output value into a string.
func NormalizeOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		lines := make([]string, 0, len(arr))
		for _, el := range arr {
			lines = append(lines, NormalizeOutput(el))
		}
		return strings.Join(lines, "\n")
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		pretty, err := json.MarshalIndent(obj, "", "  ")
		if err == nil {
			return string(pretty)
		}
	}

	return strings.TrimSpace(string(raw))
}

// TerminalStartPayload opens an interactive session on the agent.
type TerminalStartPayload struct {
	SessionID        string `json:"session_id"`
	Rows             int    `json:"rows"`
	Cols             int    `json:"cols"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// TerminalDataPayload carries input or output bytes for a session.
type TerminalDataPayload struct {
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"`
}

// TerminalResizePayload updates the session geometry.
type TerminalResizePayload struct {
	SessionID string `json:"session_id"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// SessionCreatedPayload is the server's reply to a UI terminal open request.
type SessionCreatedPayload struct {
	SessionID string `json:"session_id"`
}
