// Package protocol defines the line-delimited JSON session protocol spoken
// with external agent processes over stdin/stdout.
//
// The host writes one Start message, then answers every tool_call with a
// tool_result. The agent may interleave log messages and ends the session
// with exactly one done message.
package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol version the host speaks.
const Version = 1

// Message types.
const (
	TypeStart      = "start"
	TypeToolCall   = "tool_call"
	TypeToolResult = "tool_result"
	TypeLog        = "log"
	TypeDone       = "done"
)

// Done statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Start opens a session. It is the first line the agent reads.
type Start struct {
	Type       string    `json:"type"`
	Protocol   int       `json:"protocol"`
	ProjectID  string    `json:"project_id"`
	Session    int       `json:"session"`
	Prompt     string    `json:"prompt"`
	Template   string    `json:"template,omitempty"`
	Tools      []string  `json:"tools"`
	DeadlineAt time.Time `json:"deadline_at,omitzero"`
}

// AgentMessage is any line written by the agent. Which fields are set
// depends on Type.
type AgentMessage struct {
	Type string `json:"type"`

	// tool_call
	ID     string          `json:"id,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// log
	Level   string `json:"level,omitempty"` // info | warn | error | debug
	Message string `json:"message,omitempty"`

	// done
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ToolResult answers one tool_call.
type ToolResult struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}
