package orchestrator

import (
	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// Stages name where an error_occurred event originated.
const (
	StageGeneration = "generation"
	StagePreview    = "preview"
	StageCancel     = "cancel"
)

// StateChange is the payload of state_changed events.
type StateChange struct {
	From       workspace.State `json:"from,omitempty"`
	To         workspace.State `json:"to"`
	Reason     string          `json:"reason,omitempty"`
	ReasonKind apperr.Kind     `json:"reason_kind,omitempty"`
}

// GenerationStarted is the payload of generation_started events.
type GenerationStarted struct {
	Session  int    `json:"session"`
	Agent    string `json:"agent"`
	Prompt   string `json:"prompt"`
	Template string `json:"template,omitempty"`
}

// LogLine is the payload of log_appended events.
type LogLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// ErrorEvent is the payload of error_occurred events.
type ErrorEvent struct {
	Stage  string      `json:"stage"`
	Kind   apperr.Kind `json:"kind"`
	Reason string      `json:"reason"`
}

// ServerStarted is the payload of server_started events.
type ServerStarted struct {
	PID          int `json:"pid"`
	Port         int `json:"port"`
	RestartCount int `json:"restart_count"`
}

// Endpoint is where a serving project's preview can be reached.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}
