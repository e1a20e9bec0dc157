package api

import (
	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// GenerateRequest is the JSON body for POST /generate.
type GenerateRequest struct {
	Prompt   string `json:"prompt"`
	Template string `json:"template,omitempty"`
}

// GenerateResponse is returned when a generation is accepted.
type GenerateResponse struct {
	ProjectID string          `json:"project_id"`
	State     workspace.State `json:"state"`
}

// RegenerateRequest is the JSON body for POST /projects/{id}/regenerate.
// An empty prompt reuses the previous one.
type RegenerateRequest struct {
	Prompt string `json:"prompt,omitempty"`
}

// ProjectsResponse is returned by GET /projects.
type ProjectsResponse struct {
	Projects []workspace.Workspace `json:"projects"`
}

// FilesResponse is returned by GET /projects/{id}/files.
type FilesResponse struct {
	ProjectID string                  `json:"project_id"`
	Files     []orchestrator.FileInfo `json:"files"`
}

// InvocationsResponse is returned by GET /projects/{id}/invocations.
type InvocationsResponse struct {
	ProjectID   string         `json:"project_id"`
	Invocations []audit.Record `json:"invocations"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Workspaces    int    `json:"workspaces"`
}

// WebSocket frame types.
const (
	FrameStatusSnapshot = "status_snapshot"
	FrameEvent          = "event"
	FrameClosed         = "closed"
)

// Frame is one WebSocket message.
type Frame struct {
	Type   string               `json:"type"`
	Status *orchestrator.Status `json:"status,omitempty"`
	Event  *events.Event        `json:"event,omitempty"`
	Reason string               `json:"reason,omitempty"`
}
