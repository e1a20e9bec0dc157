package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mattjoyce/appforge/internal/auth"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

// routeDoc describes one endpoint for the OpenAPI document.
type routeDoc struct {
	Method  string
	Path    string
	Summary string
	Status  int
	Scope   string
}

var routeDocs = []routeDoc{
	{http.MethodGet, "/healthz", "Liveness and live workspace count", http.StatusOK, ""},
	{http.MethodGet, "/openapi.json", "This document", http.StatusOK, auth.ScopeProjectsRead},
	{http.MethodPost, "/generate", "Start a generation; ?wait=true blocks until it finishes", http.StatusAccepted, auth.ScopeProjectsWrite},
	{http.MethodGet, "/projects", "List projects, optionally filtered by ?state", http.StatusOK, auth.ScopeProjectsRead},
	{http.MethodGet, "/projects/{id}/status", "Project status snapshot", http.StatusOK, auth.ScopeProjectsRead},
	{http.MethodGet, "/projects/{id}/files", "List project files", http.StatusOK, auth.ScopeProjectsRead},
	{http.MethodGet, "/projects/{id}/preview", "Preview endpoint of a serving project", http.StatusOK, auth.ScopeProjectsRead},
	{http.MethodPost, "/projects/{id}/preview/restart", "Restart the preview dev server", http.StatusOK, auth.ScopeProjectsWrite},
	{http.MethodPost, "/projects/{id}/regenerate", "Run another generation session", http.StatusAccepted, auth.ScopeProjectsWrite},
	{http.MethodPost, "/projects/{id}/cancel", "Cancel the running session and stop the preview", http.StatusOK, auth.ScopeProjectsWrite},
	{http.MethodDelete, "/projects/{id}", "Destroy a project", http.StatusNoContent, auth.ScopeProjectsWrite},
	{http.MethodGet, "/projects/{id}/events", "Server-sent event stream", http.StatusOK, auth.ScopeProjectsRead},
	{http.MethodGet, "/projects/{id}/invocations", "Tool invocation records", http.StatusOK, auth.ScopeProjectsRead},
	{http.MethodGet, "/ws/{id}", "WebSocket event stream", http.StatusSwitchingProtocols, auth.ScopeProjectsRead},
	{http.MethodPost, "/projects/{id}/mcp", "MCP streamable HTTP tool server", http.StatusOK, auth.ScopeTools},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the given routes.
func buildOpenAPIDoc(routes []routeDoc, version string) map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		item, _ := paths[rt.Path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.Path] = item
		}

		op := map[string]any{
			"summary": rt.Summary,
			"responses": map[string]any{
				strconv.Itoa(rt.Status): map[string]any{"description": http.StatusText(rt.Status)},
			},
		}
		if strings.Contains(rt.Path, "{id}") {
			op["parameters"] = []any{map[string]any{
				"name": "id", "in": "path", "required": true,
				"schema": map[string]any{"type": "string"},
			}}
		}
		if rt.Scope != "" {
			op["security"] = []any{map[string]any{"BearerAuth": []string{rt.Scope}}}
		}
		item[strings.ToLower(rt.Method)] = op
	}

	tools := make([]string, 0, len(sandbox.Tools))
	for _, t := range sandbox.Tools {
		tools = append(tools, string(t))
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "appforge",
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
		"x-mcp-tools": tools,
	}
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	routes := make([]routeDoc, 0, len(routeDocs))
	for _, rt := range routeDocs {
		if rt.Scope == auth.ScopeTools && s.tools == nil {
			continue
		}
		routes = append(routes, rt)
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(routes, s.config.Version))
}
