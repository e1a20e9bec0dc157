// Package mcptools exposes the sandboxed tool gateway as an MCP server so
// MCP-speaking agents can work inside a project's workspace.
package mcptools

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

// Dispatcher runs one named tool call against a project.
type Dispatcher interface {
	Dispatch(ctx context.Context, projectID, tool string, params json.RawMessage) (sandbox.Result, error)
}

type projectKey struct{}

// WithProject scopes tool calls made with ctx to one project.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey{}, projectID)
}

// ProjectFrom returns the project a call is scoped to.
func ProjectFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(projectKey{}).(string)
	return id, ok && id != ""
}

var toolDefs = map[sandbox.Tool]mcp.Tool{
	sandbox.ToolReadFile: mcp.NewTool(string(sandbox.ToolReadFile),
		mcp.WithDescription("Read a UTF-8 file from the project workspace."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the workspace root")),
	),
	sandbox.ToolWriteFile: mcp.NewTool(string(sandbox.ToolWriteFile),
		mcp.WithDescription("Create or replace a file, creating parent directories."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the workspace root")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Full file content")),
	),
	sandbox.ToolListDirectory: mcp.NewTool(string(sandbox.ToolListDirectory),
		mcp.WithDescription("List a directory in the project workspace."),
		mcp.WithString("path", mcp.Description("Directory relative to the workspace root; defaults to the root")),
		mcp.WithBoolean("recursive", mcp.Description("Descend into subdirectories")),
	),
	sandbox.ToolCreateDirectory: mcp.NewTool(string(sandbox.ToolCreateDirectory),
		mcp.WithDescription("Create a directory and any missing parents."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the workspace root")),
	),
	sandbox.ToolRunCommand: mcp.NewTool(string(sandbox.ToolRunCommand),
		mcp.WithDescription("Run an allow-listed program inside the workspace."),
		mcp.WithArray("argv", mcp.Required(), mcp.WithStringItems(), mcp.Description("Program and arguments")),
		mcp.WithString("cwd", mcp.Description("Working directory relative to the workspace root")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Wall-clock limit, capped by server policy")),
	),
}

// NewServer creates an MCP server with every gateway tool registered. Calls
// must carry a project via WithProject.
func NewServer(d Dispatcher, version string) *server.MCPServer {
	s := server.NewMCPServer("appforge", version, server.WithToolCapabilities(true))
	for _, t := range sandbox.Tools {
		s.AddTool(toolDefs[t], handler(d, t))
	}
	return s
}

// NewHTTPHandler serves the tools over streamable HTTP. project extracts the
// target project from each request.
func NewHTTPHandler(d Dispatcher, version string, project func(*http.Request) string) http.Handler {
	return server.NewStreamableHTTPServer(NewServer(d, version),
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return WithProject(ctx, project(r))
		}),
	)
}

func handler(d Dispatcher, tool sandbox.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projectID, ok := ProjectFrom(ctx)
		if !ok {
			return errorResult(apperr.Validation("no project bound to this tool call")), nil
		}
		params, err := json.Marshal(req.GetArguments())
		if err != nil {
			return errorResult(apperr.Validation("bad arguments: %v", err)), nil
		}
		res, err := d.Dispatch(ctx, projectID, string(tool), params)
		if err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultJSON(res)
	}
}

// errorResult reports a failed call in-band. Internal causes are not echoed.
func errorResult(err error) *mcp.CallToolResult {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		msg = "an internal error occurred"
	}
	content, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": msg,
			"status":  apperr.HTTPStatus(kind),
		},
	})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}
