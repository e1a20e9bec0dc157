package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/auth"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, string, string, json.RawMessage) (sandbox.Result, error) {
	return nil, nil
}

func TestRouteDocsMatchRouter(t *testing.T) {
	e := newTestEnv(t)
	e.srv.tools = nopDispatcher{}

	registered := map[string]bool{}
	err := chi.Walk(e.srv.setupRoutes(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		registered[method+" "+strings.TrimSuffix(route, "/")] = true
		return nil
	})
	require.NoError(t, err)

	for _, rt := range routeDocs {
		assert.True(t, registered[rt.Method+" "+rt.Path], "%s %s documented but not routed", rt.Method, rt.Path)
	}
}

func TestBuildOpenAPIDoc(t *testing.T) {
	doc := buildOpenAPIDoc(routeDocs, "1.2.3")
	assert.Equal(t, "3.1.0", doc["openapi"])
	assert.Equal(t, "1.2.3", doc["info"].(map[string]any)["version"])

	paths := doc["paths"].(map[string]any)
	gen := paths["/generate"].(map[string]any)["post"].(map[string]any)
	assert.Contains(t, gen["responses"].(map[string]any), "202")
	assert.Equal(t, []any{map[string]any{"BearerAuth": []string{auth.ScopeProjectsWrite}}}, gen["security"])

	health := paths["/healthz"].(map[string]any)["get"].(map[string]any)
	assert.NotContains(t, health, "security")

	status := paths["/projects/{id}/status"].(map[string]any)["get"].(map[string]any)
	assert.Contains(t, status, "parameters")

	assert.Len(t, doc["x-mcp-tools"], len(sandbox.Tools))
}

func TestHandleOpenAPIHidesMCPWithoutDispatcher(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/openapi.json", nil, "reader")
	require.Equal(t, http.StatusOK, rec.Code)

	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/projects/{id}/events")
	assert.NotContains(t, doc.Paths, "/projects/{id}/mcp")
}
