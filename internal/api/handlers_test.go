package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/api/mocks"
	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/auth"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/workspace"
)

const adminKey = "test-key-123"

type testEnv struct {
	srv      *Server
	projects *mocks.MockProjectService
	bus      *events.Bus
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	projects := mocks.NewMockProjectService(ctrl)
	bus := events.NewBus(100, 100)
	srv := New(Config{
		Listen:  "localhost:0",
		APIKey:  adminKey,
		Version: "test",
		Tokens: []auth.TokenConfig{
			{Token: "reader", Scopes: []string{auth.ScopeProjectsRead}},
			{Token: "agent", Scopes: []string{auth.ScopeTools}},
		},
	}, Deps{Projects: projects, Events: bus}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return &testEnv{srv: srv, projects: projects, bus: bus, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandleHealthz_NoAuth(t *testing.T) {
	e := newTestEnv(t)
	e.projects.EXPECT().List(gomock.Any()).Return([]workspace.Workspace{
		{ID: "a", State: workspace.StateServing},
		{ID: "b", State: workspace.StateDestroyed},
		{ID: "c", State: workspace.StateFailed},
	}, nil)

	rec := e.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Workspaces)
	assert.Equal(t, "test", resp.Version)
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/projects", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/projects", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/generate", GenerateRequest{Prompt: "x"}, "reader")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/projects", nil, "agent")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	e.projects.EXPECT().List(gomock.Any()).Return(nil, nil).Times(2)
	rec = e.do(t, http.MethodGet, "/projects", nil, "reader")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"projects":[]}`, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/projects?access_token=reader", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleGenerate(t *testing.T) {
	e := newTestEnv(t)
	e.projects.EXPECT().
		Generate(gomock.Any(), orchestrator.GenerateRequest{Prompt: "a todo app", Template: "vite"}).
		Return(workspace.Workspace{ID: "p1", State: workspace.StateGenerating}, nil)

	rec := e.do(t, http.MethodPost, "/generate", GenerateRequest{Prompt: "a todo app", Template: "vite"}, adminKey)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeJSON[GenerateResponse](t, rec)
	assert.Equal(t, "p1", resp.ProjectID)
	assert.Equal(t, workspace.StateGenerating, resp.State)
}

func TestHandleGenerateErrors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/generate", map[string]any{"prompt": "x", "model": "big"}, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.projects.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(workspace.Workspace{}, apperr.Validation("prompt is required"))
	rec = e.do(t, http.MethodPost, "/generate", GenerateRequest{}, adminKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeJSON[ErrorResponse](t, rec)
	assert.Equal(t, apperr.KindValidation, resp.Kind)
	assert.Contains(t, resp.Error, "prompt is required")

	e.projects.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(workspace.Workspace{}, apperr.New(apperr.KindResourceExhausted, "too many workspaces"))
	rec = e.do(t, http.MethodPost, "/generate", GenerateRequest{Prompt: "x"}, adminKey)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	e.projects.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(workspace.Workspace{}, errors.New("disk on fire at /var/secret"))
	rec = e.do(t, http.MethodPost, "/generate", GenerateRequest{Prompt: "x"}, adminKey)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/secret")
}

func TestHandleGenerateWait(t *testing.T) {
	e := newTestEnv(t)
	gomock.InOrder(
		e.projects.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(workspace.Workspace{ID: "p1", State: workspace.StateGenerating}, nil),
		e.projects.EXPECT().Wait(gomock.Any(), "p1").Return(workspace.Workspace{ID: "p1", State: workspace.StateServing}, nil),
		e.projects.EXPECT().Status(gomock.Any(), "p1").Return(orchestrator.Status{
			Workspace:  workspace.Workspace{ID: "p1", State: workspace.StateServing, Port: 4100},
			PreviewURL: "http://127.0.0.1:4100/",
		}, nil),
	)

	rec := e.do(t, http.MethodPost, "/generate?wait=true", GenerateRequest{Prompt: "x"}, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decodeJSON[orchestrator.Status](t, rec)
	assert.Equal(t, workspace.StateServing, st.State)
	assert.Equal(t, "http://127.0.0.1:4100/", st.PreviewURL)
}

func TestHandleGenerateWaitDisconnectCancels(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	e.projects.EXPECT().Generate(gomock.Any(), gomock.Any()).Return(workspace.Workspace{ID: "p1", State: workspace.StateGenerating}, nil)
	e.projects.EXPECT().Wait(gomock.Any(), "p1").DoAndReturn(func(ctx context.Context, id string) (workspace.Workspace, error) {
		cancel()
		<-ctx.Done()
		return workspace.Workspace{}, apperr.Wrap(ctx.Err(), apperr.KindCancelled, "wait")
	})
	cancelled := make(chan struct{})
	e.projects.EXPECT().Cancel(gomock.Any(), "p1").DoAndReturn(func(ctx context.Context, id string) (workspace.Workspace, error) {
		assert.NoError(t, ctx.Err())
		close(cancelled)
		return workspace.Workspace{ID: id, State: workspace.StateFailed}, nil
	})

	req := httptest.NewRequest(http.MethodPost, "/generate?wait=1", bytes.NewReader([]byte(`{"prompt":"x"}`))).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	e.handler.ServeHTTP(httptest.NewRecorder(), req)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("generation was not cancelled")
	}
}

func TestHandleRegenerate(t *testing.T) {
	e := newTestEnv(t)
	e.projects.EXPECT().Regenerate(gomock.Any(), "p1", "").Return(workspace.Workspace{ID: "p1", State: workspace.StateGenerating}, nil)
	rec := e.do(t, http.MethodPost, "/projects/p1/regenerate", nil, adminKey)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	e.projects.EXPECT().Regenerate(gomock.Any(), "p1", "darker").Return(workspace.Workspace{}, apperr.New(apperr.KindConflict, "session running"))
	rec = e.do(t, http.MethodPost, "/projects/p1/regenerate", RegenerateRequest{Prompt: "darker"}, adminKey)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleListProjectsFilters(t *testing.T) {
	e := newTestEnv(t)
	e.projects.EXPECT().List(gomock.Any(), workspace.StateServing, workspace.StateFailed).
		Return([]workspace.Workspace{{ID: "p1", State: workspace.StateServing}}, nil)

	rec := e.do(t, http.MethodGet, "/projects?state=serving&state=failed", nil, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeJSON[ProjectsResponse](t, rec)
	require.Len(t, resp.Projects, 1)
	assert.Equal(t, "p1", resp.Projects[0].ID)

	rec = e.do(t, http.MethodGet, "/projects?state=running", nil, adminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProjectEndpoints(t *testing.T) {
	e := newTestEnv(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	e.projects.EXPECT().Status(gomock.Any(), "missing").Return(orchestrator.Status{}, apperr.NotFound("workspace", "missing"))
	rec := e.do(t, http.MethodGet, "/projects/missing/status", nil, adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	e.projects.EXPECT().ListFiles(gomock.Any(), "p1").Return([]orchestrator.FileInfo{
		{Path: "index.html", Size: 10, ModTime: now},
		{Path: "src", IsDir: true, ModTime: now},
	}, nil)
	rec = e.do(t, http.MethodGet, "/projects/p1/files", nil, "reader")
	require.Equal(t, http.StatusOK, rec.Code)
	files := decodeJSON[FilesResponse](t, rec)
	assert.Equal(t, "p1", files.ProjectID)
	assert.Len(t, files.Files, 2)

	e.projects.EXPECT().PreviewEndpoint(gomock.Any(), "p1").Return(orchestrator.Endpoint{}, apperr.New(apperr.KindPreviewUnavailable, "not serving"))
	rec = e.do(t, http.MethodGet, "/projects/p1/preview", nil, adminKey)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	e.projects.EXPECT().PreviewEndpoint(gomock.Any(), "p2").Return(orchestrator.Endpoint{Host: "127.0.0.1", Port: 4100, URL: "http://127.0.0.1:4100/"}, nil)
	rec = e.do(t, http.MethodGet, "/projects/p2/preview", nil, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4100, decodeJSON[orchestrator.Endpoint](t, rec).Port)

	e.projects.EXPECT().RestartPreview(gomock.Any(), "p2").Return(supervisor.Process{WorkspaceID: "p2", PID: 42, Port: 4101, Health: supervisor.HealthHealthy}, nil)
	rec = e.do(t, http.MethodPost, "/projects/p2/preview/restart", nil, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4101, decodeJSON[supervisor.Process](t, rec).Port)

	e.projects.EXPECT().Cancel(gomock.Any(), "p2").Return(workspace.Workspace{ID: "p2", State: workspace.StateFailed, ReasonKind: apperr.KindCancelled}, nil)
	rec = e.do(t, http.MethodPost, "/projects/p2/cancel", nil, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, apperr.KindCancelled, decodeJSON[workspace.Workspace](t, rec).ReasonKind)

	e.projects.EXPECT().Records(gomock.Any(), "p2").Return([]audit.Record{{ID: "r1", ProjectID: "p2", Tool: "write_file"}}, nil)
	rec = e.do(t, http.MethodGet, "/projects/p2/invocations", nil, adminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decodeJSON[InvocationsResponse](t, rec)
	require.Len(t, inv.Invocations, 1)
	assert.Equal(t, "write_file", inv.Invocations[0].Tool)

	e.projects.EXPECT().Delete(gomock.Any(), "p2").Return(nil).Times(2)
	for range 2 {
		rec = e.do(t, http.MethodDelete, "/projects/p2", nil, adminKey)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestMCPMountAbsentWithoutDispatcher(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodPost, "/projects/p1/mcp", map[string]any{}, adminKey)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
