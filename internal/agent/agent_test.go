package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/sandbox"
	"github.com/mattjoyce/appforge/internal/workspace"
)

type fixture struct {
	store   *workspace.MemoryStore
	gateway *sandbox.Gateway
	ws      workspace.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := workspace.NewMemoryStore(filepath.Join(t.TempDir(), "ws"), 0)
	require.NoError(t, err)
	ws, err := store.Create(context.Background(), workspace.CreateOptions{Prompt: "a todo app"})
	require.NoError(t, err)
	gw := sandbox.New(store, audit.NewMemoryRecorder(), nil, sandbox.PolicyFromConfig(config.Defaults().Sandbox))
	return &fixture{store: store, gateway: gw, ws: ws}
}

func (f *fixture) session(prompt string) (*Session, *[]string) {
	var mu sync.Mutex
	logs := []string{}
	return &Session{
		ProjectID: f.ws.ID,
		Number:    1,
		Prompt:    prompt,
		Tools:     f.gateway.Bind(f.ws.ID),
		Log: func(level, msg string) {
			mu.Lock()
			defer mu.Unlock()
			logs = append(logs, level+": "+msg)
		},
	}, &logs
}

// flakyTools fails every call whose path is listed.
type flakyTools struct {
	next  Dispatcher
	fail  map[string]bool
	calls []string
}

func (f *flakyTools) Dispatch(ctx context.Context, tool string, params json.RawMessage) (sandbox.Result, error) {
	var p struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(params, &p)
	f.calls = append(f.calls, tool+" "+p.Path)
	if f.fail[p.Path] || f.fail["*"] {
		return nil, apperr.New(apperr.KindResourceExhausted, "disk full")
	}
	return f.next.Dispatch(ctx, tool, params)
}

func TestValidTemplate(t *testing.T) {
	assert.True(t, ValidTemplate(""))
	assert.True(t, ValidTemplate("vite"))
	assert.False(t, ValidTemplate("cobol"))
}

func TestScaffoldWritesProjectThroughTools(t *testing.T) {
	f := newFixture(t)
	s, logs := f.session("a todo app with <b>tags</b>")
	s.Template = "react"

	out, err := NewScaffold().Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 5, out.ToolCalls)
	assert.Zero(t, out.Failures)
	assert.Equal(t, "wrote 4 of 4 files", out.Summary)
	assert.NotEmpty(t, *logs)

	for _, name := range []string{"index.html", "app.js", "styles.css", "package.json"} {
		res, err := f.gateway.Execute(context.Background(), f.ws.ID, sandbox.ReadFileRequest{Path: name})
		require.NoError(t, err, name)
		assert.NotEmpty(t, res.(sandbox.ReadFileResult).Content)
	}

	res, err := f.gateway.Execute(context.Background(), f.ws.ID, sandbox.ReadFileRequest{Path: "index.html"})
	require.NoError(t, err)
	html := res.(sandbox.ReadFileResult).Content
	assert.Contains(t, html, "<title>A Todo App With &lt;b&gt;tags&lt;/b&gt;</title>")
	assert.NotContains(t, html, "<b>tags</b>")

	res, err = f.gateway.Execute(context.Background(), f.ws.ID, sandbox.ReadFileRequest{Path: "package.json"})
	require.NoError(t, err)
	var pkg struct {
		Name     string `json:"name"`
		AppForge struct {
			Template string `json:"template"`
		} `json:"appforge"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.(sandbox.ReadFileResult).Content), &pkg))
	assert.Equal(t, "react", pkg.AppForge.Template)
	assert.Equal(t, "a-todo-app-with-b-tags-b", pkg.Name)

	records, err := f.gateway.Records(context.Background(), f.ws.ID)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestScaffoldDegradesOnToolFailure(t *testing.T) {
	f := newFixture(t)
	s, logs := f.session("notes")
	tools := &flakyTools{next: s.Tools, fail: map[string]bool{"styles.css": true}}
	s.Tools = tools

	out, err := NewScaffold().Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Failures)
	assert.Equal(t, "wrote 3 of 4 files", out.Summary)
	assert.Contains(t, tools.calls, "write_file styles.css")
	assert.Contains(t, *logs, "warn: could not write styles.css: RESOURCE_EXHAUSTED: disk full")
}

func TestScaffoldFailsWhenNothingIsWritten(t *testing.T) {
	f := newFixture(t)
	s, _ := f.session("notes")
	s.Tools = &flakyTools{next: s.Tools, fail: map[string]bool{"*": true}}

	out, err := NewScaffold().Run(context.Background(), s)
	require.Error(t, err)
	assert.Equal(t, 4, out.Failures)
}

func TestScaffoldStopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	s, _ := f.session("notes")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScaffold().Run(ctx, s)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTitleAndSlug(t *testing.T) {
	assert.Equal(t, "Untitled App", titleFor("   "))
	assert.Equal(t, "One Two Three Four Five Six Seven Eight", titleFor("one two three four five six seven eight nine"))
	assert.Equal(t, "app", slugFor("!!!"))
	assert.Equal(t, "hello-world", slugFor("Hello, World"))
}
