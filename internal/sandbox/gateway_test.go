package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/workspace"
)

type fixture struct {
	gw       *Gateway
	store    *workspace.MemoryStore
	recorder *audit.MemoryRecorder
	bus      *events.Bus
	ws       workspace.Workspace
}

func testPolicy() Policy {
	return Policy{
		AllowedCommands:       []string{"echo", "sh", "sleep", "printf", "pwd"},
		MaxFileBytes:          1 << 10,
		MaxWorkspaceBytes:     4 << 10,
		MaxOutputBytes:        64,
		DefaultTimeout:        5 * time.Second,
		MaxTimeout:            10 * time.Second,
		TerminationGrace:      200 * time.Millisecond,
		MaxConcurrentCommands: 1,
	}
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	store, err := workspace.NewMemoryStore(filepath.Join(t.TempDir(), "ws"), 0)
	require.NoError(t, err)
	ws, err := store.Create(context.Background(), workspace.CreateOptions{Prompt: "test"})
	require.NoError(t, err)
	rec := audit.NewMemoryRecorder()
	bus := events.NewBus(100, 100)
	return &fixture{gw: New(store, rec, bus, policy), store: store, recorder: rec, bus: bus, ws: ws}
}

func (f *fixture) exec(t *testing.T, req Request) (Result, error) {
	t.Helper()
	return f.gw.Execute(context.Background(), f.ws.ID, req)
}

func TestSandboxEscapesAreDenied(t *testing.T) {
	f := newFixture(t, testPolicy())
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o600))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.ws.Root, "escape")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(f.ws.Root, "secret-link")))
	require.NoError(t, os.Symlink(filepath.Join(outside, "missing"), filepath.Join(f.ws.Root, "dangling")))

	cases := []Request{
		ReadFileRequest{Path: "../../etc/passwd"},
		ReadFileRequest{Path: "/etc/passwd"},
		ReadFileRequest{Path: "a/../../outside"},
		ReadFileRequest{Path: "escape/secret"},
		ReadFileRequest{Path: "secret-link"},
		WriteFileRequest{Path: "escape/new.txt", Content: "x"},
		WriteFileRequest{Path: "dangling", Content: "x"},
		WriteFileRequest{Path: "/tmp/evil.txt", Content: "x"},
		ListDirectoryRequest{Path: ".."},
		ListDirectoryRequest{Path: "escape"},
		CreateDirectoryRequest{Path: "../sibling"},
		RunCommandRequest{Argv: []string{"pwd"}, Cwd: "escape"},
	}
	for _, req := range cases {
		_, err := f.exec(t, req)
		assert.Truef(t, apperr.Is(err, apperr.KindPermissionDenied), "%T %+v: got %v", req, req, err)
	}

	_, err := os.Stat(filepath.Join(outside, "new.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(outside, "missing"))
	assert.True(t, os.IsNotExist(err))

	// Every rejected call is still recorded.
	recs, err := f.recorder.List(context.Background(), f.ws.ID)
	require.NoError(t, err)
	assert.Len(t, recs, len(cases))
	for _, r := range recs {
		assert.Equal(t, audit.OutcomeFailure, r.Outcome)
		assert.Equal(t, apperr.KindPermissionDenied, r.ErrorKind)
	}
}

func TestSymlinksInsideRootAreAllowed(t *testing.T) {
	f := newFixture(t, testPolicy())
	require.NoError(t, os.MkdirAll(filepath.Join(f.ws.Root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.ws.Root, "src", "app.js"), []byte("ok"), 0o644))
	require.NoError(t, os.Symlink("src", filepath.Join(f.ws.Root, "lib")))

	res, err := f.exec(t, ReadFileRequest{Path: "lib/app.js"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.(ReadFileResult).Content)

	res, err = f.exec(t, ReadFileRequest{Path: filepath.Join(f.ws.Root, "src", "app.js")})
	require.NoError(t, err)
	assert.Equal(t, "src/app.js", res.(ReadFileResult).Path)
}

func TestWriteReadAndEvents(t *testing.T) {
	f := newFixture(t, testPolicy())
	sub := f.bus.Subscribe(f.ws.ID, 0)
	defer sub.Close()

	res, err := f.exec(t, WriteFileRequest{Path: "src/components/App.jsx", Content: "line1\nline2\n"})
	require.NoError(t, err)
	w := res.(WriteFileResult)
	assert.True(t, w.Created)
	assert.Equal(t, "src/components/App.jsx", w.Path)
	assert.True(t, strings.HasPrefix(w.Digest, "blake3:"))
	assert.Equal(t, 2, w.Added)

	res, err = f.exec(t, WriteFileRequest{Path: "src/components/App.jsx", Content: "line1\nchanged\nline3\n"})
	require.NoError(t, err)
	w = res.(WriteFileResult)
	assert.False(t, w.Created)
	assert.Equal(t, 2, w.Added)
	assert.Equal(t, 1, w.Removed)

	res, err = f.exec(t, ReadFileRequest{Path: "src/components/App.jsx"})
	require.NoError(t, err)
	assert.Equal(t, "line1\nchanged\nline3\n", res.(ReadFileResult).Content)

	var kinds []events.Kind
	for i := 0; i < 4; i++ {
		ev := <-sub.Events()
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []events.Kind{
		events.KindToolExecuted, events.KindFileCreated,
		events.KindToolExecuted, events.KindToolExecuted,
	}, kinds)

	recs, err := f.recorder.List(context.Background(), f.ws.ID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "write_file", recs[0].Tool)
	assert.Equal(t, []string{filepath.Join(f.ws.Root, "src", "components", "App.jsx")}, recs[0].ResolvedPaths)
	assert.Equal(t, w.Digest, recs[1].Digest)
	assert.Equal(t, audit.OutcomeSuccess, recs[2].Outcome)
}

func TestReadMissingFile(t *testing.T) {
	f := newFixture(t, testPolicy())
	_, err := f.exec(t, ReadFileRequest{Path: "nope.txt"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestWriteLimits(t *testing.T) {
	f := newFixture(t, testPolicy())

	_, err := f.exec(t, WriteFileRequest{Path: "big.txt", Content: strings.Repeat("x", 2<<10)})
	assert.True(t, apperr.Is(err, apperr.KindResourceExhausted))

	for i := 0; i < 4; i++ {
		_, err = f.exec(t, WriteFileRequest{Path: "f" + string(rune('a'+i)), Content: strings.Repeat("x", 1000)})
		require.NoError(t, err)
	}
	_, err = f.exec(t, WriteFileRequest{Path: "straw.txt", Content: strings.Repeat("x", 200)})
	assert.True(t, apperr.Is(err, apperr.KindResourceExhausted))

	// Replacing a file only counts the difference.
	_, err = f.exec(t, WriteFileRequest{Path: "fa", Content: strings.Repeat("y", 1000)})
	require.NoError(t, err)
}

func TestListDirectory(t *testing.T) {
	f := newFixture(t, testPolicy())
	for _, p := range []string{"b.txt", "a/x.txt", "a/y.txt"} {
		_, err := f.exec(t, WriteFileRequest{Path: p, Content: "1"})
		require.NoError(t, err)
	}

	res, err := f.exec(t, ListDirectoryRequest{Path: "."})
	require.NoError(t, err)
	list := res.(ListDirectoryResult)
	require.Len(t, list.Entries, 2)
	assert.Equal(t, "a", list.Entries[0].Path)
	assert.Equal(t, EntryDir, list.Entries[0].Type)
	assert.Equal(t, "b.txt", list.Entries[1].Path)
	assert.Equal(t, EntryFile, list.Entries[1].Type)

	res, err = f.exec(t, ListDirectoryRequest{Recursive: true})
	require.NoError(t, err)
	var paths []string
	for _, e := range res.(ListDirectoryResult).Entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"a", "a/x.txt", "a/y.txt", "b.txt"}, paths)

	_, err = f.exec(t, ListDirectoryRequest{Path: "b.txt"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCreateDirectoryIsIdempotent(t *testing.T) {
	f := newFixture(t, testPolicy())
	res, err := f.exec(t, CreateDirectoryRequest{Path: "public/assets"})
	require.NoError(t, err)
	assert.True(t, res.(CreateDirectoryResult).Created)

	res, err = f.exec(t, CreateDirectoryRequest{Path: "public/assets"})
	require.NoError(t, err)
	assert.False(t, res.(CreateDirectoryResult).Created)
	assert.DirExists(t, filepath.Join(f.ws.Root, "public", "assets"))
}

func TestRunCommandDeniedLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, testPolicy())
	before, err := f.store.Get(context.Background(), f.ws.ID)
	require.NoError(t, err)

	_, err = f.exec(t, RunCommandRequest{Argv: []string{"rm", "-rf", "/"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDenied))

	_, err = f.exec(t, RunCommandRequest{Argv: []string{"/bin/echo", "hi"}})
	assert.True(t, apperr.Is(err, apperr.KindDenied))

	after, err := f.store.Get(context.Background(), f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, before.State, after.State)
	assert.DirExists(t, f.ws.Root)
}

func TestDefaultPolicyDeniesFileReaders(t *testing.T) {
	f := newFixture(t, PolicyFromConfig(config.Defaults().Sandbox))
	for _, argv := range [][]string{{"cat", "/etc/passwd"}, {"ls", "/"}} {
		_, err := f.exec(t, RunCommandRequest{Argv: argv})
		assert.True(t, apperr.Is(err, apperr.KindDenied), argv[0])
	}
}

func TestRunCommandCapturesOutput(t *testing.T) {
	f := newFixture(t, testPolicy())
	_, err := f.exec(t, CreateDirectoryRequest{Path: "sub"})
	require.NoError(t, err)

	res, err := f.exec(t, RunCommandRequest{Argv: []string{"sh", "-c", "pwd; echo oops >&2; exit 3"}, Cwd: "sub"})
	require.NoError(t, err)
	out := res.(RunCommandResult)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, filepath.Join(f.ws.Root, "sub")+"\n", out.Stdout)
	assert.Equal(t, "oops\n", out.Stderr)

	res, err = f.exec(t, RunCommandRequest{Command: "printf", Args: []string{"%0200d", "0"}})
	require.NoError(t, err)
	out = res.(RunCommandResult)
	assert.Len(t, out.Stdout, 64)
	assert.True(t, out.StdoutTruncated)
}

func TestRunCommandEnvironmentIsMinimal(t *testing.T) {
	t.Setenv("APPFORGE_SECRET", "hunter2")
	f := newFixture(t, testPolicy())
	res, err := f.exec(t, RunCommandRequest{Argv: []string{"sh", "-c", "echo \"$APPFORGE_SECRET|$HOME\""}})
	require.NoError(t, err)
	assert.Equal(t, "|"+f.ws.Root+"\n", res.(RunCommandResult).Stdout)
}

func TestRunCommandTimeoutKillsDescendants(t *testing.T) {
	f := newFixture(t, testPolicy())
	marker := filepath.Join(f.ws.Root, "child.pid")

	start := time.Now()
	_, err := f.exec(t, RunCommandRequest{
		Argv:           []string{"sh", "-c", "sleep 30 & echo $! > child.pid; wait"},
		TimeoutSeconds: 0.3,
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	pid := strings.TrimSpace(string(data))
	assert.Eventually(t, func() bool {
		_, err := os.Stat("/proc/" + pid)
		return os.IsNotExist(err) || processIsZombie(pid)
	}, 2*time.Second, 50*time.Millisecond)
}

func processIsZombie(pid string) bool {
	data, err := os.ReadFile("/proc/" + pid + "/stat")
	if err != nil {
		return true
	}
	fields := strings.Fields(string(data))
	return len(fields) > 2 && fields[2] == "Z"
}

func TestRunCommandCancellation(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := f.gw.Execute(ctx, f.ws.ID, RunCommandRequest{Argv: []string{"sleep", "30"}})
	assert.True(t, apperr.Is(err, apperr.KindCancelled))
}

func TestRunCommandConcurrencyCap(t *testing.T) {
	f := newFixture(t, testPolicy())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = f.exec(t, RunCommandRequest{Argv: []string{"sleep", "1"}})
	}()

	assert.Eventually(t, func() bool {
		_, err := f.exec(t, RunCommandRequest{Argv: []string{"echo", "second"}})
		return apperr.Is(err, apperr.KindResourceExhausted)
	}, time.Second, 20*time.Millisecond)
	wg.Wait()

	_, err := f.exec(t, RunCommandRequest{Argv: []string{"echo", "third"}})
	require.NoError(t, err)
}

func TestSuspendBlocksNewCalls(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.gw.Suspend(f.ws.ID)
	_, err := f.exec(t, ListDirectoryRequest{})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	f.gw.Resume(f.ws.ID)
	_, err = f.exec(t, ListDirectoryRequest{})
	require.NoError(t, err)
}

func TestDestroyedWorkspaceIsNotFound(t *testing.T) {
	f := newFixture(t, testPolicy())
	_, err := f.store.Destroy(context.Background(), f.ws.ID)
	require.NoError(t, err)
	_, err = f.exec(t, ListDirectoryRequest{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestBindingDispatch(t *testing.T) {
	f := newFixture(t, testPolicy())
	b := f.gw.Bind(f.ws.ID)
	ctx := context.Background()

	res, err := b.Dispatch(ctx, "write_file", json.RawMessage(`{"path":"index.html","content":"<h1>hi</h1>"}`))
	require.NoError(t, err)
	assert.Equal(t, ToolWriteFile, res.Tool())

	_, err = b.Dispatch(ctx, "delete_everything", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = b.Dispatch(ctx, "read_file", json.RawMessage(`{"path":"index.html","mode":"raw"}`))
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = b.Dispatch(ctx, "run_command", json.RawMessage(`{"argv":[]}`))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDispatchOrdersCallsPerWorkspace(t *testing.T) {
	f := newFixture(t, testPolicy())
	session := f.gw.Bind(f.ws.ID)
	ctx := context.Background()

	var commandDone time.Time
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := session.Dispatch(ctx, "run_command", json.RawMessage(`{"argv":["sleep","1"]}`))
		assert.NoError(t, err)
		commandDone = time.Now()
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := f.gw.Dispatch(ctx, f.ws.ID, "write_file", json.RawMessage(`{"path":"late.txt","content":"x"}`))
	require.NoError(t, err)
	writeDone := time.Now()
	wg.Wait()

	assert.False(t, writeDone.Before(commandDone), "write_file overtook the running command")
}

func TestDispatchWaitIsCancellable(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.gw.Dispatch(ctx, f.ws.ID, "run_command", json.RawMessage(`{"argv":["sleep","1"]}`))
	}()
	time.Sleep(100 * time.Millisecond)

	waiting, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := f.gw.Dispatch(waiting, f.ws.ID, "list_directory", nil)
	assert.True(t, apperr.Is(err, apperr.KindCancelled))
	<-done
}

func TestToolIdempotency(t *testing.T) {
	for _, tool := range Tools {
		assert.Equal(t, tool != ToolRunCommand, tool.Idempotent(), tool)
	}
}
