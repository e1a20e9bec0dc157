package sweeper_test

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/sandbox"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/sweeper"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// TestHelperProcess is not a real test. It is re-executed as a fake dev server.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("APPFORGE_HELPER") == "" {
		return
	}
	l, err := net.Listen("tcp", net.JoinHostPort(os.Getenv("HOST"), os.Getenv("PORT")))
	if err != nil {
		os.Exit(2)
	}
	_ = http.Serve(l, http.NotFoundHandler())
	os.Exit(0)
}

func TestIdleWorkspaceIsSwept(t *testing.T) {
	ctx := context.Background()
	store, err := workspace.NewMemoryStore(filepath.Join(t.TempDir(), "ws"), 0)
	require.NoError(t, err)
	rec := audit.NewMemoryRecorder()
	bus := events.NewBus(100, 100)
	gw := sandbox.New(store, rec, bus, sandbox.PolicyFromConfig(config.Defaults().Sandbox))
	sup := supervisor.New(store, supervisor.Options{
		Host: "127.0.0.1", PortFrom: 48900, PortTo: 48919, PortAttempts: 3,
		StartupTimeout: 5 * time.Second, StartAttempts: 2, MaxRestarts: 2,
		RestartWindow: time.Minute, StopGrace: time.Second,
	})
	o := orchestrator.New(orchestrator.Deps{Store: store, Gateway: gw, Supervisor: sup, Bus: bus, Recorder: rec},
		orchestrator.Options{
			SessionTimeout: 30 * time.Second,
			PreviewArgv:    []string{os.Args[0], "-test.run=^TestHelperProcess$"},
			PreviewEnv:     map[string]string{"APPFORGE_HELPER": "serve"},
			Probe:          supervisor.Probe{Kind: supervisor.ProbeTCP},
		})
	t.Cleanup(func() { _ = o.Shutdown(ctx) })

	ws, err := o.Generate(ctx, orchestrator.GenerateRequest{Prompt: "idle app"})
	require.NoError(t, err)
	wctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	ws, err = o.Wait(wctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, workspace.StateServing, ws.State)
	pid := ws.ProcessRef

	s := sweeper.New(store, o, sweeper.Policy{
		Interval:           time.Hour,
		IdleTimeout:        time.Nanosecond,
		DestroyedRetention: time.Hour,
	}, slog.Default())
	time.Sleep(time.Millisecond)

	rep := s.Sweep(ctx)
	assert.Equal(t, []string{ws.ID}, rep.Reclaimed)
	assert.Zero(t, rep.Errors)

	after, err := store.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace.StateDestroyed, after.State)
	_, err = os.Stat(ws.Root)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, sup.Ports().InUse())
	_, managed := sup.Health(ws.ID)
	assert.False(t, managed, "process %s still managed", pid)
}
