// Package supervisor launches, probes, restarts and terminates one preview
// dev server per workspace.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/log"
	"github.com/mattjoyce/appforge/internal/proc"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// Health is the supervisor's view of a managed process.
type Health string

const (
	HealthStarting  Health = "starting"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthStopped   Health = "stopped"
)

// LaunchSpec describes how to run a dev server. ${PORT} and ${HOST} in Argv
// are expanded once a port is allocated.
type LaunchSpec struct {
	Argv  []string
	Env   map[string]string
	Probe Probe
}

// Process is a snapshot of a managed process.
type Process struct {
	WorkspaceID  string    `json:"workspace_id"`
	PID          int       `json:"pid,omitempty"`
	Host         string    `json:"host"`
	Port         int       `json:"port,omitempty"`
	Health       Health    `json:"health"`
	RestartCount int       `json:"restart_count"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

// Ref is the process reference stored on the workspace.
func (p Process) Ref() string {
	if p.PID == 0 {
		return ""
	}
	return "pid:" + strconv.Itoa(p.PID)
}

// Options tune supervision.
type Options struct {
	Host           string
	PortFrom       int
	PortTo         int
	PortAttempts   int
	StartupTimeout time.Duration
	StartAttempts  int
	MaxRestarts    int
	RestartWindow  time.Duration
	StopGrace      time.Duration
}

// OptionsFromConfig converts the preview config section.
func OptionsFromConfig(c config.PreviewConfig) Options {
	return Options{
		Host:           c.Host,
		PortFrom:       c.PortRange.From,
		PortTo:         c.PortRange.To,
		PortAttempts:   c.PortAttempts,
		StartupTimeout: c.StartupTimeout,
		StartAttempts:  c.StartAttempts,
		MaxRestarts:    c.MaxRestarts,
		RestartWindow:  c.RestartWindow,
		StopGrace:      c.StopGrace,
	}
}

// Hooks receive lifecycle notifications. They run outside supervisor locks.
type Hooks struct {
	// OnStarted fires whenever a process becomes healthy, including after
	// an automatic restart.
	OnStarted func(p Process)
	// OnFatal fires once the process is given up on.
	OnFatal func(workspaceID string, err error)
}

type managed struct {
	// op serializes start, stop, restart and crash handling.
	op sync.Mutex

	mu       sync.Mutex
	spec     LaunchSpec
	root     string
	pid      int
	port     int
	health   Health
	restarts int
	crashes  []time.Time
	started  time.Time
	lastErr  string
	done     chan struct{}
	gen      int
	stopping bool
}

// Supervisor owns every managed process.
type Supervisor struct {
	store  workspace.Store
	pool   *PortPool
	opts   Options
	hooks  Hooks
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	procs map[string]*managed
}

// New creates a supervisor.
func New(store workspace.Store, opts Options) *Supervisor {
	if opts.StartAttempts < 1 {
		opts.StartAttempts = 1
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 30 * time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	return &Supervisor{
		store:  store,
		pool:   NewPortPool(opts.Host, opts.PortFrom, opts.PortTo, opts.PortAttempts),
		opts:   opts,
		logger: log.WithComponent("supervisor"),
		now:    time.Now,
		procs:  make(map[string]*managed),
	}
}

// SetHooks installs lifecycle hooks. Call before the first Start.
func (s *Supervisor) SetHooks(h Hooks) {
	s.hooks = h
}

// Ports exposes the port pool.
func (s *Supervisor) Ports() *PortPool {
	return s.pool
}

// Start launches the workspace's dev server and waits until it is healthy.
// A process that is already running is returned as is.
func (s *Supervisor) Start(ctx context.Context, workspaceID string, spec LaunchSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return Process{}, apperr.Validation("launch spec has no command")
	}
	ws, err := s.store.Get(ctx, workspaceID)
	if err != nil {
		return Process{}, err
	}
	if !ws.State.Active() {
		return Process{}, apperr.NotFound("workspace", workspaceID)
	}

	m := s.entry(workspaceID)
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	if m.pid != 0 && m.health == HealthHealthy {
		m.mu.Unlock()
		return s.snapshot(workspaceID, m), nil
	}
	m.spec = spec
	m.root = ws.Root
	m.crashes = nil
	m.restarts = 0
	m.mu.Unlock()

	if err := s.launch(ctx, workspaceID, m); err != nil {
		return s.snapshot(workspaceID, m), err
	}
	p := s.snapshot(workspaceID, m)
	s.fireStarted(p)
	return p, nil
}

// Stop terminates the process gracefully, force-killing after the grace
// period, and always releases its port. Unknown workspaces are a no-op.
func (s *Supervisor) Stop(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	m, ok := s.procs[workspaceID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	m.op.Lock()
	defer m.op.Unlock()
	s.terminate(workspaceID, m)
	return nil
}

// Restart stops and starts the process again. Restarts count toward the
// restart window; exceeding it leaves the process permanently unhealthy.
func (s *Supervisor) Restart(ctx context.Context, workspaceID string) (Process, error) {
	s.mu.Lock()
	m, ok := s.procs[workspaceID]
	s.mu.Unlock()
	if !ok {
		return Process{}, apperr.NotFound("managed process", workspaceID)
	}

	m.op.Lock()
	s.terminate(workspaceID, m)
	if err := s.countRestart(m); err != nil {
		m.op.Unlock()
		s.fireFatal(workspaceID, err)
		return s.snapshot(workspaceID, m), err
	}
	err := s.launch(ctx, workspaceID, m)
	p := s.snapshot(workspaceID, m)
	m.op.Unlock()

	if err != nil {
		s.markUnhealthy(m, err)
		s.fireFatal(workspaceID, err)
		return s.snapshot(workspaceID, m), err
	}
	s.fireStarted(p)
	return p, nil
}

// Health returns a snapshot without waiting on lifecycle operations.
func (s *Supervisor) Health(workspaceID string) (Process, bool) {
	s.mu.Lock()
	m, ok := s.procs[workspaceID]
	s.mu.Unlock()
	if !ok {
		return Process{WorkspaceID: workspaceID, Host: s.opts.Host, Health: HealthStopped}, false
	}
	return s.snapshot(workspaceID, m), true
}

// List returns snapshots of every managed process.
func (s *Supervisor) List() []Process {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]Process, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.Health(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// Forget stops the process and drops its bookkeeping.
func (s *Supervisor) Forget(ctx context.Context, workspaceID string) error {
	if err := s.Stop(ctx, workspaceID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.procs, workspaceID)
	s.mu.Unlock()
	return nil
}

// StopAll stops every managed process.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (s *Supervisor) entry(workspaceID string) *managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.procs[workspaceID]
	if !ok {
		m = &managed{health: HealthStopped}
		s.procs[workspaceID] = m
	}
	return m
}

// launch tries to bring the process up StartAttempts times with backoff.
// Caller holds m.op.
func (s *Supervisor) launch(ctx context.Context, workspaceID string, m *managed) error {
	logger := s.logger.With("workspace_id", workspaceID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	attempt := 0

	err := backoff.Retry(func() error {
		attempt++
		err := s.spawn(ctx, workspaceID, m)
		if err == nil {
			return nil
		}
		logger.Warn("preview start attempt failed", "attempt", attempt, "error", err)
		if apperr.Is(err, apperr.KindCancelled) || apperr.Is(err, apperr.KindValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.StartAttempts-1)), ctx))
	if err == nil {
		return nil
	}

	m.mu.Lock()
	m.health = HealthStopped
	m.lastErr = err.Error()
	m.mu.Unlock()

	if apperr.Is(err, apperr.KindCancelled) {
		return err
	}
	return apperr.Wrap(err, apperr.KindPreviewUnavailable,
		"dev server did not become healthy after %d attempts", attempt)
}

// spawn runs one launch attempt: allocate a port, start the process in its
// own group pinned to the workspace root, and wait for the probe.
func (s *Supervisor) spawn(ctx context.Context, workspaceID string, m *managed) error {
	port, err := s.pool.Acquire(workspaceID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	spec, root := m.spec, m.root
	m.mu.Unlock()

	argv := config.ExpandLaunch(spec.Argv, s.opts.Host, port)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = root
	cmd.Env = s.env(root, port, spec.Env)
	cmd.SysProcAttr = proc.SysProcAttr()
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		s.pool.Release(port)
		if errors.Is(err, exec.ErrNotFound) {
			return apperr.Wrap(err, apperr.KindValidation, "dev server program %q", argv[0])
		}
		return fmt.Errorf("start dev server: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	m.mu.Lock()
	m.gen++
	gen := m.gen
	m.pid = cmd.Process.Pid
	m.port = port
	m.done = done
	m.health = HealthStarting
	m.started = s.now()
	m.stopping = false
	m.mu.Unlock()

	s.logger.Info("dev server launched", "workspace_id", workspaceID, "pid", cmd.Process.Pid, "port", port)

	pctx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()
	if err := waitHealthy(pctx, spec.Probe, s.opts.Host, port, done); err != nil {
		proc.Terminate(cmd.Process.Pid, done, s.opts.StopGrace)
		s.pool.Release(port)
		m.mu.Lock()
		m.pid, m.port, m.done = 0, 0, nil
		m.health = HealthStopped
		m.mu.Unlock()
		if ctx.Err() != nil {
			return apperr.Wrap(ctx.Err(), apperr.KindCancelled, "dev server start")
		}
		return err
	}

	m.mu.Lock()
	m.health = HealthHealthy
	m.lastErr = ""
	m.mu.Unlock()

	go s.monitor(workspaceID, m, gen, done)
	return nil
}

// terminate stops the current process and releases its port. Caller holds m.op.
func (s *Supervisor) terminate(workspaceID string, m *managed) {
	m.mu.Lock()
	pid, port, done := m.pid, m.port, m.done
	m.stopping = true
	m.mu.Unlock()

	if pid != 0 && done != nil {
		if killed := proc.Terminate(pid, done, s.opts.StopGrace); killed {
			s.logger.Warn("dev server ignored SIGTERM, killed", "workspace_id", workspaceID, "pid", pid)
		}
	}
	if port != 0 {
		s.pool.Release(port)
	}

	m.mu.Lock()
	m.pid, m.port, m.done = 0, 0, nil
	if m.health != HealthUnhealthy {
		m.health = HealthStopped
	}
	m.mu.Unlock()
}

// monitor waits for an unexpected exit and restarts within the window.
func (s *Supervisor) monitor(workspaceID string, m *managed, gen int, done <-chan struct{}) {
	<-done

	m.op.Lock()
	m.mu.Lock()
	if m.stopping || m.gen != gen {
		m.mu.Unlock()
		m.op.Unlock()
		return
	}
	pid, port := m.pid, m.port
	m.pid, m.port, m.done = 0, 0, nil
	m.mu.Unlock()
	// The leader is gone but its group may not be.
	if err := proc.Kill(pid); err != nil {
		s.logger.Warn("kill dev server group", "workspace_id", workspaceID, "pid", pid, "error", err)
	}
	s.pool.Release(port)

	s.logger.Warn("dev server exited unexpectedly", "workspace_id", workspaceID, "pid", pid, "port", port)

	if err := s.countRestart(m); err != nil {
		m.op.Unlock()
		s.fireFatal(workspaceID, err)
		return
	}
	err := s.launch(context.Background(), workspaceID, m)
	p := s.snapshot(workspaceID, m)
	m.op.Unlock()

	if err != nil {
		s.markUnhealthy(m, err)
		s.fireFatal(workspaceID, err)
		return
	}
	s.fireStarted(p)
}

// countRestart records a restart, or marks the process permanently
// unhealthy when the window is already full.
func (s *Supervisor) countRestart(m *managed) error {
	now := s.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.crashes[:0]
	for _, t := range m.crashes {
		if now.Sub(t) < s.opts.RestartWindow {
			kept = append(kept, t)
		}
	}
	m.crashes = kept

	if len(m.crashes) >= s.opts.MaxRestarts {
		m.health = HealthUnhealthy
		err := apperr.New(apperr.KindPreviewUnavailable,
			"dev server restarted %d times within %s", len(m.crashes), s.opts.RestartWindow)
		m.lastErr = err.Error()
		return err
	}
	m.crashes = append(m.crashes, now)
	m.restarts++
	return nil
}

func (s *Supervisor) markUnhealthy(m *managed, err error) {
	m.mu.Lock()
	m.health = HealthUnhealthy
	m.lastErr = err.Error()
	m.mu.Unlock()
}

func (s *Supervisor) snapshot(workspaceID string, m *managed) Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Process{
		WorkspaceID:  workspaceID,
		PID:          m.pid,
		Host:         s.opts.Host,
		Port:         m.port,
		Health:       m.health,
		RestartCount: m.restarts,
		StartedAt:    m.started,
		LastError:    m.lastErr,
	}
}

func (s *Supervisor) env(root string, port int, extra map[string]string) []string {
	env := map[string]string{
		"PATH":     os.Getenv("PATH"),
		"HOME":     root,
		"PORT":     strconv.Itoa(port),
		"HOST":     s.opts.Host,
		"BROWSER":  "none",
		"NODE_ENV": "development",
	}
	for k, v := range extra {
		env[k] = v
	}
	// The allocated port always wins.
	env["PORT"] = strconv.Itoa(port)

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) fireStarted(p Process) {
	if s.hooks.OnStarted != nil {
		s.hooks.OnStarted(p)
	}
}

func (s *Supervisor) fireFatal(workspaceID string, err error) {
	s.logger.Error("dev server given up", "workspace_id", workspaceID, "error", err)
	if s.hooks.OnFatal != nil {
		s.hooks.OnFatal(workspaceID, err)
	}
}
