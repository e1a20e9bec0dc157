// Package orchestrator drives each workspace through its generation
// lifecycle: provisioning, agent session, preview and teardown.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/appforge/internal/agent"
	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/log"
	"github.com/mattjoyce/appforge/internal/sandbox"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// maxPromptRunes bounds the prompt accepted by Generate.
const maxPromptRunes = 8000

// Options tune generation.
type Options struct {
	SessionTimeout    time.Duration
	ToolRetries       int
	RetryBackoff      time.Duration
	ProvisionAttempts int

	// PreviewArgv is the dev server command with ${PORT}/${HOST} unexpanded.
	PreviewArgv []string
	PreviewEnv  map[string]string
	Probe       supervisor.Probe

	// ListIgnore holds gitignore-style patterns hidden from ListFiles.
	ListIgnore []string
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	argv, err := cfg.Preview.Argv()
	if err != nil {
		return Options{}, err
	}
	return Options{
		SessionTimeout:    cfg.Generation.SessionTimeout,
		ToolRetries:       cfg.Generation.ToolRetries,
		RetryBackoff:      cfg.Generation.RetryBackoff,
		ProvisionAttempts: cfg.Generation.ProvisionAttempts,
		PreviewArgv:       argv,
		PreviewEnv:        cfg.Preview.Env,
		Probe: supervisor.Probe{
			Kind: supervisor.ProbeKind(cfg.Preview.Probe.Kind),
			Path: cfg.Preview.Probe.Path,
		},
		ListIgnore: cfg.Workspaces.ListIgnore,
	}, nil
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store      workspace.Store
	Gateway    *sandbox.Gateway
	Supervisor *supervisor.Supervisor
	Bus        *events.Bus
	Recorder   audit.Recorder
	Agent      agent.Agent
}

// GenerateRequest starts a new project.
type GenerateRequest struct {
	Prompt   string `json:"prompt"`
	Template string `json:"template,omitempty"`
}

// session is one running generation.
type session struct {
	number int
	cancel context.CancelFunc
	done   chan struct{}
	// abandoned sessions end without touching workspace state.
	abandoned bool
}

// Orchestrator owns the lifecycle state machine.
type Orchestrator struct {
	store    workspace.Store
	gateway  *sandbox.Gateway
	sup      *supervisor.Supervisor
	bus      *events.Bus
	recorder audit.Recorder
	agent    agent.Agent
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// New wires an orchestrator and installs its supervisor hooks.
func New(d Deps, opts Options) *Orchestrator {
	if opts.ProvisionAttempts < 1 {
		opts.ProvisionAttempts = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if d.Agent == nil {
		d.Agent = agent.NewScaffold()
	}
	o := &Orchestrator{
		store:    d.Store,
		gateway:  d.Gateway,
		sup:      d.Supervisor,
		bus:      d.Bus,
		recorder: d.Recorder,
		agent:    d.Agent,
		opts:     opts,
		logger:   log.WithComponent("orchestrator"),
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	o.sup.SetHooks(supervisor.Hooks{
		OnStarted: o.onPreviewStarted,
		OnFatal:   o.onPreviewFatal,
	})
	return o
}

// Generate provisions a workspace and starts a generation session in the
// background. The returned snapshot is already generating.
func (o *Orchestrator) Generate(ctx context.Context, req GenerateRequest) (workspace.Workspace, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return workspace.Workspace{}, apperr.Validation("prompt is required")
	}
	if utf8.RuneCountInString(prompt) > maxPromptRunes {
		return workspace.Workspace{}, apperr.Validation("prompt exceeds %d characters", maxPromptRunes)
	}
	if !agent.ValidTemplate(req.Template) {
		return workspace.Workspace{}, apperr.Validation("unknown template %q (want one of %s)",
			req.Template, strings.Join(agent.Templates, ", "))
	}
	if o.isClosed() {
		return workspace.Workspace{}, apperr.New(apperr.KindConflict, "server is shutting down")
	}

	ws, err := o.provision(ctx, workspace.CreateOptions{Prompt: prompt, Template: req.Template})
	if err != nil {
		return workspace.Workspace{}, err
	}
	o.logger.Info("workspace provisioned", "project_id", ws.ID, "template", req.Template)
	o.bus.Publish(ws.ID, events.KindStateChanged, StateChange{To: ws.State})

	return o.startSession(ws.ID, prompt)
}

// provision creates a workspace, retrying while the concurrency cap is full.
func (o *Orchestrator) provision(ctx context.Context, opts workspace.CreateOptions) (workspace.Workspace, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.opts.RetryBackoff
	b.MaxElapsedTime = 0

	return backoff.RetryWithData(func() (workspace.Workspace, error) {
		ws, err := o.store.Create(ctx, opts)
		if err != nil && !apperr.Is(err, apperr.KindResourceExhausted) {
			return ws, backoff.Permanent(err)
		}
		return ws, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.opts.ProvisionAttempts-1)), ctx))
}

// Regenerate starts a fresh session on an existing workspace. The file tree
// and earlier tool records are kept. An empty prompt reuses the last one.
func (o *Orchestrator) Regenerate(ctx context.Context, id, prompt string) (workspace.Workspace, error) {
	if o.isClosed() {
		return workspace.Workspace{}, apperr.New(apperr.KindConflict, "server is shutting down")
	}
	ws, err := o.live(ctx, id)
	if err != nil {
		return ws, err
	}
	if o.running(id) {
		return ws, apperr.New(apperr.KindConflict, "project %s is already generating", id)
	}
	if !ws.State.CanTransition(workspace.StateGenerating) {
		return ws, apperr.New(apperr.KindConflict, "project %s cannot regenerate from %s", id, ws.State)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = ws.Prompt
	}
	if utf8.RuneCountInString(prompt) > maxPromptRunes {
		return ws, apperr.Validation("prompt exceeds %d characters", maxPromptRunes)
	}

	// The preview restarts once the new session completes.
	if err := o.sup.Stop(ctx, id); err != nil {
		return ws, err
	}
	return o.startSession(id, prompt)
}

// Cancel stops any running session and the preview, and moves a live
// workspace to failed. It is idempotent and safe from any state; when it
// returns no tool call runs and no process is managed for the workspace.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (workspace.Workspace, error) {
	ws, err := o.store.Get(ctx, id)
	if err != nil {
		return ws, err
	}
	if ws.State == workspace.StateDestroyed {
		return ws, nil
	}

	o.quiesce(id, false)
	defer o.gateway.Resume(id)
	if err := o.sup.Stop(context.WithoutCancel(ctx), id); err != nil {
		return ws, err
	}

	ws, err = o.update(context.WithoutCancel(ctx), id, func(w *workspace.Workspace) error {
		if w.State == workspace.StateFailed {
			return errUnchanged
		}
		return w.Fail(apperr.KindCancelled, "cancelled by request", o.now())
	})
	if errors.Is(err, errUnchanged) {
		return o.store.Get(ctx, id)
	}
	if err != nil {
		return ws, err
	}
	o.bus.Publish(id, events.KindErrorOccurred, ErrorEvent{Stage: StageCancel, Kind: apperr.KindCancelled, Reason: ws.Reason})
	return ws, nil
}

// Delete tears a project down. Deleting an unknown or already destroyed
// project succeeds.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	return o.Reclaim(ctx, id, "deleted")
}

// Reclaim stops the session and preview, removes the root and leaves a
// destroyed tombstone. reason is reported on the state_changed event.
func (o *Orchestrator) Reclaim(ctx context.Context, id, reason string) error {
	ws, err := o.store.Get(ctx, id)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ws.State == workspace.StateDestroyed {
		return nil
	}

	// The gateway stays closed for a destroyed workspace.
	o.quiesce(id, true)
	if err := o.sup.Forget(context.WithoutCancel(ctx), id); err != nil {
		return err
	}
	destroyed, err := o.store.Destroy(context.WithoutCancel(ctx), id)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	o.logger.Info("workspace destroyed", "project_id", id, "reason", reason)
	o.bus.Publish(id, events.KindStateChanged, StateChange{From: ws.State, To: destroyed.State, Reason: reason})
	return nil
}

// Purge drops every trace of a destroyed project: its record, event stream
// and tool records.
func (o *Orchestrator) Purge(ctx context.Context, id string) error {
	if err := o.Reclaim(ctx, id, "purged"); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := o.recorder.Purge(ctx, id); err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "purge tool records of %s", id)
	}
	o.bus.Drop(id)
	o.gateway.Forget(id)
	return nil
}

// Wait blocks until the project's running session, including preview
// startup, has finished, then returns the current snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (workspace.Workspace, error) {
	o.mu.Lock()
	sess := o.sessions[id]
	o.mu.Unlock()
	if sess != nil {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return workspace.Workspace{}, apperr.Wrap(ctx.Err(), apperr.KindOf(ctx.Err()), "wait for %s", id)
		}
	}
	return o.store.Get(ctx, id)
}

// Shutdown cancels every session, waits for them to end and stops all
// previews. New generations are refused afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, sess := range o.sessions {
		sess.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.sup.StopAll(context.WithoutCancel(ctx))
	return err
}

// quiesce cancels the running session, blocks new tool calls and waits for
// in-flight ones and the session itself to return.
func (o *Orchestrator) quiesce(id string, abandon bool) {
	o.mu.Lock()
	sess := o.sessions[id]
	if sess != nil {
		sess.abandoned = sess.abandoned || abandon
		sess.cancel()
	}
	o.mu.Unlock()

	o.gateway.Suspend(id)
	if sess != nil {
		<-sess.done
	}
}

func (o *Orchestrator) running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.sessions[id]
	return ok
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// live returns the workspace unless it is destroyed.
func (o *Orchestrator) live(ctx context.Context, id string) (workspace.Workspace, error) {
	ws, err := o.store.Get(ctx, id)
	if err != nil {
		return ws, err
	}
	if !ws.State.Active() {
		return ws, apperr.NotFound("project", id)
	}
	return ws, nil
}

var errUnchanged = errors.New("unchanged")

// update applies fn through the store and publishes a state_changed event
// when the state moved.
func (o *Orchestrator) update(ctx context.Context, id string, fn workspace.Mutator) (workspace.Workspace, error) {
	var from workspace.State
	ws, err := o.store.Update(ctx, id, func(w *workspace.Workspace) error {
		from = w.State
		return fn(w)
	})
	if err != nil {
		return ws, err
	}
	if ws.State != from {
		o.bus.Publish(id, events.KindStateChanged, StateChange{
			From:       from,
			To:         ws.State,
			Reason:     ws.Reason,
			ReasonKind: ws.ReasonKind,
		})
	}
	return ws, nil
}
