// Package sandbox is the only path through which agents touch a workspace's
// filesystem or spawn commands.
package sandbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/log"
	"github.com/mattjoyce/appforge/internal/proc"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// Policy bounds what tool calls may do.
type Policy struct {
	AllowedCommands       []string
	MaxFileBytes          int64
	MaxWorkspaceBytes     int64
	MaxOutputBytes        int64
	DefaultTimeout        time.Duration
	MaxTimeout            time.Duration
	TerminationGrace      time.Duration
	MaxConcurrentCommands int
	Limits                proc.Limits
	CommandEnv            map[string]string
}

// PolicyFromConfig converts the sandbox config section.
func PolicyFromConfig(c config.SandboxConfig) Policy {
	return Policy{
		AllowedCommands:       c.AllowedCommands,
		MaxFileBytes:          int64(c.MaxFileBytes),
		MaxWorkspaceBytes:     int64(c.MaxWorkspaceBytes),
		MaxOutputBytes:        int64(c.MaxOutputBytes),
		DefaultTimeout:        c.DefaultTimeout,
		MaxTimeout:            c.MaxTimeout,
		TerminationGrace:      c.TerminationGrace,
		MaxConcurrentCommands: c.MaxConcurrentCommands,
		Limits:                proc.Limits{CPUSeconds: c.CPUSeconds, MemoryBytes: uint64(c.MemoryBytes)},
		CommandEnv:            c.CommandEnv,
	}
}

// Publisher receives status events.
type Publisher interface {
	Publish(projectID string, kind events.Kind, payload any) events.Event
}

// ToolEvent is the payload of tool_executed events.
type ToolEvent struct {
	RecordID  string      `json:"record_id"`
	Tool      Tool        `json:"tool"`
	OK        bool        `json:"ok"`
	ErrorKind apperr.Kind `json:"error_kind,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Paths     []string    `json:"paths,omitempty"`
	ExitCode  *int        `json:"exit_code,omitempty"`
	Summary   string      `json:"summary,omitempty"`
}

// FileEvent is the payload of file_created events.
type FileEvent struct {
	Path string    `json:"path"`
	Type EntryType `json:"type"`
	Size int64     `json:"size,omitempty"`
}

// gate tracks in-flight calls for one workspace. order admits one
// dispatched call at a time, first come first served.
type gate struct {
	mu       sync.RWMutex
	closed   bool
	order    *semaphore.Weighted
	commands *semaphore.Weighted
}

// Gateway validates and executes tool calls against workspace roots.
type Gateway struct {
	store    workspace.Store
	recorder audit.Recorder
	bus      Publisher
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	gates map[string]*gate
}

// New creates a gateway. bus may be nil.
func New(store workspace.Store, recorder audit.Recorder, bus Publisher, policy Policy) *Gateway {
	if policy.MaxConcurrentCommands < 1 {
		policy.MaxConcurrentCommands = 1
	}
	return &Gateway{
		store:    store,
		recorder: recorder,
		bus:      bus,
		policy:   policy,
		logger:   log.WithComponent("sandbox"),
		now:      time.Now,
		gates:    make(map[string]*gate),
	}
}

// Policy returns the active policy.
func (g *Gateway) Policy() Policy {
	return g.policy
}

// Dispatch decodes a wire-level call and executes it. Dispatched calls for
// one workspace run one at a time in arrival order, whoever issued them.
func (g *Gateway) Dispatch(ctx context.Context, projectID, toolName string, params json.RawMessage) (Result, error) {
	tool, err := ParseTool(toolName)
	if err != nil {
		return nil, err
	}
	req, err := Decode(tool, params)
	if err != nil {
		return nil, err
	}
	order := g.gate(projectID).order
	if err := order.Acquire(ctx, 1); err != nil {
		return nil, apperr.Wrap(err, apperr.KindCancelled, "%s", tool)
	}
	defer order.Release(1)
	return g.Execute(ctx, projectID, req)
}

// Execute runs one tool call. Every path is resolved before any OS call and
// every invocation is recorded before and after execution.
func (g *Gateway) Execute(ctx context.Context, projectID string, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindCancelled, "%s", req.Tool())
	}

	gt := g.gate(projectID)
	gt.mu.RLock()
	defer gt.mu.RUnlock()
	if gt.closed {
		return nil, apperr.New(apperr.KindConflict, "workspace %s is not accepting tool calls", projectID)
	}

	ws, err := g.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ws.State.Active() {
		return nil, apperr.NotFound("workspace", projectID)
	}

	params, _ := json.Marshal(req)
	rec := audit.Record{ProjectID: projectID, Tool: string(req.Tool()), Params: params, StartedAt: g.now()}

	res, paths, digest, execErr := g.execute(ctx, ws, req, &rec)
	g.finish(ctx, rec, res, digest, execErr)

	if _, err := g.store.Update(context.WithoutCancel(ctx), projectID, func(w *workspace.Workspace) error {
		w.LastActivityAt = g.now()
		return nil
	}); err != nil && !apperr.Is(err, apperr.KindNotFound) {
		g.logger.Warn("failed to record workspace activity", "project_id", projectID, "error", err)
	}

	g.publish(projectID, rec.ID, req.Tool(), res, paths, execErr)
	return res, execErr
}

// execute resolves paths, opens the record, then performs the call.
func (g *Gateway) execute(ctx context.Context, ws workspace.Workspace, req Request, rec *audit.Record) (Result, []string, string, error) {
	begin := func(paths []string) error {
		rec.ResolvedPaths = paths
		opened, err := g.recorder.Begin(ctx, *rec)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "record %s", req.Tool())
		}
		*rec = opened
		return nil
	}

	if err := req.validate(); err != nil {
		if berr := begin(nil); berr != nil {
			return nil, nil, "", berr
		}
		return nil, nil, "", err
	}

	r, err := newResolver(ws.Root)
	if err != nil {
		_ = begin(nil)
		return nil, nil, "", err
	}

	target := ""
	switch q := req.(type) {
	case ReadFileRequest:
		target = q.Path
	case WriteFileRequest:
		target = q.Path
	case ListDirectoryRequest:
		target = q.Path
	case CreateDirectoryRequest:
		target = q.Path
	case RunCommandRequest:
		target = q.Cwd
	}

	abs, err := r.resolve(target)
	if err != nil {
		if berr := begin(nil); berr != nil {
			return nil, nil, "", berr
		}
		if apperr.Is(err, apperr.KindPermissionDenied) {
			log.Security(g.logger, "tool call rejected: path escapes workspace",
				"project_id", ws.ID, "tool", req.Tool(), "path", target)
		}
		return nil, nil, "", err
	}
	if err := begin([]string{abs}); err != nil {
		return nil, nil, "", err
	}
	rel := []string{r.rel(abs)}

	switch q := req.(type) {
	case ReadFileRequest:
		res, err := g.readFile(r, abs)
		return res, rel, "", err
	case WriteFileRequest:
		res, err := g.writeFile(r, abs, q.Content)
		return res, rel, res.Digest, err
	case ListDirectoryRequest:
		res, err := g.listDirectory(r, abs, q.Recursive)
		return res, rel, "", err
	case CreateDirectoryRequest:
		res, err := g.createDirectory(r, abs)
		return res, rel, "", err
	case RunCommandRequest:
		res, err := g.runCommand(ctx, ws.ID, r, abs, q)
		if apperr.Is(err, apperr.KindDenied) {
			log.Security(g.logger, "tool call rejected: command not allowed",
				"project_id", ws.ID, "argv", q.argv())
		}
		return res, rel, "", err
	}
	return nil, nil, "", apperr.Validation("unknown tool %q", req.Tool())
}

func (g *Gateway) finish(ctx context.Context, rec audit.Record, res Result, digest string, execErr error) {
	if rec.ID == "" {
		return
	}
	out := audit.Result{Outcome: audit.OutcomeSuccess, Digest: digest}
	if execErr != nil {
		out = audit.Result{Outcome: audit.OutcomeFailure, ErrorKind: apperr.KindOf(execErr), Reason: execErr.Error()}
	}
	// The record must close even when the call was cancelled.
	if err := g.recorder.Finish(context.WithoutCancel(ctx), rec.ID, out); err != nil {
		g.logger.Error("failed to finish tool record", "record_id", rec.ID, "error", err)
	}
}

func (g *Gateway) publish(projectID, recordID string, tool Tool, res Result, paths []string, execErr error) {
	if g.bus == nil {
		return
	}
	ev := ToolEvent{RecordID: recordID, Tool: tool, OK: execErr == nil, Paths: paths}
	if execErr != nil {
		ev.ErrorKind = apperr.KindOf(execErr)
		ev.Reason = execErr.Error()
	}
	switch r := res.(type) {
	case RunCommandResult:
		code := r.ExitCode
		ev.ExitCode = &code
	case WriteFileResult:
		ev.Summary = summarizeWrite(r)
	}
	g.bus.Publish(projectID, events.KindToolExecuted, ev)

	if execErr != nil {
		return
	}
	switch r := res.(type) {
	case WriteFileResult:
		if r.Created {
			g.bus.Publish(projectID, events.KindFileCreated, FileEvent{Path: r.Path, Type: EntryFile, Size: r.Bytes})
		}
	case CreateDirectoryResult:
		if r.Created {
			g.bus.Publish(projectID, events.KindFileCreated, FileEvent{Path: r.Path, Type: EntryDir})
		}
	}
}

func summarizeWrite(r WriteFileResult) string {
	if r.Created {
		return "created " + r.Path
	}
	return "updated " + r.Path + " (+" + strconv.Itoa(r.Added) + " -" + strconv.Itoa(r.Removed) + ")"
}

func (g *Gateway) gate(projectID string) *gate {
	g.mu.Lock()
	defer g.mu.Unlock()
	gt, ok := g.gates[projectID]
	if !ok {
		gt = &gate{
			order:    semaphore.NewWeighted(1),
			commands: semaphore.NewWeighted(int64(g.policy.MaxConcurrentCommands)),
		}
		g.gates[projectID] = gt
	}
	return gt
}

// Suspend rejects new calls for projectID and waits for in-flight calls to
// return. Callers cancel the in-flight calls' contexts first.
func (g *Gateway) Suspend(projectID string) {
	gt := g.gate(projectID)
	gt.mu.Lock()
	gt.closed = true
	gt.mu.Unlock()
}

// Resume accepts calls for projectID again.
func (g *Gateway) Resume(projectID string) {
	gt := g.gate(projectID)
	gt.mu.Lock()
	gt.closed = false
	gt.mu.Unlock()
}

// Forget drops per-workspace bookkeeping once the workspace is purged.
func (g *Gateway) Forget(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.gates, projectID)
}

// Records returns the tool invocation records of a workspace.
func (g *Gateway) Records(ctx context.Context, projectID string) ([]audit.Record, error) {
	return g.recorder.List(ctx, projectID)
}

// Binding is a per-workspace dispatch function.
type Binding struct {
	gateway   *Gateway
	projectID string
}

// Bind returns the dispatch function handed to an agent session.
func (g *Gateway) Bind(projectID string) *Binding {
	return &Binding{gateway: g, projectID: projectID}
}

// ProjectID returns the bound workspace.
func (b *Binding) ProjectID() string {
	return b.projectID
}

// Dispatch executes one call for the bound workspace.
func (b *Binding) Dispatch(ctx context.Context, toolName string, params json.RawMessage) (Result, error) {
	return b.gateway.Dispatch(ctx, b.projectID, toolName, params)
}
