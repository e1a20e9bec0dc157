package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/appforge/internal/agent"
	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/sandbox"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// startSession moves the workspace to generating and runs the agent in the
// background.
func (o *Orchestrator) startSession(id, prompt string) (workspace.Workspace, error) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if o.opts.SessionTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), o.opts.SessionTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return workspace.Workspace{}, apperr.New(apperr.KindConflict, "server is shutting down")
	}
	if _, ok := o.sessions[id]; ok {
		o.mu.Unlock()
		cancel()
		return workspace.Workspace{}, apperr.New(apperr.KindConflict, "project %s is already generating", id)
	}
	sess := &session{cancel: cancel, done: make(chan struct{})}
	o.sessions[id] = sess
	o.mu.Unlock()

	ws, err := o.update(context.Background(), id, func(w *workspace.Workspace) error {
		if err := w.TransitionTo(workspace.StateGenerating, o.now()); err != nil {
			return err
		}
		w.Prompt = prompt
		w.Session++
		return nil
	})
	if err != nil {
		cancel()
		o.mu.Lock()
		delete(o.sessions, id)
		o.mu.Unlock()
		close(sess.done)
		return ws, err
	}
	o.mu.Lock()
	sess.number = ws.Session
	o.mu.Unlock()

	o.bus.Publish(id, events.KindGenerationStarted, GenerationStarted{
		Session:  ws.Session,
		Agent:    o.agent.Name(),
		Prompt:   prompt,
		Template: ws.Template,
	})

	o.wg.Add(1)
	go o.run(ctx, id, ws, sess)
	return ws, nil
}

// run executes one session to completion: agent, then preview.
func (o *Orchestrator) run(ctx context.Context, id string, ws workspace.Workspace, sess *session) {
	defer o.wg.Done()
	defer func() {
		sess.cancel()
		o.mu.Lock()
		delete(o.sessions, id)
		o.mu.Unlock()
		close(sess.done)
	}()

	logger := o.logger.With("project_id", id, "session", ws.Session)
	logger.Info("generation session started", "agent", o.agent.Name())

	s := &agent.Session{
		ProjectID: id,
		Number:    ws.Session,
		Prompt:    ws.Prompt,
		Template:  ws.Template,
		Tools: &retrying{
			next:    o.gateway.Bind(id),
			retries: o.opts.ToolRetries,
			delay:   o.opts.RetryBackoff,
		},
		Log: func(level, message string) {
			o.bus.Publish(id, events.KindLogAppended, LogLine{Level: normalizeLevel(level), Message: message})
		},
	}

	out, err := o.agent.Run(ctx, s)
	if err == nil && ctx.Err() != nil {
		err = apperr.Wrap(ctx.Err(), apperr.KindOf(ctx.Err()), "generation session")
	}
	if err != nil {
		logger.Warn("generation session failed", "error", err, "tool_calls", out.ToolCalls)
		o.failSession(id, sess, StageGeneration, err)
		return
	}
	logger.Info("generation session finished", "tool_calls", out.ToolCalls, "failures", out.Failures)
	if out.Summary != "" {
		s.Log("info", out.Summary)
	}

	if _, err := o.update(context.Background(), id, func(w *workspace.Workspace) error {
		return w.TransitionTo(workspace.StateReady, o.now())
	}); err != nil {
		logger.Warn("could not mark project ready", "error", err)
		return
	}

	_, err = o.sup.Start(ctx, id, supervisor.LaunchSpec{
		Argv:  o.opts.PreviewArgv,
		Env:   o.opts.PreviewEnv,
		Probe: o.opts.Probe,
	})
	if err != nil {
		logger.Warn("preview failed to start", "error", err)
		o.failSession(id, sess, StagePreview, err)
	}
}

// failSession records a session failure unless the session was abandoned
// by a teardown.
func (o *Orchestrator) failSession(id string, sess *session, stage string, err error) {
	o.mu.Lock()
	abandoned := sess.abandoned
	o.mu.Unlock()
	if abandoned {
		return
	}
	o.fail(id, stage, err)
}

// fail moves a live workspace to failed and reports why.
func (o *Orchestrator) fail(id, stage string, err error) {
	kind := apperr.KindOf(err)
	reason := err.Error()
	if kind == apperr.KindCancelled {
		reason = "generation cancelled"
	}
	ws, uerr := o.update(context.Background(), id, func(w *workspace.Workspace) error {
		return w.Fail(kind, reason, o.now())
	})
	if uerr != nil {
		o.logger.Debug("failure not recorded", "project_id", id, "error", uerr)
		return
	}
	o.bus.Publish(id, events.KindErrorOccurred, ErrorEvent{Stage: stage, Kind: ws.ReasonKind, Reason: ws.Reason})
}

func normalizeLevel(level string) string {
	switch l := strings.ToLower(level); l {
	case "debug", "info", "warn", "error":
		return l
	case "warning":
		return "warn"
	}
	return "info"
}

// retrying re-issues idempotent tool calls that time out.
type retrying struct {
	next    agent.Dispatcher
	retries int
	delay   time.Duration
}

// Dispatch implements agent.Dispatcher.
func (r *retrying) Dispatch(ctx context.Context, tool string, params json.RawMessage) (sandbox.Result, error) {
	t, err := sandbox.ParseTool(tool)
	if err != nil || !t.Idempotent() || r.retries <= 0 {
		return r.next.Dispatch(ctx, tool, params)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.delay
	b.MaxElapsedTime = 0

	attempt := 0
	res, err := backoff.RetryWithData(func() (sandbox.Result, error) {
		attempt++
		res, err := r.next.Dispatch(ctx, tool, params)
		if err != nil && !apperr.Is(err, apperr.KindTimeout) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retries)), ctx))
	if err != nil && attempt > 1 {
		return res, fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return res, err
}
