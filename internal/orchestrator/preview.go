package orchestrator

import (
	"context"
	"net"
	"strconv"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// onPreviewStarted moves a ready project to serving, or records the new
// port after an automatic restart.
func (o *Orchestrator) onPreviewStarted(p supervisor.Process) {
	id := p.WorkspaceID
	_, err := o.update(context.Background(), id, func(w *workspace.Workspace) error {
		switch w.State {
		case workspace.StateReady:
			if err := w.TransitionTo(workspace.StateServing, o.now()); err != nil {
				return err
			}
		case workspace.StateServing:
		default:
			return apperr.New(apperr.KindConflict, "project %s is %s", id, w.State)
		}
		w.Port = p.Port
		w.ProcessRef = p.Ref()
		return nil
	})
	if err != nil {
		// The project moved on while the server came up.
		o.logger.Warn("stopping preview of project that is no longer servable", "project_id", id, "error", err)
		go func() { _ = o.sup.Stop(context.Background(), id) }()
		return
	}

	o.bus.Publish(id, events.KindServerStarted, ServerStarted{PID: p.PID, Port: p.Port, RestartCount: p.RestartCount})
	o.bus.Publish(id, events.KindPreviewReady, endpointFor(p.Host, p.Port))
}

// onPreviewFatal fails a project whose dev server was given up on.
func (o *Orchestrator) onPreviewFatal(id string, cause error) {
	err := apperr.Wrap(cause, apperr.KindPreviewUnavailable, "preview")
	if apperr.Is(cause, apperr.KindPreviewUnavailable) {
		err = cause
	}
	_, uerr := o.update(context.Background(), id, func(w *workspace.Workspace) error {
		if w.State != workspace.StateServing && w.State != workspace.StateReady {
			return errUnchanged
		}
		return w.Fail(apperr.KindPreviewUnavailable, err.Error(), o.now())
	})
	if uerr != nil {
		return
	}
	o.bus.Publish(id, events.KindErrorOccurred, ErrorEvent{Stage: StagePreview, Kind: apperr.KindPreviewUnavailable, Reason: err.Error()})
}

// PreviewEndpoint returns where the project's dev server listens. It fails
// with PREVIEW_UNAVAILABLE unless the project is serving a healthy process.
func (o *Orchestrator) PreviewEndpoint(ctx context.Context, id string) (Endpoint, error) {
	ws, err := o.live(ctx, id)
	if err != nil {
		return Endpoint{}, err
	}
	p, ok := o.sup.Health(id)
	if ws.State != workspace.StateServing || !ok || p.Health != supervisor.HealthHealthy || p.Port == 0 {
		return Endpoint{}, apperr.New(apperr.KindPreviewUnavailable, "project %s has no running preview (%s)", id, ws.State)
	}
	o.touch(ctx, id)
	return endpointFor(p.Host, p.Port), nil
}

// RestartPreview restarts a serving project's dev server. Restarts count
// toward the crash window; exhausting it fails the project.
func (o *Orchestrator) RestartPreview(ctx context.Context, id string) (supervisor.Process, error) {
	ws, err := o.live(ctx, id)
	if err != nil {
		return supervisor.Process{}, err
	}
	if ws.State != workspace.StateServing {
		return supervisor.Process{}, apperr.New(apperr.KindConflict, "project %s is %s, not serving", id, ws.State)
	}
	return o.sup.Restart(ctx, id)
}

func endpointFor(host string, port int) Endpoint {
	display := host
	if display == "" || display == "0.0.0.0" || display == "::" {
		display = "127.0.0.1"
	}
	return Endpoint{
		Host: host,
		Port: port,
		URL:  "http://" + net.JoinHostPort(display, strconv.Itoa(port)) + "/",
	}
}
