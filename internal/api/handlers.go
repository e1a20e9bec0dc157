package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/workspace"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	all, err := s.projects.List(r.Context())
	if err != nil {
		s.logger.Error("failed to count workspaces", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count workspaces")
		return
	}
	live := 0
	for _, ws := range all {
		if ws.State.Active() {
			live++
		}
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		Version:       s.config.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workspaces:    live,
	})
}

// handleGenerate handles POST /generate. With ?wait=true the response is
// held until the session finishes and a disconnect cancels it.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := s.projects.Generate(r.Context(), orchestrator.GenerateRequest{Prompt: req.Prompt, Template: req.Template})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if !wantWait(r) {
		respondJSON(w, http.StatusAccepted, GenerateResponse{ProjectID: ws.ID, State: ws.State})
		return
	}
	s.waitAndRespond(w, r, ws.ID)
}

// handleRegenerate handles POST /projects/{id}/regenerate.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RegenerateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := s.projects.Regenerate(r.Context(), id, req.Prompt)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if !wantWait(r) {
		respondJSON(w, http.StatusAccepted, GenerateResponse{ProjectID: ws.ID, State: ws.State})
		return
	}
	s.waitAndRespond(w, r, ws.ID)
}

func (s *Server) waitAndRespond(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.projects.Wait(r.Context(), id); err != nil {
		if r.Context().Err() != nil {
			s.logger.Info("client disconnected during synchronous generation, cancelling", "project_id", id)
			if _, cerr := s.projects.Cancel(context.WithoutCancel(r.Context()), id); cerr != nil {
				s.logger.Warn("failed to cancel abandoned generation", "project_id", id, "error", cerr)
			}
			return
		}
		s.writeAppError(w, err)
		return
	}

	st, err := s.projects.Status(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleListProjects handles GET /projects[?state=...].
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	var states []workspace.State
	for _, name := range r.URL.Query()["state"] {
		st, err := workspace.ParseState(name)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		states = append(states, st)
	}

	list, err := s.projects.List(r.Context(), states...)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if list == nil {
		list = []workspace.Workspace{}
	}
	respondJSON(w, http.StatusOK, ProjectsResponse{Projects: list})
}

// handleStatus handles GET /projects/{id}/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.projects.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleFiles handles GET /projects/{id}/files.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	files, err := s.projects.ListFiles(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	if files == nil {
		files = []orchestrator.FileInfo{}
	}
	respondJSON(w, http.StatusOK, FilesResponse{ProjectID: id, Files: files})
}

// handlePreview handles GET /projects/{id}/preview.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	ep, err := s.projects.PreviewEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}

// handleRestartPreview handles POST /projects/{id}/preview/restart.
func (s *Server) handleRestartPreview(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.RestartPreview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// handleCancel handles POST /projects/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ws, err := s.projects.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

// handleDelete handles DELETE /projects/{id}. Deleting an unknown or
// already destroyed project succeeds.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInvocations handles GET /projects/{id}/invocations.
func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := s.projects.Records(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	resp := InvocationsResponse{ProjectID: id, Invocations: recs}
	if resp.Invocations == nil {
		resp.Invocations = []audit.Record{}
	}
	respondJSON(w, http.StatusOK, resp)
}

func wantWait(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	return v
}

// decodeBody reads an optional JSON object body.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// respondJSON is a helper to write JSON responses.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

// writeAppError maps a classified error to its status. Internal causes are
// logged, not returned.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	respondJSON(w, apperr.HTTPStatus(kind), ErrorResponse{Error: msg, Kind: kind})
}
