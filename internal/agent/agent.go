// Package agent runs generation sessions. An agent only touches its
// workspace through the tool dispatcher it is handed.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

// Templates are the accepted template hints. Empty means no preference.
var Templates = []string{"static", "react", "vite", "next"}

// ValidTemplate reports whether t is empty or a known template hint.
func ValidTemplate(t string) bool {
	return t == "" || slices.Contains(Templates, t)
}

// Dispatcher executes one tool call for the session's workspace. Calls are
// processed one at a time in the order they are issued.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, params json.RawMessage) (sandbox.Result, error)
}

// Session is one generation run against a workspace.
type Session struct {
	ProjectID string
	Number    int
	Prompt    string
	Template  string
	Tools     Dispatcher
	// Log receives progress text. May be nil.
	Log func(level, message string)
}

func (s *Session) logf(level, format string, args ...any) {
	if s.Log != nil {
		s.Log(level, fmt.Sprintf(format, args...))
	}
}

// Outcome summarizes a completed session.
type Outcome struct {
	ToolCalls int    `json:"tool_calls"`
	Failures  int    `json:"failures"`
	Summary   string `json:"summary,omitempty"`
}

// Agent produces project files through a session's dispatcher.
//
// Run returns an error only for fatal failures. Individual tool failures
// are reported through the dispatcher and counted in the Outcome.
type Agent interface {
	Name() string
	Run(ctx context.Context, s *Session) (Outcome, error)
}

// call marshals req and dispatches it, counting the attempt in out.
func call(ctx context.Context, s *Session, out *Outcome, req sandbox.Request) (sandbox.Result, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "encode %s", req.Tool())
	}
	out.ToolCalls++
	res, err := s.Tools.Dispatch(ctx, string(req.Tool()), params)
	if err != nil {
		out.Failures++
	}
	return res, err
}
