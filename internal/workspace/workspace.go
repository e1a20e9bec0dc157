package workspace

import (
	"fmt"
	"slices"
	"time"

	"github.com/mattjoyce/appforge/internal/apperr"
)

// State is a workspace lifecycle state.
type State string

const (
	StateCreated    State = "created"
	StateGenerating State = "generating"
	StateReady      State = "ready"
	StateServing    State = "serving"
	StateFailed     State = "failed"
	StateDestroyed  State = "destroyed"
)

// States lists every lifecycle state.
var States = []State{StateCreated, StateGenerating, StateReady, StateServing, StateFailed, StateDestroyed}

// ParseState maps a name to a State.
func ParseState(name string) (State, error) {
	if st := State(name); slices.Contains(States, st) {
		return st, nil
	}
	return "", apperr.Validation("unknown state %q", name)
}

// transitions lists legal next states. destroyed is reachable from every
// live state and handled separately.
var transitions = map[State][]State{
	StateCreated:    {StateGenerating, StateFailed},
	StateGenerating: {StateReady, StateFailed},
	StateReady:      {StateServing, StateFailed, StateGenerating},
	StateServing:    {StateFailed, StateGenerating},
	StateFailed:     {StateGenerating},
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	if s == StateDestroyed {
		return false
	}
	if next == StateDestroyed {
		return true
	}
	return slices.Contains(transitions[s], next)
}

// Active reports whether the state still owns a root directory.
func (s State) Active() bool {
	return s != StateDestroyed
}

// Workspace is a snapshot of one project's isolated workspace.
type Workspace struct {
	ID             string    `json:"id"`
	Root           string    `json:"-"`
	State          State     `json:"state"`
	Prompt         string    `json:"prompt"`
	Template       string    `json:"template,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	StateChangedAt time.Time `json:"state_changed_at"`
	// Port is non-zero only while serving.
	Port int `json:"port,omitempty"`
	// ProcessRef identifies the supervised dev server, e.g. "pid:4242".
	ProcessRef string `json:"process_ref,omitempty"`
	// Reason and ReasonKind describe the latest failure.
	Reason     string      `json:"reason,omitempty"`
	ReasonKind apperr.Kind `json:"reason_kind,omitempty"`
	// Session counts generation sessions started for this workspace.
	Session int `json:"session"`
}

// TransitionTo moves w to next, stamping the change time. Leaving serving
// drops the port and process reference.
func (w *Workspace) TransitionTo(next State, now time.Time) error {
	if w.State == next {
		return nil
	}
	if !w.State.CanTransition(next) {
		return apperr.New(apperr.KindConflict, "workspace %s cannot move from %s to %s", w.ID, w.State, next)
	}
	if w.State == StateServing || next == StateDestroyed {
		w.Port = 0
		w.ProcessRef = ""
	}
	if next != StateFailed {
		w.Reason = ""
		w.ReasonKind = ""
	}
	w.State = next
	w.StateChangedAt = now
	w.LastActivityAt = now
	return nil
}

// Fail moves w to failed with a machine-readable kind and human reason.
func (w *Workspace) Fail(kind apperr.Kind, reason string, now time.Time) error {
	if err := w.TransitionTo(StateFailed, now); err != nil {
		return err
	}
	w.ReasonKind = kind
	w.Reason = reason
	return nil
}

func (w Workspace) checkInvariants() error {
	if w.Port != 0 && w.State != StateServing {
		return fmt.Errorf("workspace %s: port %d assigned while %s", w.ID, w.Port, w.State)
	}
	if w.State == StateServing && w.Port == 0 {
		return fmt.Errorf("workspace %s: serving without a port", w.ID)
	}
	return nil
}

func (f Filter) matches(w Workspace) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, w.State) {
		return false
	}
	if !f.IdleBefore.IsZero() && !w.LastActivityAt.Before(f.IdleBefore) {
		return false
	}
	if !f.ChangedBefore.IsZero() && !w.StateChangedAt.Before(f.ChangedBefore) {
		return false
	}
	return true
}
