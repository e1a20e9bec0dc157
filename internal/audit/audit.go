// Package audit keeps the append-only Tool Invocation Record of every
// gateway call.
package audit

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mattjoyce/appforge/internal/apperr"
)

// Outcome is the terminal result of an invocation.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Record is one tool invocation. IDs sort in issuance order.
type Record struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"project_id"`
	Tool          string          `json:"tool"`
	Params        json.RawMessage `json:"params"`
	ResolvedPaths []string        `json:"resolved_paths"`
	Outcome       Outcome         `json:"outcome"`
	ErrorKind     apperr.Kind     `json:"error_kind,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Digest        string          `json:"digest,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at,omitzero"`
}

// Result is the completion half of a record.
type Result struct {
	Outcome   Outcome
	ErrorKind apperr.Kind
	Reason    string
	Digest    string
}

// Recorder persists records. Begin is called before the OS call and Finish
// after; a finished record is never modified again.
type Recorder interface {
	Begin(ctx context.Context, rec Record) (Record, error)
	Finish(ctx context.Context, id string, res Result) error
	List(ctx context.Context, projectID string) ([]Record, error)
	Purge(ctx context.Context, projectID string) error
}

// idSource issues monotonic ULIDs so ids stay ordered within a millisecond.
type idSource struct {
	mu      sync.Mutex
	entropy io.Reader
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(t time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func normalize(rec Record) Record {
	if len(rec.Params) == 0 {
		rec.Params = json.RawMessage(`{}`)
	}
	if rec.ResolvedPaths == nil {
		rec.ResolvedPaths = []string{}
	}
	rec.Outcome = OutcomePending
	rec.FinishedAt = time.Time{}
	return rec
}
