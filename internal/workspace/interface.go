package workspace

import (
	"context"
	"time"
)

// CreateOptions carries the request metadata stored with a new workspace.
type CreateOptions struct {
	Prompt   string
	Template string
}

// Filter selects workspaces in List. Zero values match everything.
type Filter struct {
	States []State
	// IdleBefore matches workspaces whose last activity is before this instant.
	IdleBefore time.Time
	// ChangedBefore matches workspaces whose state changed before this instant.
	ChangedBefore time.Time
}

// Mutator edits a workspace copy inside Update. Returning an error discards
// the edit.
type Mutator func(w *Workspace) error

// CleanupReport summarizes an orphan cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Store owns workspace identity, roots and lifecycle state.
//
// Implementations serialize Update calls per workspace and guard the
// concurrent workspace counter under a single lock held only while
// allocating or releasing a slot.
type Store interface {
	// Create allocates an id and an empty root with restrictive permissions.
	// Returns a RESOURCE_EXHAUSTED error when the concurrency cap is reached.
	Create(ctx context.Context, opts CreateOptions) (Workspace, error)

	// Get returns a snapshot or a NOT_FOUND error.
	Get(ctx context.Context, id string) (Workspace, error)

	// Update applies fn under the workspace's exclusive lock.
	Update(ctx context.Context, id string, fn Mutator) (Workspace, error)

	// Destroy removes the root and marks the workspace destroyed, keeping
	// the record as a tombstone. Idempotent.
	Destroy(ctx context.Context, id string) (Workspace, error)

	// Delete purges the record and any remaining root. Idempotent.
	Delete(ctx context.Context, id string) error

	// List returns matching workspaces ordered by creation time.
	List(ctx context.Context, f Filter) ([]Workspace, error)
}
