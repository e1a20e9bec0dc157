package sweeper

import (
	"context"

	"github.com/mattjoyce/appforge/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_sweeper.go -package=mocks github.com/mattjoyce/appforge/internal/sweeper Lister,Reclaimer

// Lister finds sweep candidates.
type Lister interface {
	List(ctx context.Context, f workspace.Filter) ([]workspace.Workspace, error)
}

// Reclaimer tears workspaces down.
type Reclaimer interface {
	// Reclaim stops the workspace's process and removes its root.
	Reclaim(ctx context.Context, id, reason string) error
	// Purge forgets a destroyed workspace entirely.
	Purge(ctx context.Context, id string) error
}
