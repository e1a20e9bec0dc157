package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/appforge/internal/apperr"
)

type entry struct {
	mu   sync.Mutex
	ws   Workspace
	gone bool
}

// MemoryStore keeps workspace records in memory and roots on local disk
// under baseDir.
type MemoryStore struct {
	baseDir string
	max     int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	active  int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store rooted at baseDir. max <= 0 disables the
// concurrent workspace cap.
func NewMemoryStore(baseDir string, max int) (*MemoryStore, error) {
	trimmed := strings.TrimSpace(baseDir)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace base directory is empty")
	}
	if err := os.MkdirAll(trimmed, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace base directory: %w", err)
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}
	// Roots are compared against resolved paths by the sandbox.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base directory: %w", err)
	}

	return &MemoryStore{
		baseDir: resolved,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*entry),
	}, nil
}

// BaseDir returns the resolved directory holding workspace roots.
func (s *MemoryStore) BaseDir() string {
	return s.baseDir
}

// Create initializes a workspace record and its root directory.
func (s *MemoryStore) Create(ctx context.Context, opts CreateOptions) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}

	s.mu.Lock()
	if s.max > 0 && s.active >= s.max {
		s.mu.Unlock()
		return Workspace{}, apperr.New(apperr.KindResourceExhausted,
			"maximum of %d concurrent workspaces reached", s.max)
	}
	s.active++
	s.mu.Unlock()

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	root := filepath.Join(s.baseDir, id)
	if err := os.Mkdir(root, 0o700); err != nil {
		s.release()
		return Workspace{}, fmt.Errorf("create workspace root for %q: %w", id, err)
	}

	now := s.now()
	ws := Workspace{
		ID:             id,
		Root:           root,
		State:          StateCreated,
		Prompt:         opts.Prompt,
		Template:       opts.Template,
		CreatedAt:      now,
		LastActivityAt: now,
		StateChangedAt: now,
	}

	s.mu.Lock()
	s.entries[id] = &entry{ws: ws}
	s.mu.Unlock()
	return ws, nil
}

// Get returns a snapshot of the workspace.
func (s *MemoryStore) Get(ctx context.Context, id string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	e, err := s.lookup(id)
	if err != nil {
		return Workspace{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Workspace{}, apperr.NotFound("workspace", id)
	}
	return e.ws, nil
}

// Update applies fn to a copy under the workspace lock and commits it when
// fn succeeds and the result keeps the port invariant.
func (s *MemoryStore) Update(ctx context.Context, id string, fn Mutator) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	e, err := s.lookup(id)
	if err != nil {
		return Workspace{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Workspace{}, apperr.NotFound("workspace", id)
	}

	next := e.ws
	if err := fn(&next); err != nil {
		return e.ws, err
	}
	if next.ID != e.ws.ID || next.Root != e.ws.Root {
		return e.ws, fmt.Errorf("workspace %s: id and root are immutable", id)
	}
	if next.State == StateDestroyed && e.ws.State != StateDestroyed {
		return e.ws, apperr.New(apperr.KindConflict, "workspace %s: use Destroy to destroy", id)
	}
	if err := next.checkInvariants(); err != nil {
		return e.ws, err
	}
	e.ws = next
	return next, nil
}

// Destroy removes the root directory and leaves a destroyed tombstone.
func (s *MemoryStore) Destroy(ctx context.Context, id string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	e, err := s.lookup(id)
	if err != nil {
		return Workspace{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return Workspace{}, apperr.NotFound("workspace", id)
	}
	if e.ws.State == StateDestroyed {
		return e.ws, nil
	}
	if err := os.RemoveAll(e.ws.Root); err != nil {
		return e.ws, fmt.Errorf("remove workspace root for %q: %w", id, err)
	}
	_ = e.ws.TransitionTo(StateDestroyed, s.now())
	s.release()
	return e.ws, nil
}

// Delete purges the record. Unknown ids are not an error.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.gone = true
	if e.ws.State == StateDestroyed {
		return nil
	}
	s.release()
	if err := os.RemoveAll(e.ws.Root); err != nil {
		return fmt.Errorf("remove workspace root for %q: %w", id, err)
	}
	return nil
}

// List returns workspaces matching f, oldest first.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()

	out := make([]Workspace, 0, len(all))
	for _, e := range all {
		e.mu.Lock()
		ws, gone := e.ws, e.gone
		e.mu.Unlock()
		if !gone && f.matches(ws) {
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Active returns the number of workspaces holding a root.
func (s *MemoryStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// RemoveOrphans deletes directories under the base that no record owns,
// left behind by a previous process.
func (s *MemoryStore) RemoveOrphans(ctx context.Context) (CleanupReport, error) {
	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read workspace base directory: %w", err)
	}

	report := CleanupReport{}
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !de.IsDir() {
			continue
		}
		s.mu.Lock()
		_, owned := s.entries[de.Name()]
		s.mu.Unlock()
		if owned {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, de.Name())); err != nil {
			return report, fmt.Errorf("remove orphan workspace %q: %w", de.Name(), err)
		}
		report.DeletedDirs++
	}
	return report, nil
}

func (s *MemoryStore) lookup(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("workspace", id)
	}
	return e, nil
}

func (s *MemoryStore) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}
