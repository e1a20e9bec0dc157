package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/appforge/internal/apperr"
)

func newStore(t *testing.T, max int) *MemoryStore {
	t.Helper()
	s, err := NewMemoryStore(filepath.Join(t.TempDir(), "workspaces"), max)
	require.NoError(t, err)
	return s
}

func TestNewMemoryStoreRejectsEmptyBase(t *testing.T) {
	_, err := NewMemoryStore("  ", 0)
	require.Error(t, err)
}

func TestCreateProvisionsPrivateRoot(t *testing.T) {
	s := newStore(t, 0)
	ws, err := s.Create(context.Background(), CreateOptions{Prompt: "a todo app", Template: "vite"})
	require.NoError(t, err)

	assert.Equal(t, StateCreated, ws.State)
	assert.Equal(t, "a todo app", ws.Prompt)
	assert.Equal(t, filepath.Join(s.BaseDir(), ws.ID), ws.Root)

	info, err := os.Stat(ws.Root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	entries, err := os.ReadDir(ws.Root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateEnforcesConcurrencyCap(t *testing.T) {
	s := newStore(t, 2)
	ctx := context.Background()

	a, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = s.Create(ctx, CreateOptions{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindResourceExhausted))

	// Destroying frees a slot even though the tombstone remains.
	_, err = s.Destroy(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Active())
	_, err = s.Create(ctx, CreateOptions{})
	require.NoError(t, err)
}

func TestCreateCapUnderContention(t *testing.T) {
	s := newStore(t, 5)
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Create(context.Background(), CreateOptions{}); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, created)
	assert.Equal(t, 5, s.Active())
}

func TestGetUnknown(t *testing.T) {
	s := newStore(t, 0)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestUpdateAppliesTransitions(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	ws, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	now := time.Now()
	got, err := s.Update(ctx, ws.ID, func(w *Workspace) error {
		return w.TransitionTo(StateGenerating, now)
	})
	require.NoError(t, err)
	assert.Equal(t, StateGenerating, got.State)

	_, err = s.Update(ctx, ws.ID, func(w *Workspace) error {
		return w.TransitionTo(StateServing, now)
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	current, err := s.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StateGenerating, current.State)
}

func TestUpdateRejectsPortOutsideServing(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	ws, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	_, err = s.Update(ctx, ws.ID, func(w *Workspace) error {
		w.Port = 4100
		return nil
	})
	require.Error(t, err)

	_, err = s.Update(ctx, ws.ID, func(w *Workspace) error {
		return errors.New("nope")
	})
	require.EqualError(t, err, "nope")
}

func TestLeavingServingClearsPort(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	ws, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	now := time.Now()
	for _, st := range []State{StateGenerating, StateReady} {
		_, err = s.Update(ctx, ws.ID, func(w *Workspace) error { return w.TransitionTo(st, now) })
		require.NoError(t, err)
	}
	got, err := s.Update(ctx, ws.ID, func(w *Workspace) error {
		if err := w.TransitionTo(StateServing, now); err != nil {
			return err
		}
		w.Port = 4100
		w.ProcessRef = "pid:1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4100, got.Port)

	got, err = s.Update(ctx, ws.ID, func(w *Workspace) error {
		return w.Fail(apperr.KindPreviewUnavailable, "dev server crashed", now)
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Zero(t, got.Port)
	assert.Empty(t, got.ProcessRef)
	assert.Equal(t, apperr.KindPreviewUnavailable, got.ReasonKind)
}

func TestUpdateSerializesPerWorkspace(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	ws, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, ws.ID, func(w *Workspace) error {
				w.Session++
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Session)
}

func TestDestroyRemovesRootAndIsIdempotent(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	ws, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(ws.Root, "index.html"), []byte("hi"), 0o600))

	got, err := s.Destroy(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDestroyed, got.State)
	assert.NoDirExists(t, ws.Root)

	again, err := s.Destroy(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDestroyed, again.State)
	assert.Equal(t, 0, s.Active())

	_, err = s.Update(ctx, ws.ID, func(w *Workspace) error {
		return w.TransitionTo(StateGenerating, time.Now())
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	ws, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, ws.ID))
	require.NoError(t, s.Delete(ctx, ws.ID))
	require.NoError(t, s.Delete(ctx, "never-existed"))

	assert.NoDirExists(t, ws.Root)
	assert.Equal(t, 0, s.Active())
	_, err = s.Get(ctx, ws.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListFilters(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := base
	s.now = func() time.Time { tick = tick.Add(time.Minute); return tick }

	a, _ := s.Create(ctx, CreateOptions{})
	b, _ := s.Create(ctx, CreateOptions{})
	c, _ := s.Create(ctx, CreateOptions{})
	_, err := s.Update(ctx, b.ID, func(w *Workspace) error {
		return w.Fail(apperr.KindInternal, "boom", base.Add(time.Hour))
	})
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	failed, err := s.List(ctx, Filter{States: []State{StateFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, b.ID, failed[0].ID)

	idle, err := s.List(ctx, Filter{IdleBefore: base.Add(150 * time.Second)})
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, a.ID, idle[0].ID)
}

func TestRemoveOrphans(t *testing.T) {
	s := newStore(t, 0)
	ctx := context.Background()
	ws, err := s.Create(ctx, CreateOptions{})
	require.NoError(t, err)

	orphan := filepath.Join(s.BaseDir(), "leftover")
	require.NoError(t, os.Mkdir(orphan, 0o700))

	report, err := s.RemoveOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeletedDirs)
	assert.NoDirExists(t, orphan)
	assert.DirExists(t, ws.Root)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateCreated.CanTransition(StateGenerating))
	assert.True(t, StateServing.CanTransition(StateGenerating))
	assert.True(t, StateFailed.CanTransition(StateGenerating))
	assert.True(t, StateGenerating.CanTransition(StateDestroyed))
	assert.False(t, StateCreated.CanTransition(StateServing))
	assert.False(t, StateDestroyed.CanTransition(StateGenerating))
	assert.False(t, StateGenerating.CanTransition(StateServing))
}

func TestParseState(t *testing.T) {
	for _, st := range States {
		got, err := ParseState(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := ParseState("running")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
