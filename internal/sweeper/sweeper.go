// Package sweeper periodically reclaims idle and expired workspaces.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/appforge/internal/config"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// Policy sets the sweep thresholds.
type Policy struct {
	Interval           time.Duration
	IdleTimeout        time.Duration
	FailedRetention    time.Duration
	DestroyedRetention time.Duration
}

// PolicyFromConfig converts the workspaces config section.
func PolicyFromConfig(c config.WorkspacesConfig) Policy {
	return Policy{
		Interval:           c.SweepInterval,
		IdleTimeout:        c.IdleTimeout,
		FailedRetention:    c.FailedRetention,
		DestroyedRetention: c.DestroyedRetention,
	}
}

// Report summarizes one sweep.
type Report struct {
	Reclaimed []string
	Purged    []string
	Errors    int
}

// idleStates may be reclaimed for inactivity. Generating workspaces are
// bounded by the session timeout instead.
var idleStates = []workspace.State{workspace.StateCreated, workspace.StateReady, workspace.StateServing}

// Sweeper runs the reclamation loop.
type Sweeper struct {
	store     Lister
	reclaimer Reclaimer
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a sweeper.
func New(store Lister, r Reclaimer, p Policy, logger *slog.Logger) *Sweeper {
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	return &Sweeper{
		store:     store,
		reclaimer: r,
		policy:    p,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Starting sweeper", "interval", s.policy.Interval, "idle_timeout", s.policy.IdleTimeout)
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop ends the loop and waits for an in-progress sweep.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("Sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Sweeper context cancelled, stopping loop")
			return
		}
	}
}

// Sweep runs one pass. A failure on one workspace is logged and the pass
// continues with the rest.
func (s *Sweeper) Sweep(ctx context.Context) Report {
	var rep Report
	now := s.now()

	if s.policy.IdleTimeout > 0 {
		s.each(ctx, &rep, "idle", workspace.Filter{States: idleStates, IdleBefore: now.Add(-s.policy.IdleTimeout)},
			func(w workspace.Workspace) error {
				if err := s.reclaimer.Reclaim(ctx, w.ID, "idle"); err != nil {
					return err
				}
				rep.Reclaimed = append(rep.Reclaimed, w.ID)
				return nil
			})
	}

	if s.policy.FailedRetention > 0 {
		s.each(ctx, &rep, "failed", workspace.Filter{
			States:        []workspace.State{workspace.StateFailed},
			ChangedBefore: now.Add(-s.policy.FailedRetention),
		}, func(w workspace.Workspace) error {
			if err := s.reclaimer.Reclaim(ctx, w.ID, "failed retention expired"); err != nil {
				return err
			}
			rep.Reclaimed = append(rep.Reclaimed, w.ID)
			return nil
		})
	}

	if s.policy.DestroyedRetention > 0 {
		s.each(ctx, &rep, "destroyed", workspace.Filter{
			States:        []workspace.State{workspace.StateDestroyed},
			ChangedBefore: now.Add(-s.policy.DestroyedRetention),
		}, func(w workspace.Workspace) error {
			if err := s.reclaimer.Purge(ctx, w.ID); err != nil {
				return err
			}
			rep.Purged = append(rep.Purged, w.ID)
			return nil
		})
	}

	if len(rep.Reclaimed) > 0 || len(rep.Purged) > 0 || rep.Errors > 0 {
		s.logger.Info("Sweep finished", "reclaimed", len(rep.Reclaimed), "purged", len(rep.Purged), "errors", rep.Errors)
	}
	return rep
}

func (s *Sweeper) each(ctx context.Context, rep *Report, phase string, f workspace.Filter, fn func(workspace.Workspace) error) {
	candidates, err := s.store.List(ctx, f)
	if err != nil {
		rep.Errors++
		s.logger.Error("Failed to list sweep candidates", "phase", phase, "error", err)
		return
	}
	for _, w := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := s.guard(w, fn); err != nil {
			rep.Errors++
			s.logger.Error("Failed to sweep workspace", "phase", phase, "project_id", w.ID, "error", err)
		}
	}
}

// guard turns a panic in one workspace's teardown into an error.
func (s *Sweeper) guard(w workspace.Workspace, fn func(workspace.Workspace) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(w)
}
