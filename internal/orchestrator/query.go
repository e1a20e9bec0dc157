package orchestrator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/mattjoyce/appforge/internal/apperr"
	"github.com/mattjoyce/appforge/internal/audit"
	"github.com/mattjoyce/appforge/internal/supervisor"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// Status is a project snapshot as reported to clients.
type Status struct {
	workspace.Workspace
	Generating bool                `json:"generating"`
	PreviewURL string              `json:"preview_url,omitempty"`
	Preview    *supervisor.Process `json:"preview,omitempty"`
	LastSeq    uint64              `json:"last_seq"`
}

// FileInfo is one entry of a project listing.
type FileInfo struct {
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Status returns the project's current snapshot. Destroyed projects are
// reported until they are purged.
func (o *Orchestrator) Status(ctx context.Context, id string) (Status, error) {
	ws, err := o.store.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Workspace:  ws,
		Generating: o.running(id),
		LastSeq:    o.bus.LastSeq(id),
	}
	if p, ok := o.sup.Health(id); ok && ws.State.Active() {
		st.Preview = &p
		if ws.State == workspace.StateServing && ws.Port != 0 {
			st.PreviewURL = endpointFor(p.Host, ws.Port).URL
		}
	}
	return st, nil
}

// List returns every known project, oldest first.
func (o *Orchestrator) List(ctx context.Context, states ...workspace.State) ([]workspace.Workspace, error) {
	return o.store.List(ctx, workspace.Filter{States: states})
}

// ListFiles walks the project tree and returns entries ordered by path.
// Configured ignore patterns and the project's .gitignore are honoured.
// Symlinks are listed but never followed.
func (o *Orchestrator) ListFiles(ctx context.Context, id string) ([]FileInfo, error) {
	ws, err := o.live(ctx, id)
	if err != nil {
		return nil, err
	}
	rules := o.ignoreRules(ws.Root)

	var files []FileInfo
	err = filepath.WalkDir(ws.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if path == ws.Root {
			return nil
		}
		rel, rerr := filepath.Rel(ws.Root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rules.MatchesPath(rel + "/") {
				return filepath.SkipDir
			}
		} else if rules.MatchesPath(rel) {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		fi := FileInfo{Path: rel, IsDir: d.IsDir(), ModTime: info.ModTime().UTC()}
		if !d.IsDir() {
			fi.Size = info.Size()
		}
		files = append(files, fi)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(err, apperr.KindOf(err), "list files of %s", id)
		}
		return nil, apperr.Wrap(err, apperr.KindInternal, "list files of %s", id)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	o.touch(ctx, id)
	return files, nil
}

// Records returns the project's tool invocation records in issue order.
func (o *Orchestrator) Records(ctx context.Context, id string) ([]audit.Record, error) {
	if _, err := o.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return o.gateway.Records(ctx, id)
}

func (o *Orchestrator) ignoreRules(root string) *ignore.GitIgnore {
	lines := append([]string{}, o.opts.ListIgnore...)
	if data, err := os.ReadFile(filepath.Join(root, ".gitignore")); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
			}
		}
	}
	return ignore.CompileIgnoreLines(lines...)
}

// touch records client interest so the sweeper treats the project as active.
func (o *Orchestrator) touch(ctx context.Context, id string) {
	_, err := o.store.Update(context.WithoutCancel(ctx), id, func(w *workspace.Workspace) error {
		w.LastActivityAt = o.now()
		return nil
	})
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		o.logger.Debug("failed to record activity", "project_id", id, "error", err)
	}
}
