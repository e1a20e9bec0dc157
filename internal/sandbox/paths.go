package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/mattjoyce/appforge/internal/apperr"
)

// resolver maps agent-supplied paths onto a workspace root.
type resolver struct {
	root string // absolute, symlink-free
}

func newResolver(root string) (resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return resolver{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return resolver{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	return resolver{root: real}, nil
}

// resolve returns the absolute host path for p, or a PERMISSION_DENIED error
// when p, after normalization and symlink resolution, leaves the root.
//
// securejoin resolves p treating the root as "/", which clamps every escape.
// The path is accepted only when that scoped resolution matches what the host
// would resolve, so any ".." or symlink that points outside is rejected rather
// than silently rewritten. Dangling symlinks never match and are rejected too.
func (r resolver) resolve(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", apperr.Validation("path contains a NUL byte")
	}
	if p == "" {
		p = "."
	}

	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(r.root, filepath.Clean(p))
		if err != nil || escapes(rel) {
			return "", apperr.PermissionDenied(p)
		}
		p = rel
	}
	clean := filepath.Clean(p)
	if escapes(clean) {
		return "", apperr.PermissionDenied(p)
	}

	scoped, err := securejoin.SecureJoin(r.root, clean)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindPermissionDenied, "resolve %q", p)
	}
	host, err := hostResolve(filepath.Join(r.root, clean))
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	if host != scoped || !r.contains(host) {
		return "", apperr.PermissionDenied(p)
	}
	return host, nil
}

// rel returns abs relative to the root using forward slashes.
func (r resolver) rel(abs string) string {
	rel, err := filepath.Rel(r.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (r resolver) contains(abs string) bool {
	rel, err := filepath.Rel(r.root, abs)
	return err == nil && !escapes(rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// hostResolve evaluates symlinks along the longest existing prefix of p and
// appends the non-existent remainder unchanged.
func hostResolve(p string) (string, error) {
	existing := p
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if errors.Is(err, fs.ErrNotExist) {
		// Dangling link: keep it literal so it cannot match the scoped path.
		real = existing
	} else if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{real}, rest...)...), nil
}
