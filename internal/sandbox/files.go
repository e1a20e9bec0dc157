package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/appforge/internal/apperr"
)

func (g *Gateway) readFile(r resolver, abs string) (ReadFileResult, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return ReadFileResult{}, statError(err, r.rel(abs))
	}
	if info.IsDir() {
		return ReadFileResult{}, apperr.Validation("%q is a directory", r.rel(abs))
	}
	if info.Size() > g.policy.MaxFileBytes {
		return ReadFileResult{}, apperr.New(apperr.KindResourceExhausted,
			"%q is %s, above the %s read limit", r.rel(abs),
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(g.policy.MaxFileBytes)))
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ReadFileResult{}, statError(err, r.rel(abs))
	}
	return ReadFileResult{Path: r.rel(abs), Content: string(data), Size: int64(len(data))}, nil
}

func (g *Gateway) writeFile(r resolver, abs string, content string) (WriteFileResult, error) {
	size := int64(len(content))
	if size > g.policy.MaxFileBytes {
		return WriteFileResult{}, apperr.New(apperr.KindResourceExhausted,
			"content is %s, above the %s file limit",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(g.policy.MaxFileBytes)))
	}

	var (
		previous []byte
		existed  bool
	)
	info, err := os.Lstat(abs)
	switch {
	case err == nil && info.IsDir():
		return WriteFileResult{}, apperr.Validation("%q is a directory", r.rel(abs))
	case err == nil:
		existed = true
		if info.Size() <= diffLimit {
			previous, _ = os.ReadFile(abs)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return WriteFileResult{}, fmt.Errorf("stat %q: %w", r.rel(abs), err)
	}

	used, err := diskUsage(r.root)
	if err != nil {
		return WriteFileResult{}, err
	}
	if existed {
		used -= info.Size()
	}
	if used+size > g.policy.MaxWorkspaceBytes {
		return WriteFileResult{}, apperr.New(apperr.KindResourceExhausted,
			"write would grow the workspace to %s, above the %s limit",
			humanize.IBytes(uint64(used+size)), humanize.IBytes(uint64(g.policy.MaxWorkspaceBytes)))
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return WriteFileResult{}, fmt.Errorf("create parent directories for %q: %w", r.rel(abs), err)
	}
	if err := writeAtomic(abs, []byte(content)); err != nil {
		return WriteFileResult{}, fmt.Errorf("write %q: %w", r.rel(abs), err)
	}

	res := WriteFileResult{
		Path:    r.rel(abs),
		Bytes:   size,
		Created: !existed,
		Digest:  digest([]byte(content)),
	}
	if existed && previous != nil && size <= diffLimit {
		res.Added, res.Removed = lineDelta(string(previous), content)
	} else if !existed {
		res.Added = countLines(content)
	}
	return res, nil
}

func (g *Gateway) listDirectory(r resolver, abs string, recursive bool) (ListDirectoryResult, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return ListDirectoryResult{}, statError(err, r.rel(abs))
	}
	if !info.IsDir() {
		return ListDirectoryResult{}, apperr.Validation("%q is not a directory", r.rel(abs))
	}

	entries := []Entry{}
	add := func(path string, d fs.DirEntry) error {
		fi, err := d.Info()
		if err != nil {
			return err
		}
		e := Entry{Name: d.Name(), Path: r.rel(path), Type: EntryFile, Size: fi.Size(), ModTime: fi.ModTime().UTC()}
		if d.IsDir() {
			e.Type = EntryDir
			e.Size = 0
		}
		entries = append(entries, e)
		return nil
	}

	if recursive {
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == abs {
				return nil
			}
			return add(path, d)
		})
	} else {
		var des []fs.DirEntry
		des, err = os.ReadDir(abs)
		for _, d := range des {
			if err = add(filepath.Join(abs, d.Name()), d); err != nil {
				break
			}
		}
	}
	if err != nil {
		return ListDirectoryResult{}, fmt.Errorf("list %q: %w", r.rel(abs), err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return ListDirectoryResult{Path: r.rel(abs), Entries: entries}, nil
}

func (g *Gateway) createDirectory(r resolver, abs string) (CreateDirectoryResult, error) {
	info, err := os.Stat(abs)
	if err == nil {
		if !info.IsDir() {
			return CreateDirectoryResult{}, apperr.Validation("%q exists and is not a directory", r.rel(abs))
		}
		return CreateDirectoryResult{Path: r.rel(abs)}, nil
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return CreateDirectoryResult{}, fmt.Errorf("create directory %q: %w", r.rel(abs), err)
	}
	return CreateDirectoryResult{Path: r.rel(abs), Created: true}, nil
}

// diskUsage sums regular file sizes under root.
func diskUsage(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure workspace usage: %w", err)
	}
	return total, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".appforge-write-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o644); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}

func statError(err error, rel string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apperr.NotFound("path", rel)
	}
	if errors.Is(err, fs.ErrPermission) {
		return apperr.Wrap(err, apperr.KindPermissionDenied, "access %q", rel)
	}
	return fmt.Errorf("stat %q: %w", rel, err)
}
