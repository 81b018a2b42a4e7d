// Package source abstracts where dataset files live. Scenarios reference
// files by slash-separated relative names; a Source resolves those against
// a local directory or an object store.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotExist reports a dataset file that is absent from the source.
// Adapters treat missing optional telemetry files as empty, not fatal.
var ErrNotExist = errors.New("source: object does not exist")

// Source reads dataset files by relative, slash-separated name.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Local serves dataset files from a directory root.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.root, filepath.FromSlash(name)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, name)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// List returns the relative names under prefix, sorted. A missing prefix
// directory lists as empty.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := filepath.Join(l.root, filepath.FromSlash(prefix))
	info, err := os.Stat(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var names []string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// ListDirs returns the immediate subdirectory names under prefix, sorted.
// Date-partitioned datasets use one folder per day.
func ListDirs(ctx context.Context, src Source, prefix string) ([]string, error) {
	names, err := src.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var dirs []string
	clean := strings.TrimSuffix(prefix, "/")
	for _, name := range names {
		rel := name
		if clean != "" {
			rel = strings.TrimPrefix(name, clean+"/")
		}
		i := strings.IndexByte(rel, '/')
		if i <= 0 {
			continue
		}
		dir := rel[:i]
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
