// Package workspace exposes shared project roots as billy filesystems.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

const historyDir = ".projsync/history"

var (
	// ErrNotDirectory indicates a root path that exists but is not a directory.
	ErrNotDirectory = errors.New("workspace: not a directory")
	// ErrInvalidPath indicates a resource path outside the root.
	ErrInvalidPath = errors.New("workspace: invalid path")
)

// Root is a shared project root addressed by a local, path-like key.
type Root struct {
	key  string
	fs   billy.Filesystem
	base string
	now  func() time.Time
}

// NewRoot wraps an existing filesystem, typically memfs in tests.
func NewRoot(key string, fs billy.Filesystem) *Root {
	return &Root{key: key, fs: fs, now: time.Now}
}

// Open returns a root backed by the directory at dir.
func Open(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	return &Root{key: abs, fs: osfs.New(abs), base: abs, now: time.Now}, nil
}

// Key returns the local identifier of the root.
func (r *Root) Key() string {
	return r.key
}

// FS returns the filesystem rooted at the shared root.
func (r *Root) FS() billy.Filesystem {
	return r.fs
}

// Exists reports whether the root is still present locally.
func (r *Root) Exists() bool {
	if r == nil || r.fs == nil {
		return false
	}
	if r.base == "" {
		return true
	}
	info, err := os.Stat(r.base)
	return err == nil && info.IsDir()
}

// PathExists reports whether a relative resource path exists under the root.
func (r *Root) PathExists(p string) (bool, error) {
	rel, err := clean(p)
	if err != nil {
		return false, err
	}
	if _, err := r.fs.Lstat(rel); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %q: %w", rel, err)
	}
	return true, nil
}

// Delete removes a resource, keeping a copy in the root's history area.
// Empty folders are removed outright. It reports whether anything was deleted.
func (r *Root) Delete(p string) (bool, error) {
	rel, err := clean(p)
	if err != nil {
		return false, err
	}

	info, err := r.fs.Lstat(rel)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %q: %w", rel, err)
	}

	if info.IsDir() {
		children, err := r.fs.ReadDir(rel)
		if err != nil {
			return false, fmt.Errorf("read dir %q: %w", rel, err)
		}
		if len(children) == 0 {
			if err := r.fs.Remove(rel); err != nil {
				return false, fmt.Errorf("remove folder %q: %w", rel, err)
			}
			return true, nil
		}
	}

	target := path.Join(historyDir, r.now().UTC().Format("20060102T150405.000000000"), rel)
	if err := r.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return false, fmt.Errorf("create history folder for %q: %w", rel, err)
	}
	if err := r.fs.Rename(rel, target); err != nil {
		return false, fmt.Errorf("move %q to history: %w", rel, err)
	}
	return true, nil
}

// MkdirAll creates a folder and its parents. It reports whether the folder was created.
func (r *Root) MkdirAll(p string) (bool, error) {
	rel, err := clean(p)
	if err != nil {
		return false, err
	}

	info, err := r.fs.Stat(rel)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%w: %s", ErrNotDirectory, rel)
		}
		return false, nil
	}
	if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %q: %w", rel, err)
	}

	if err := r.fs.MkdirAll(rel, 0o755); err != nil {
		return false, fmt.Errorf("create folder %q: %w", rel, err)
	}
	return true, nil
}

// HistoryDir returns the relative folder holding deleted resources.
func HistoryDir() string {
	return historyDir
}

func clean(p string) (string, error) {
	p = strings.TrimSuffix(strings.ReplaceAll(p, "\\", "/"), "/")
	if p == "" || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}
