// Package safeio confines file paths to a base directory and writes files
// atomically. The disk-backed stores share these helpers so a crash mid-write
// never leaves a truncated file and no user-supplied path escapes its root.
package safeio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveUnder joins a slash-separated relative path onto base and rejects
// any result outside base. Confinement is lexical.
func ResolveUnder(base, rel string) (string, error) {
	rel = strings.TrimLeft(strings.TrimSpace(rel), "/")
	if rel == "" {
		return "", fmt.Errorf("safeio: empty path")
	}
	full := filepath.Join(base, filepath.FromSlash(rel))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("safeio: path escapes %s: %s", base, rel)
	}
	return full, nil
}

// WriteFileAtomic writes through a temp file in the same directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Dir is a directory every operation is confined to.
type Dir struct {
	root string
}

// NewDir creates the directory if needed and binds operations to it.
func NewDir(root string) (*Dir, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("safeio: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Dir{root: root}, nil
}

// Root returns the bound directory.
func (d *Dir) Root() string {
	if d == nil {
		return ""
	}
	return d.root
}

// Resolve maps a relative path into the directory.
func (d *Dir) Resolve(rel string) (string, error) {
	if d == nil {
		return "", fmt.Errorf("safeio: directory not configured")
	}
	return ResolveUnder(d.root, rel)
}

// WriteFile resolves rel, creates parent directories and writes atomically.
func (d *Dir) WriteFile(rel string, data []byte) error {
	full, err := d.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return WriteFileAtomic(full, data, 0o644)
}
