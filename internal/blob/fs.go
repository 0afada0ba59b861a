package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"artgen/internal/safeio"
)

// FSStore keeps blobs as plain files under root/<runID>/<path>. Paths are
// confined to the run directory.
type FSStore struct {
	dir *safeio.Dir
}

func NewFSStore(root string) (*FSStore, error) {
	d, err := safeio.NewDir(root)
	if err != nil {
		return nil, err
	}
	return &FSStore{dir: d}, nil
}

func (s *FSStore) resolve(runID, path string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return "", fmt.Errorf("run_id is required")
	}
	return safeio.ResolveUnder(filepath.Join(s.dir.Root(), runID), path)
}

func (s *FSStore) Put(_ context.Context, runID, path string, content []byte) error {
	full, err := s.resolve(runID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return safeio.WriteFileAtomic(full, content, 0o644)
}

func (s *FSStore) Get(_ context.Context, runID, path string) ([]byte, error) {
	full, err := s.resolve(runID, path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (s *FSStore) GetURL(_ context.Context, runID, path string) (string, error) {
	full, err := s.resolve(runID, path)
	if err != nil {
		return "", err
	}
	return "file://" + full, nil
}

func (s *FSStore) List(_ context.Context, runID string) ([]string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	base := filepath.Join(s.dir.Root(), runID)
	var paths []string
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		rel, rerr := filepath.Rel(base, p)
		if rerr != nil {
			return rerr
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}
