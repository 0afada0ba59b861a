package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"artgen/internal/safeio"
)

// DiskStore writes one JSON snapshot file per run under a state directory.
// Saves are atomic (write temp, rename) so a crash mid-save never leaves a
// truncated snapshot.
type DiskStore struct {
	mu  sync.Mutex
	dir string
}

func NewDiskStore(dir string) (*DiskStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStore{dir: dir}, nil
}

func (s *DiskStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

func (s *DiskStore) Save(_ context.Context, st *RunState) error {
	if st == nil || strings.TrimSpace(st.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	st.UpdatedAt = time.Now()
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return safeio.WriteFileAtomic(s.path(st.RunID), raw, 0o644)
}

func (s *DiskStore) Load(_ context.Context, runID string) (*RunState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var st RunState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("corrupt state for run %s: %w", runID, err)
	}
	return &st, nil
}

func (s *DiskStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *DiskStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(runID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
