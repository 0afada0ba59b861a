package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"artgen/internal/safeio"
)

type diskEntry struct {
	File string `json:"file"`
	Size int64  `json:"size"`
}

type diskIndex struct {
	Entries map[string]diskEntry `json:"entries"`
}

// DiskBackend persists cache entries under a root directory with a JSON
// index. Entries survive process restarts; that durability is what makes
// runs resumable.
type DiskBackend struct {
	mu sync.Mutex

	root      string
	dataDir   string
	indexPath string

	entries map[string]diskEntry
}

func NewDiskBackend(root string) (*DiskBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	b := &DiskBackend{
		root:      root,
		dataDir:   filepath.Join(root, "data"),
		indexPath: filepath.Join(root, "index.json"),
		entries:   map[string]diskEntry{},
	}
	if err := os.MkdirAll(b.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := b.loadIndex(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *DiskBackend) Get(key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	raw, err := os.ReadFile(filepath.Join(b.dataDir, ent.File))
	if err != nil {
		if os.IsNotExist(err) {
			delete(b.entries, key)
			_ = b.persistIndexLocked()
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

func (b *DiskBackend) Set(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	file := hashedName(key)
	if err := safeio.WriteFileAtomic(filepath.Join(b.dataDir, file), value, 0o644); err != nil {
		return err
	}
	b.entries[key] = diskEntry{File: file, Size: int64(len(value))}
	return b.persistIndexLocked()
}

func (b *DiskBackend) Exists(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, ok := b.entries[key]
	if !ok {
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(b.dataDir, ent.File)); err != nil {
		if os.IsNotExist(err) {
			delete(b.entries, key)
			_ = b.persistIndexLocked()
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *DiskBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ent, ok := b.entries[key]
	if !ok {
		return nil
	}
	_ = os.Remove(filepath.Join(b.dataDir, ent.File))
	delete(b.entries, key)
	return b.persistIndexLocked()
}

func (b *DiskBackend) DeletePrefix(prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := false
	for key, ent := range b.entries {
		if strings.HasPrefix(key, prefix) {
			_ = os.Remove(filepath.Join(b.dataDir, ent.File))
			delete(b.entries, key)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return b.persistIndexLocked()
}

func (b *DiskBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *DiskBackend) loadIndex() error {
	raw, err := os.ReadFile(b.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var idx diskIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	if idx.Entries != nil {
		b.entries = idx.Entries
	}
	return nil
}

func (b *DiskBackend) persistIndexLocked() error {
	raw, err := json.MarshalIndent(diskIndex{Entries: b.entries}, "", "  ")
	if err != nil {
		return err
	}
	return safeio.WriteFileAtomic(b.indexPath, raw, 0o644)
}

func hashedName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".json"
}
