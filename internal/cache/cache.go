// Package cache persists step results so interrupted runs resume without
// repeating capability calls. Entries live on disk (the durable layer) with
// an in-memory LRU in front of it.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"artgen/internal/asset"
)

// Key identifies one cached step execution. AssetID is empty for global
// steps. ConfigHash covers the step's resolved configuration so edits to a
// step definition invalidate its entries.
type Key struct {
	PipelineID      string
	StepID          string
	AssetID         string
	PipelineVersion string
	ConfigHash      string
}

func (k Key) String() string {
	assetID := k.AssetID
	if assetID == "" {
		assetID = "_global"
	}
	return strings.Join([]string{k.PipelineID, k.PipelineVersion, k.StepID, assetID, k.ConfigHash}, "/")
}

// Entry is the durable record of one completed step execution.
type Entry struct {
	Key        Key               `json:"key"`
	Result     *asset.StepResult `json:"result"`
	FieldValue any               `json:"field_value,omitempty"` // writes_to output, if any
}

// Backend is the durable layer under the in-memory front.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Exists(key string) (bool, error)
	Delete(key string) error
	DeletePrefix(prefix string) error
	Keys() ([]string, error)
}

// Manager combines the LRU front with a durable backend and tracks the
// pipeline hash for change detection.
type Manager struct {
	backend Backend
	front   *lru.Cache[string, *Entry]
}

func NewManager(backend Backend, frontSize int) (*Manager, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if frontSize <= 0 {
		frontSize = 512
	}
	front, err := lru.New[string, *Entry](frontSize)
	if err != nil {
		return nil, err
	}
	return &Manager{backend: backend, front: front}, nil
}

// Get loads a cached entry. A miss returns (nil, false, nil).
func (m *Manager) Get(key Key) (*Entry, bool, error) {
	ks := key.String()
	if ent, ok := m.front.Get(ks); ok {
		return ent, true, nil
	}
	raw, ok, err := m.backend.Get(ks)
	if err != nil || !ok {
		return nil, false, err
	}
	var ent Entry
	if err := json.Unmarshal(raw, &ent); err != nil {
		// A corrupt entry is treated as a miss; the step reruns.
		_ = m.backend.Delete(ks)
		return nil, false, nil
	}
	m.front.Add(ks, &ent)
	return &ent, true, nil
}

// Exists reports whether an entry is present without reading its payload.
// skip_existing uses this to avoid loading artifacts it will not touch.
func (m *Manager) Exists(key Key) (bool, error) {
	ks := key.String()
	if m.front.Contains(ks) {
		return true, nil
	}
	return m.backend.Exists(ks)
}

// Put stores an entry. Writes are last-write-wins; concurrent writers of the
// same key produce equivalent results by construction.
func (m *Manager) Put(ent *Entry) error {
	if ent == nil || ent.Result == nil {
		return fmt.Errorf("entry and result are required")
	}
	raw, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	ks := ent.Key.String()
	if err := m.backend.Set(ks, raw); err != nil {
		return err
	}
	m.front.Add(ks, ent)
	return nil
}

// InvalidateStep drops every entry of one step across all assets.
func (m *Manager) InvalidateStep(pipelineID, version, stepID string) error {
	prefix := strings.Join([]string{pipelineID, version, stepID}, "/") + "/"
	m.purgeFront(prefix)
	return m.backend.DeletePrefix(prefix)
}

// InvalidateAsset drops every entry of one asset across all steps.
func (m *Manager) InvalidateAsset(pipelineID, version, assetID string) error {
	keys, err := m.backend.Keys()
	if err != nil {
		return err
	}
	pipelinePrefix := strings.Join([]string{pipelineID, version}, "/") + "/"
	for _, k := range keys {
		if !strings.HasPrefix(k, pipelinePrefix) {
			continue
		}
		parts := strings.Split(k, "/")
		if len(parts) >= 4 && parts[3] == assetID {
			m.front.Remove(k)
			if err := m.backend.Delete(k); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidatePipeline drops every entry of one pipeline regardless of version.
func (m *Manager) InvalidatePipeline(pipelineID string) error {
	prefix := pipelineID + "/"
	m.purgeFront(prefix)
	return m.backend.DeletePrefix(prefix)
}

func (m *Manager) purgeFront(prefix string) {
	for _, k := range m.front.Keys() {
		if strings.HasPrefix(k, prefix) {
			m.front.Remove(k)
		}
	}
}

// HashConfig computes a stable hash of a step's configuration. Map keys are
// serialized in sorted order so equal configs hash equally.
func HashConfig(config any) string {
	raw, err := json.Marshal(canonical(config))
	if err != nil {
		raw = []byte(fmt.Sprint(config))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

// HashPipeline computes the hash of a whole pipeline document, used to detect
// definition changes between runs.
func HashPipeline(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// canonical rewrites maps into key-sorted form so json.Marshal output is
// deterministic across Go map iteration orders.
func canonical(v any) any {
	switch x := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, []any{k, canonical(x[k])})
		}
		return out
	case []any:
		out := make([]any, 0, len(x))
		for _, item := range x {
			out = append(out, canonical(item))
		}
		return out
	default:
		return v
	}
}
