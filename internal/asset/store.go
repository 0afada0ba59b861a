package asset

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// QueueStatus is a derived snapshot of run progress. It is recomputed from
// the store on demand and never stored.
type QueueStatus struct {
	TotalAssets      int  `json:"total_assets"`
	CompletedAssets  int  `json:"completed_assets"`
	FailedAssets     int  `json:"failed_assets"`
	SkippedAssets    int  `json:"skipped_assets"`
	AwaitingApproval int  `json:"awaiting_approval"`
	Generating       int  `json:"generating"`
	Pending          int  `json:"pending"`
	Running          bool `json:"running"`
	Paused           bool `json:"paused"`
}

// validTransitions encodes the asset state machine. A transition absent here
// is a programming error surfaced as TransitionError.
var validTransitions = map[Status][]Status{
	// pending -> awaiting_approval re-queues a deferred decision without
	// regenerating.
	StatusPending:          {StatusGenerating, StatusAwaitingApproval, StatusSkipped},
	StatusGenerating:       {StatusAwaitingApproval, StatusApproved, StatusFailed},
	StatusAwaitingApproval: {StatusApproved, StatusRejected, StatusSkipped, StatusFailed, StatusPending},
	StatusRejected:         {StatusGenerating, StatusSkipped, StatusFailed},
	StatusApproved:         {StatusPending, StatusCompleted},
}

// TransitionError reports an attempted transition the state machine forbids.
type TransitionError struct {
	AssetID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("asset %s: invalid transition %s -> %s", e.AssetID, e.From, e.To)
}

// Store owns every Asset and StepResult. Mutations happen under a single
// lock; other components hold ids, never live pointers across calls.
type Store struct {
	mu     sync.RWMutex
	assets map[string]*Asset
	order  []string
}

func NewStore() *Store {
	return &Store{assets: map[string]*Asset{}}
}

// Add registers a new asset. Adding an existing id is an error so dynamic
// asset generation cannot silently clobber state.
func (s *Store) Add(a *Asset) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("asset id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assets[a.ID]; exists {
		return fmt.Errorf("asset %s already exists", a.ID)
	}
	s.assets[a.ID] = a
	s.order = append(s.order, a.ID)
	return nil
}

// IDs returns asset ids in insertion order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Len returns the current asset count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets)
}

// Get returns the asset with the given id. The caller must treat the result
// as read-only; all writes go through Store methods.
func (s *Store) Get(id string) (*Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	return a, ok
}

// StatusOf returns an asset's current status.
func (s *Store) StatusOf(id string) (Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	if !ok {
		return "", false
	}
	return a.Status, true
}

// Transition moves an asset to a new status, enforcing the state machine.
func (s *Store) Transition(id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, to)
}

func (s *Store) transitionLocked(id string, to Status) error {
	a, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("asset %s not found", id)
	}
	for _, allowed := range validTransitions[a.Status] {
		if allowed == to {
			a.Status = to
			return nil
		}
	}
	return &TransitionError{AssetID: id, From: a.Status, To: to}
}

// BeginStep marks an asset as generating the given step.
func (s *Store) BeginStep(id, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(id, StatusGenerating); err != nil {
		return err
	}
	s.assets[id].CurrentStepID = stepID
	return nil
}

// AllStepDone reports whether every asset is done with the given step for
// dependency purposes. Gather barriers call this instead of walking assets
// themselves so the check never races a worker's mutation.
func (s *Store) AllStepDone(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if !s.assets[id].StepDone(stepID) {
			return false
		}
	}
	return true
}

// Mutate runs fn on the asset under the store lock. It exists for compound
// updates (result + fields + status) that must be observed atomically; fn
// must not call back into the store.
func (s *Store) Mutate(id string, fn func(a *Asset) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return fmt.Errorf("asset %s not found", id)
	}
	return fn(a)
}

// SetResult records a step result for an asset.
func (s *Store) SetResult(id string, r *StepResult) error {
	if r == nil {
		return fmt.Errorf("result is nil")
	}
	return s.Mutate(id, func(a *Asset) error {
		r.AssetID = a.ID
		a.StepResults[r.StepID] = r
		return nil
	})
}

// WriteField records a step's writes_to output on the asset.
func (s *Store) WriteField(id, field string, value any) error {
	if strings.TrimSpace(field) == "" {
		return nil
	}
	return s.Mutate(id, func(a *Asset) error {
		a.Fields[field] = value
		return nil
	})
}

// Fail marks an asset failed with a message. Failure from any non-terminal
// status is allowed; failures never propagate to sibling assets.
func (s *Store) Fail(id, msg string) error {
	return s.Mutate(id, func(a *Asset) error {
		if a.Status.Terminal() {
			return fmt.Errorf("asset %s already terminal (%s)", id, a.Status)
		}
		a.Status = StatusFailed
		a.Error = msg
		return nil
	})
}

// Snapshot returns deep copies of every asset in insertion order, for
// persistence. Copies are made via JSON so later mutations cannot race the
// writer.
func (s *Store) Snapshot() []*Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Asset, 0, len(s.order))
	for _, id := range s.order {
		raw, err := json.Marshal(s.assets[id])
		if err != nil {
			continue
		}
		var c Asset
		if err := json.Unmarshal(raw, &c); err != nil {
			continue
		}
		out = append(out, &c)
	}
	return out
}

// Counts computes the derived queue status (run flags are filled in by the
// orchestrator).
func (s *Store) Counts() QueueStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var qs QueueStatus
	qs.TotalAssets = len(s.assets)
	for _, a := range s.assets {
		switch a.Status {
		case StatusCompleted:
			qs.CompletedAssets++
		case StatusFailed:
			qs.FailedAssets++
		case StatusSkipped:
			qs.SkippedAssets++
		case StatusAwaitingApproval, StatusRejected:
			qs.AwaitingApproval++
		case StatusGenerating:
			qs.Generating++
		case StatusPending, StatusApproved:
			qs.Pending++
		}
	}
	return qs
}

// Failures lists failed assets with their step and message, ordered by id,
// for the run summary.
type Failure struct {
	AssetID string
	StepID  string
	Message string
}

func (s *Store) Failures() []Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Failure
	for _, id := range s.order {
		a := s.assets[id]
		if a.Status != StatusFailed {
			continue
		}
		out = append(out, Failure{AssetID: a.ID, StepID: a.CurrentStepID, Message: a.Error})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}
