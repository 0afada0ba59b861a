// Package approval queues generated variations for human decisions and
// delivers each outcome back to the worker goroutine blocked on it.
package approval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"artgen/internal/asset"
	"artgen/internal/spec"
)

// StaleItemError reports a decision against an item that was replaced or
// resolved since the client last looked at the queue.
type StaleItemError struct {
	ItemID   string
	Revision int64
}

func (e *StaleItemError) Error() string {
	return fmt.Sprintf("approval item %s is stale (revision %d)", e.ItemID, e.Revision)
}

// Action is the operator's verdict on an item.
type Action string

const (
	ActionApprove    Action = "approve"
	ActionReject     Action = "reject"
	ActionSkip       Action = "skip"
	ActionRegenerate Action = "regenerate"
)

// Decision is what the operator submitted.
type Decision struct {
	Action         Action `json:"action"`
	SelectedIndex  int    `json:"selected_index"`
	ModifiedPrompt string `json:"modified_prompt,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Item is one pending approval. Variations carry the candidates; Mode
// decides whether the operator picks one of N or accepts/rejects a single
// candidate.
type Item struct {
	ID          string             `json:"id"`
	RunID       string             `json:"run_id"`
	AssetID     string             `json:"asset_id"`
	StepID      string             `json:"step_id"`
	Mode        spec.SelectionMode `json:"mode"`
	Prompt      string             `json:"prompt"`
	Context     map[string]any     `json:"context,omitempty"` // asset fields frozen at enqueue time
	Variations  []asset.Artifact   `json:"variations"`
	Attempt     int                `json:"attempt"`
	MaxAttempts int                `json:"max_attempts"`
	Revision    int64              `json:"revision"`
	CreatedAt   time.Time          `json:"created_at"`

	decisionCh chan Decision
}

// Queue holds pending approvals in arrival order with one pinned current
// item. Every mutation bumps the revision so clients detect staleness.
type Queue struct {
	mu       sync.Mutex
	store    *asset.Store
	items    map[string]*Item
	order    []string // item ids, arrival order
	current  string   // pinned item id, "" when nothing is pinned
	revision int64
	notify   func(event string, item *Item)
	seq      int64
}

func NewQueue(store *asset.Store) *Queue {
	return &Queue{store: store, items: map[string]*Item{}}
}

// OnChange installs a notification hook invoked after each queue mutation,
// outside the queue lock.
func (q *Queue) OnChange(fn func(event string, item *Item)) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

func (q *Queue) emit(event string, item *Item) {
	q.mu.Lock()
	fn := q.notify
	q.mu.Unlock()
	if fn != nil {
		fn(event, item)
	}
}

// Enqueue registers an item and atomically moves its asset to
// awaiting_approval, then blocks until an operator (or the auto-approve
// policy) decides. The asset transition and the queue insert happen under
// the same call so no observer sees one without the other.
func (q *Queue) Enqueue(ctx context.Context, item *Item) (Decision, error) {
	if item == nil || strings.TrimSpace(item.AssetID) == "" || strings.TrimSpace(item.StepID) == "" {
		return Decision{}, fmt.Errorf("approval item requires asset and step ids")
	}
	item.decisionCh = make(chan Decision, 1)

	q.mu.Lock()
	if item.ID == "" {
		q.seq++
		item.ID = fmt.Sprintf("%s-%s-%d", item.AssetID, item.StepID, q.seq)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if q.store != nil {
		if err := q.store.Transition(item.AssetID, asset.StatusAwaitingApproval); err != nil {
			q.mu.Unlock()
			return Decision{}, err
		}
	}
	q.revision++
	item.Revision = q.revision
	q.items[item.ID] = item
	q.order = append(q.order, item.ID)
	q.mu.Unlock()

	q.emit("item_added", item)

	select {
	case <-ctx.Done():
		q.remove(item.ID)
		return Decision{}, ctx.Err()
	case d := <-item.decisionCh:
		return d, nil
	}
}

// Current returns the pinned item, pinning the oldest pending one when
// nothing is pinned. The pin keeps one reviewer's view stable while other
// items arrive.
func (q *Queue) Current() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != "" {
		if it, ok := q.items[q.current]; ok {
			return it, true
		}
		q.current = ""
	}
	if len(q.order) == 0 {
		return nil, false
	}
	q.current = q.order[0]
	return q.items[q.current], true
}

// Get returns one item by id.
func (q *Queue) Get(itemID string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[itemID]
	return it, ok
}

// List returns pending items oldest first.
func (q *Queue) List() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Item, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.items[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Revision returns the current queue revision.
func (q *Queue) Revision() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.revision
}

// Decide resolves an item. The caller must supply the revision it saw; a
// mismatch means the queue changed underneath and yields StaleItemError.
//
// Every action, skip included, consumes the item. The worker owns what
// happens next: a skip sends the asset back to pending and a fresh item with
// the same candidates joins the back of the queue.
func (q *Queue) Decide(itemID string, revision int64, d Decision) error {
	q.mu.Lock()
	it, ok := q.items[itemID]
	if !ok {
		q.mu.Unlock()
		return &StaleItemError{ItemID: itemID, Revision: revision}
	}
	if it.Revision != revision {
		q.mu.Unlock()
		return &StaleItemError{ItemID: itemID, Revision: it.Revision}
	}
	if err := validateDecision(it, d); err != nil {
		q.mu.Unlock()
		return err
	}

	delete(q.items, itemID)
	q.removeFromOrderLocked(itemID)
	q.revision++
	if q.current == itemID {
		q.current = ""
	}
	q.mu.Unlock()

	it.decisionCh <- d
	if d.Action == ActionSkip {
		q.emit("item_skipped", it)
	} else {
		q.emit("item_resolved", it)
	}
	return nil
}

func validateDecision(it *Item, d Decision) error {
	switch d.Action {
	case ActionApprove:
		if it.Mode == spec.SelectChooseOne {
			if d.SelectedIndex < 0 || d.SelectedIndex >= len(it.Variations) {
				return fmt.Errorf("selected index %d out of range [0,%d)", d.SelectedIndex, len(it.Variations))
			}
		}
	case ActionReject, ActionRegenerate, ActionSkip:
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
	return nil
}

// remove drops an item without delivering an outcome (enqueue canceled).
func (q *Queue) remove(itemID string) {
	q.mu.Lock()
	it, ok := q.items[itemID]
	if ok {
		delete(q.items, itemID)
		q.removeFromOrderLocked(itemID)
		q.revision++
		if q.current == itemID {
			q.current = ""
		}
	}
	q.mu.Unlock()
	if ok {
		q.emit("item_removed", it)
	}
}

func (q *Queue) removeFromOrderLocked(itemID string) {
	for i, id := range q.order {
		if id == itemID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}
