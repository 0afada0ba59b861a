// Package asset holds the mutable per-asset record and its status state
// machine. The Store is the single source of truth for asset state; every
// mutation goes through a transition or an explicit setter under the store
// lock.
package asset

import (
	"time"
)

// Status is the lifecycle state of an asset.
type Status string

const (
	StatusPending          Status = "pending"
	StatusGenerating       Status = "generating"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusSkipped          Status = "skipped"
)

// Terminal reports whether no further progression is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// ArtifactKind classifies generated candidate content.
type ArtifactKind string

const (
	ArtifactImage    ArtifactKind = "image"
	ArtifactText     ArtifactKind = "text"
	ArtifactSprite   ArtifactKind = "sprite"
	ArtifactResearch ArtifactKind = "research"
)

// Artifact is one generated candidate.
type Artifact struct {
	Kind             ArtifactKind   `json:"kind"`
	ContentRef       string         `json:"content_ref"` // blob path or inline text
	Inline           bool           `json:"inline"`      // true when ContentRef is the content itself
	GenerationParams map[string]any `json:"generation_params,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// StepResult is the outcome of running one step for one asset (AssetID is
// empty for global steps).
type StepResult struct {
	StepID        string     `json:"step_id"`
	AssetID       string     `json:"asset_id,omitempty"`
	Variations    []Artifact `json:"variations,omitempty"`
	SelectedIndex *int       `json:"selected_index,omitempty"`
	Approved      bool       `json:"approved"`
	Attempt       int        `json:"attempt"`
	Error         string     `json:"error,omitempty"`
	Cached        bool       `json:"cached,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   time.Time  `json:"completed_at,omitempty"`
}

// Selected returns the chosen artifact, defaulting to the first variation
// when no explicit selection was recorded.
func (r *StepResult) Selected() (Artifact, bool) {
	if r == nil || len(r.Variations) == 0 {
		return Artifact{}, false
	}
	idx := 0
	if r.SelectedIndex != nil {
		idx = *r.SelectedIndex
	}
	if idx < 0 || idx >= len(r.Variations) {
		return Artifact{}, false
	}
	return r.Variations[idx], true
}

// Asset is one independently progressing unit of pipeline work.
type Asset struct {
	ID            string                 `json:"id"`
	InputFields   map[string]any         `json:"input_fields"`
	Fields        map[string]any         `json:"fields"`
	StepResults   map[string]*StepResult `json:"step_results"`
	Status        Status                 `json:"status"`
	CurrentStepID string                 `json:"current_step_id,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// New creates a pending asset from its input fields.
func New(id string, input map[string]any) *Asset {
	if input == nil {
		input = map[string]any{}
	}
	return &Asset{
		ID:          id,
		InputFields: input,
		Fields:      map[string]any{},
		StepResults: map[string]*StepResult{},
		Status:      StatusPending,
	}
}

// FieldScope merges input fields and step-written fields into a single view
// for template and condition evaluation. Step-written fields win.
func (a *Asset) FieldScope() map[string]any {
	out := make(map[string]any, len(a.InputFields)+len(a.Fields)+1)
	for k, v := range a.InputFields {
		out[k] = v
	}
	for k, v := range a.Fields {
		out[k] = v
	}
	out["id"] = a.ID
	return out
}

// Result returns the recorded result for a step, if any.
func (a *Asset) Result(stepID string) (*StepResult, bool) {
	r, ok := a.StepResults[stepID]
	return r, ok
}

// StepDone reports whether a step finished for this asset in a
// terminal-for-dependency sense: approved, or carried by a terminal asset
// status.
func (a *Asset) StepDone(stepID string) bool {
	if r, ok := a.StepResults[stepID]; ok && r.Approved && r.Error == "" {
		return true
	}
	return a.Status.Terminal()
}
