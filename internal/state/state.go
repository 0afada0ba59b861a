// Package state persists run state so a stopped run resumes exactly where it
// left off.
package state

import (
	"context"
	"errors"
	"time"

	"artgen/internal/asset"
)

// ErrNotFound is returned when no saved state exists for a run.
var ErrNotFound = errors.New("run state not found")

// RunStatus is the lifecycle of a whole run, distinct from per-asset status.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunPaused   RunStatus = "paused"
	RunStopped  RunStatus = "stopped"
	RunFinished RunStatus = "finished"
)

// RunState is the durable snapshot of one pipeline run.
type RunState struct {
	RunID         string                        `json:"run_id"`
	PipelineID    string                        `json:"pipeline_id"`
	Version       string                        `json:"version"`
	PipelineHash  string                        `json:"pipeline_hash"`
	Status        RunStatus                     `json:"status"`
	Assets        []*asset.Asset                `json:"assets"`
	GlobalResults map[string]*asset.StepResult  `json:"global_results"`
	StartedAt     time.Time                     `json:"started_at"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

// Store persists run snapshots. Save is last-write-wins.
type Store interface {
	Save(ctx context.Context, st *RunState) error
	Load(ctx context.Context, runID string) (*RunState, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, runID string) error
}
