// Package pipeline orchestrates one analysis run per project: artifact
// normalization, surface reasoning, feasibility assessment, risk scoring, and
// report synthesis, executed as sequenced stages with explicit state handoff.
package pipeline

import (
	"context"
	"time"

	"redcortex/internal/profile"
	"redcortex/internal/reasoning"
)

// RunStatus is the lifecycle state of an analysis run.
type RunStatus string

const (
	RunPending   RunStatus = "/pending"
	RunRunning   RunStatus = "/running"
	RunCompleted RunStatus = "/completed"
	RunFailed    RunStatus = "/failed"
	RunAborted   RunStatus = "/aborted"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

// Stage names, in execution order.
const (
	StageNormalize   = "/normalize"
	StageSurface     = "/surface"
	StageFeasibility = "/feasibility"
	StageRisk        = "/risk"
	StageReport      = "/report"
)

// StageResult summarizes one completed stage. It carries counts, never raw
// artifact or hypothesis content.
type StageResult struct {
	Stage       string        `json:"stage"`
	OutputCount int           `json:"output_count"`
	Excluded    int           `json:"excluded,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	Error       string        `json:"error,omitempty"`
}

// AnalysisRun is the persisted record of one pipeline execution.
type AnalysisRun struct {
	RunID       string                `json:"run_id"`
	ProjectID   string                `json:"project_id"`
	Methodology reasoning.Methodology `json:"methodology"`
	InitiatedBy string                `json:"initiated_by"`
	Status      RunStatus             `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at,omitempty"`
	Stages      []StageResult         `json:"stages,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// ArtifactSource supplies the platform-owned inputs for a run. Implementations
// must be safe for concurrent use.
type ArtifactSource interface {
	// Artifacts returns the current raw artifact set for a project.
	Artifacts(ctx context.Context, projectID string) ([]profile.RawArtifact, error)

	// History returns previously validated technique classes for a project.
	History(ctx context.Context, projectID string) (profile.History, error)

	// Impacts returns business-impact metadata keyed by target reference.
	Impacts(ctx context.Context, projectID string) (map[string]reasoning.AssetImpact, error)
}

// StaticSource is an in-memory ArtifactSource for tests and batch runs.
type StaticSource struct {
	ArtifactsByProject map[string][]profile.RawArtifact
	HistoryByProject   map[string]profile.History
	ImpactsByProject   map[string]map[string]reasoning.AssetImpact
}

// Artifacts implements ArtifactSource.
func (s *StaticSource) Artifacts(_ context.Context, projectID string) ([]profile.RawArtifact, error) {
	return s.ArtifactsByProject[projectID], nil
}

// History implements ArtifactSource.
func (s *StaticSource) History(_ context.Context, projectID string) (profile.History, error) {
	return s.HistoryByProject[projectID], nil
}

// Impacts implements ArtifactSource.
func (s *StaticSource) Impacts(_ context.Context, projectID string) (map[string]reasoning.AssetImpact, error) {
	return s.ImpactsByProject[projectID], nil
}
