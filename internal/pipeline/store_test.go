package pipeline

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"redcortex/internal/reasoning"
)

func TestStoreUnknownRun(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	if _, err := store.Run("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Run: want ErrRunNotFound, got %v", err)
	}
	if _, err := store.Report("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Report: want ErrRunNotFound, got %v", err)
	}
}

func TestStoreRoundTripWithoutReport(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	run := &AnalysisRun{
		RunID:       "run-1",
		ProjectID:   "prj-1",
		Methodology: reasoning.MethodologyOWASP,
		InitiatedBy: "op@example.com",
		Status:      RunRunning,
		StartedAt:   time.Now().UTC(),
	}
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	run.Status = RunFailed
	run.FinishedAt = time.Now().UTC()
	run.Error = "impact service unavailable"
	run.Stages = []StageResult{{Stage: StageSurface, OutputCount: 2, Elapsed: time.Millisecond}}
	if err := store.FinishRun(run, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	loaded, err := store.Run("run-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if loaded.Status != RunFailed || loaded.Error != run.Error {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Stages) != 1 || loaded.Stages[0].Stage != StageSurface {
		t.Errorf("stages = %+v", loaded.Stages)
	}

	report, err := store.Report("run-1")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if report != nil {
		t.Errorf("report = %+v, want nil for a run without one", report)
	}
}
