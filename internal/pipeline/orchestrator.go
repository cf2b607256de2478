package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"redcortex/internal/audit"
	"redcortex/internal/profile"
	"redcortex/internal/reasoning"
)

// ErrNoUsableOutput marks a run failed because a stage produced nothing the
// next stage could consume.
var ErrNoUsableOutput = errors.New("stage produced no usable output")

// OrchestratorConfig bounds run execution.
type OrchestratorConfig struct {
	FeasibilityWorkers int
	StageTimeout       time.Duration
}

// Orchestrator sequences the analysis stages for triggered runs. One run per
// project may be active at a time; a second trigger joins the active run
// instead of starting another.
type Orchestrator struct {
	cfg    OrchestratorConfig
	source ArtifactSource
	store  *Store
	log    *audit.Log
	logger *zap.Logger

	normalizer *profile.Normalizer
	surface    *reasoning.SurfaceReasoner
	assessor   *reasoning.FeasibilityAssessor
	scorer     *reasoning.RiskScorer

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	active   map[string]string    // projectID -> runID
	runs     map[string]*runState // runID -> state
	finished map[string]*AnalysisRun
	reports  map[string]*reasoning.Report
}

type runState struct {
	run    *AnalysisRun
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewOrchestrator builds an orchestrator. The store may be nil for in-memory
// operation; the audit log is required.
func NewOrchestrator(cfg OrchestratorConfig, source ArtifactSource, store *Store, log *audit.Log, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		source:     source,
		store:      store,
		log:        log,
		logger:     logger,
		normalizer: profile.NewNormalizer(),
		surface:    reasoning.NewSurfaceReasoner(),
		assessor:   reasoning.NewFeasibilityAssessor(cfg.FeasibilityWorkers),
		scorer:     reasoning.NewRiskScorer(),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
		active:     make(map[string]string),
		runs:       make(map[string]*runState),
		finished:   make(map[string]*AnalysisRun),
		reports:    make(map[string]*reasoning.Report),
	}
}

// Trigger starts an analysis run for a project. Idempotent while a run is
// active: a second trigger for the same project returns the active run's ID.
// Artifact retrieval and normalization happen before a run exists, so an
// empty artifact set surfaces profile.ErrInsufficientData and leaves no run
// behind.
func (o *Orchestrator) Trigger(ctx context.Context, projectID string, m reasoning.Methodology, initiatedBy string) (string, error) {
	if !reasoning.ValidMethodology(m) {
		return "", fmt.Errorf("trigger: unknown methodology %q", m)
	}

	o.mu.Lock()
	if runID, ok := o.active[projectID]; ok {
		o.mu.Unlock()
		o.logger.Debug("joining active run",
			zap.String("project", projectID), zap.String("run", runID))
		return runID, nil
	}
	o.mu.Unlock()

	artifacts, err := o.source.Artifacts(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("trigger: fetch artifacts: %w", err)
	}
	history, err := o.source.History(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("trigger: fetch history: %w", err)
	}
	prof, err := o.normalizer.Build(projectID, artifacts, history)
	if err != nil {
		return "", fmt.Errorf("trigger: %w", err)
	}

	run := &AnalysisRun{
		RunID:       uuid.NewString(),
		ProjectID:   projectID,
		Methodology: m,
		InitiatedBy: initiatedBy,
		Status:      RunRunning,
		StartedAt:   time.Now().UTC(),
	}

	o.mu.Lock()
	// Re-check under the lock: a concurrent trigger may have won the race.
	if runID, ok := o.active[projectID]; ok {
		o.mu.Unlock()
		return runID, nil
	}
	runCtx, cancel := context.WithCancelCause(o.rootCtx)
	st := &runState{run: run, cancel: cancel, done: make(chan struct{})}
	o.active[projectID] = run.RunID
	o.runs[run.RunID] = st
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveRun(run); err != nil {
			o.logger.Error("run persist failed", zap.String("run", run.RunID), zap.Error(err))
		}
	}
	o.log.Append(audit.Entry{
		Type:      audit.EntryRunTriggered,
		ProjectID: projectID,
		RunID:     run.RunID,
		Actor:     initiatedBy,
		Success:   true,
		Summary:   fmt.Sprintf("analysis run triggered, methodology %s, %d artifacts", m, len(artifacts)),
	})

	go o.execute(runCtx, st, prof)
	return run.RunID, nil
}

// execute drives the reasoning stages for one run.
func (o *Orchestrator) execute(ctx context.Context, st *runState, prof *profile.TechnicalProfile) {
	run := st.run
	defer close(st.done)

	var report *reasoning.Report
	err := func() error {
		hyps, err := o.stageSurface(ctx, run, prof)
		if err != nil {
			return err
		}
		if len(hyps) == 0 {
			// No attackable surface is a legitimate completed outcome.
			report = reasoning.Synthesize(run.ProjectID, run.Methodology, nil, nil, 0, time.Now().UTC())
			return nil
		}

		assessments, excluded, err := o.stageFeasibility(ctx, run, hyps, prof)
		if err != nil {
			return err
		}
		if len(assessments) == 0 {
			return fmt.Errorf("%w: all %d hypotheses excluded during assessment", ErrNoUsableOutput, len(hyps))
		}

		ranked, err := o.stageRisk(ctx, run, assessments, hyps, prof)
		if err != nil {
			return err
		}

		report = o.stageReport(run, ranked, hyps, excluded)
		return nil
	}()

	run.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		run.Status = RunCompleted
		o.log.Append(audit.Entry{
			Type:      audit.EntryRunComplete,
			ProjectID: run.ProjectID,
			RunID:     run.RunID,
			Success:   true,
			Summary:   fmt.Sprintf("run completed with %d report entries", len(report.Entries)),
		})
	case context.Cause(ctx) != nil && ctx.Err() != nil:
		run.Status = RunAborted
		run.Error = context.Cause(ctx).Error()
		o.log.Append(audit.Entry{
			Type:      audit.EntryRunAborted,
			ProjectID: run.ProjectID,
			RunID:     run.RunID,
			Reason:    run.Error,
			Summary:   "run aborted",
		})
	default:
		run.Status = RunFailed
		run.Error = err.Error()
		o.log.Append(audit.Entry{
			Type:      audit.EntryRunFailed,
			ProjectID: run.ProjectID,
			RunID:     run.RunID,
			Reason:    run.Error,
			Summary:   "run failed",
		})
	}

	o.mu.Lock()
	delete(o.active, run.ProjectID)
	delete(o.runs, run.RunID)
	o.finished[run.RunID] = run
	if report != nil && run.Status == RunCompleted {
		o.reports[run.RunID] = report
	}
	o.mu.Unlock()

	if o.store != nil {
		if serr := o.store.FinishRun(run, report); serr != nil {
			o.logger.Error("run finish persist failed", zap.String("run", run.RunID), zap.Error(serr))
		}
	}
	o.logger.Info("run finished",
		zap.String("run", run.RunID),
		zap.String("project", run.ProjectID),
		zap.String("status", string(run.Status)))
}

func (o *Orchestrator) stageSurface(ctx context.Context, run *AnalysisRun, prof *profile.TechnicalProfile) ([]reasoning.AttackHypothesis, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hyps, err := o.surface.Derive(prof, run.Methodology)
	o.recordStage(run, StageSurface, len(hyps), 0, start, err)
	return hyps, err
}

func (o *Orchestrator) stageFeasibility(ctx context.Context, run *AnalysisRun, hyps []reasoning.AttackHypothesis, prof *profile.TechnicalProfile) ([]reasoning.FeasibilityAssessment, int, error) {
	start := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	assessments, excluded, err := o.assessor.Assess(stageCtx, hyps, prof)
	o.recordStage(run, StageFeasibility, len(assessments), excluded, start, err)
	return assessments, excluded, err
}

func (o *Orchestrator) stageRisk(ctx context.Context, run *AnalysisRun, assessments []reasoning.FeasibilityAssessment, hyps []reasoning.AttackHypothesis, prof *profile.TechnicalProfile) ([]reasoning.RiskScore, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	impacts, err := o.source.Impacts(ctx, run.ProjectID)
	if err != nil {
		o.recordStage(run, StageRisk, 0, 0, start, err)
		return nil, fmt.Errorf("fetch impacts: %w", err)
	}
	scores, err := o.scorer.Score(assessments, hyps, impacts, prof.WAFDetected)
	if err != nil {
		o.recordStage(run, StageRisk, 0, 0, start, err)
		return nil, err
	}
	ranked := o.scorer.Rank(scores)
	o.recordStage(run, StageRisk, len(ranked), 0, start, nil)
	return ranked, nil
}

func (o *Orchestrator) stageReport(run *AnalysisRun, ranked []reasoning.RiskScore, hyps []reasoning.AttackHypothesis, excluded int) *reasoning.Report {
	start := time.Now()
	report := reasoning.Synthesize(run.ProjectID, run.Methodology, ranked, hyps, excluded, time.Now().UTC())
	o.recordStage(run, StageReport, len(report.Entries), excluded, start, nil)
	return report
}

func (o *Orchestrator) recordStage(run *AnalysisRun, stage string, count, excluded int, start time.Time, err error) {
	result := StageResult{
		Stage:       stage,
		OutputCount: count,
		Excluded:    excluded,
		Elapsed:     time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	run.Stages = append(run.Stages, result)

	// Counts only; hypothesis and artifact content stays out of the audit log.
	o.log.Append(audit.Entry{
		Type:      audit.EntryRunStage,
		ProjectID: run.ProjectID,
		RunID:     run.RunID,
		State:     stage,
		Success:   err == nil,
		Summary:   fmt.Sprintf("stage %s produced %d outputs (%d excluded)", stage, count, excluded),
		Fields:    map[string]any{"output_count": count, "excluded": excluded, "elapsed_ms": time.Since(start).Milliseconds()},
	})
}

// Result returns the report for a completed run. For an active run it returns
// (nil, RunRunning, nil); for a failed or aborted run the stored error.
func (o *Orchestrator) Result(runID string) (*reasoning.Report, RunStatus, error) {
	o.mu.Lock()
	if _, ok := o.runs[runID]; ok {
		o.mu.Unlock()
		return nil, RunRunning, nil
	}
	if run, ok := o.finished[runID]; ok {
		report := o.reports[runID]
		o.mu.Unlock()
		if run.Status != RunCompleted {
			return nil, run.Status, fmt.Errorf("run %s %s: %s", runID, run.Status, run.Error)
		}
		return report, run.Status, nil
	}
	o.mu.Unlock()

	if o.store != nil {
		run, err := o.store.Run(runID)
		if err != nil {
			return nil, "", err
		}
		if run.Status != RunCompleted {
			return nil, run.Status, fmt.Errorf("run %s %s: %s", runID, run.Status, run.Error)
		}
		report, err := o.store.Report(runID)
		if err != nil {
			return nil, run.Status, err
		}
		return report, run.Status, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
}

// Abort cancels an active run.
func (o *Orchestrator) Abort(runID, reason string) error {
	o.mu.Lock()
	st, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	st.cancel(fmt.Errorf("aborted: %s", reason))
	return nil
}

// AbortProject cancels the active run for a project, if any. Used by the
// kill switch.
func (o *Orchestrator) AbortProject(projectID, reason string) {
	o.mu.Lock()
	runID, ok := o.active[projectID]
	var st *runState
	if ok {
		st = o.runs[runID]
	}
	o.mu.Unlock()
	if st != nil {
		st.cancel(fmt.Errorf("aborted: %s", reason))
	}
}

// Done returns a channel closed when the run's goroutine finishes. Nil when
// the run is not active.
func (o *Orchestrator) Done(runID string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.runs[runID]; ok {
		return st.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown cancels every active run.
func (o *Orchestrator) Shutdown() {
	o.rootCancel()
}
