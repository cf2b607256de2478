package pipeline

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"redcortex/internal/reasoning"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Store persists analysis runs and their reports in SQLite. A single
// connection with WAL keeps concurrent run goroutines from tripping over each
// other; writes are additionally serialized by the mutex.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenStore opens or creates the run database at the given path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id       TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL,
		methodology  TEXT NOT NULL,
		initiated_by TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   TEXT NOT NULL,
		finished_at  TEXT,
		stages_json  TEXT,
		report_json  TEXT,
		error        TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id, started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize run store schema: %w", err)
	}
	return nil
}

// SaveRun inserts a freshly triggered run.
func (s *Store) SaveRun(run *AnalysisRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, project_id, methodology, initiated_by, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProjectID, string(run.Methodology), run.InitiatedBy,
		string(run.Status), run.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

// FinishRun records the terminal state of a run, its stage summaries, and the
// report when one was produced.
func (s *Store) FinishRun(run *AnalysisRun, report *reasoning.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stages, err := json.Marshal(run.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages for %s: %w", run.RunID, err)
	}
	var reportJSON []byte
	if report != nil {
		if reportJSON, err = json.Marshal(report); err != nil {
			return fmt.Errorf("marshal report for %s: %w", run.RunID, err)
		}
	}

	_, err = s.db.Exec(
		`UPDATE runs SET status = ?, finished_at = ?, stages_json = ?, report_json = ?, error = ?
		 WHERE run_id = ?`,
		string(run.Status), run.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(stages), nullable(reportJSON), run.Error, run.RunID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.RunID, err)
	}
	return nil
}

// Run loads one run record.
func (s *Store) Run(runID string) (*AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT run_id, project_id, methodology, initiated_by, status, started_at,
		        COALESCE(finished_at, ''), COALESCE(stages_json, ''), COALESCE(error, '')
		 FROM runs WHERE run_id = ?`, runID)

	var run AnalysisRun
	var started, finished, stagesJSON string
	err := row.Scan(&run.RunID, &run.ProjectID, (*string)(&run.Methodology),
		&run.InitiatedBy, (*string)(&run.Status), &started, &finished, &stagesJSON, &run.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("load run %s: bad started_at: %w", runID, err)
	}
	if finished != "" {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("load run %s: bad finished_at: %w", runID, err)
		}
	}
	if stagesJSON != "" {
		if err := json.Unmarshal([]byte(stagesJSON), &run.Stages); err != nil {
			return nil, fmt.Errorf("load run %s: bad stages: %w", runID, err)
		}
	}
	return &run, nil
}

// Report loads the stored report for a completed run. Returns nil without
// error when the run finished without a report.
func (s *Store) Report(runID string) (*reasoning.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw sql.NullString
	err := s.db.QueryRow(`SELECT report_json FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}

	var report reasoning.Report
	if err := json.Unmarshal([]byte(raw.String), &report); err != nil {
		return nil, fmt.Errorf("load report %s: %w", runID, err)
	}
	return &report, nil
}

// RunsForProject lists run records for a project, newest first.
func (s *Store) RunsForProject(projectID string, limit int) ([]AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT run_id, project_id, methodology, initiated_by, status, started_at, COALESCE(error, '')
		 FROM runs WHERE project_id = ? ORDER BY started_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []AnalysisRun
	for rows.Next() {
		var run AnalysisRun
		var started string
		if err := rows.Scan(&run.RunID, &run.ProjectID, (*string)(&run.Methodology),
			&run.InitiatedBy, (*string)(&run.Status), &started, &run.Error); err != nil {
			return nil, fmt.Errorf("list runs for %s: %w", projectID, err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("list runs for %s: bad started_at: %w", projectID, err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
