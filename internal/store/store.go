package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"caseline/internal/plan"
)

// Store persists run state, per-step results and adaptation error patterns in
// a SQLite database. A run can be resumed from it after a process restart.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			plan_json TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			result_json TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS error_patterns (
			kind TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			issues_json TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("create store schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRunState upserts the full plan snapshot for a run.
func (s *Store) SaveRunState(p *plan.Plan, status string) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (run_id, status, plan_json, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(run_id) DO UPDATE SET status = excluded.status,
		   plan_json = excluded.plan_json, updated_at = CURRENT_TIMESTAMP`,
		p.RunID, status, string(b),
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", p.RunID, err)
	}
	return nil
}

// LoadRunState returns the stored plan for a run, or nil when none exists.
// Steps that were in flight when the snapshot was taken come back as pending.
func (s *Store) LoadRunState(runID string) (*plan.Plan, error) {
	var planJSON string
	err := s.db.QueryRow(`SELECT plan_json FROM runs WHERE run_id = ?`, runID).Scan(&planJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var p plan.Plan
	if err := json.Unmarshal([]byte(planJSON), &p); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	for _, st := range p.Steps {
		switch st.Status {
		case plan.StatusRunning, plan.StatusReady, plan.StatusSuspended:
			st.Status = plan.StatusPending
			st.FeedbackID = ""
		}
	}
	return &p, nil
}

func (s *Store) SaveStepResult(runID, stepID string, result map[string]any) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO step_results (run_id, step_id, result_json) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, step_id) DO UPDATE SET result_json = excluded.result_json`,
		runID, stepID, string(b),
	)
	if err != nil {
		return fmt.Errorf("save step result %s/%s: %w", runID, stepID, err)
	}
	return nil
}

func (s *Store) LoadStepResults(runID string) (map[string]map[string]any, error) {
	rows, err := s.db.Query(`SELECT step_id, result_json FROM step_results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("load step results %s: %w", runID, err)
	}
	defer rows.Close()

	out := make(map[string]map[string]any)
	for rows.Next() {
		var stepID, resultJSON string
		if err := rows.Scan(&stepID, &resultJSON); err != nil {
			return nil, err
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
			continue // a corrupt row degrades to a missing result
		}
		out[stepID] = result
	}
	return out, rows.Err()
}

// SaveErrorPattern upserts the per-kind error pattern counter.
func (s *Store) SaveErrorPattern(kind string, count int, issues []string) error {
	b, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("marshal issues: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO error_patterns (kind, count, issues_json, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(kind) DO UPDATE SET count = excluded.count,
		   issues_json = excluded.issues_json, updated_at = CURRENT_TIMESTAMP`,
		kind, count, string(b),
	)
	if err != nil {
		return fmt.Errorf("save error pattern %s: %w", kind, err)
	}
	return nil
}
