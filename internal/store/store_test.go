package store

import (
	"path/filepath"
	"testing"

	"caseline/internal/plan"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "caseline.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRunState(t *testing.T) {
	s := openTestStore(t)
	p := &plan.Plan{
		RunID: "run1",
		Goal:  "analyze the dispute",
		Steps: []*plan.Step{
			{ID: "entity-extraction", Kind: "entity-extraction", Status: plan.StatusCompleted,
				Result: map[string]any{"entities": []any{"Acme"}}, Reasoning: "requested"},
			{ID: "timeline", Kind: "timeline", Status: plan.StatusRunning,
				DependsOn: []string{"entity-extraction"}, Reasoning: "requested"},
			{ID: "risk-analysis", Kind: "risk-analysis", Status: plan.StatusSuspended,
				FeedbackID: "abc123", Reasoning: "requested"},
		},
	}
	if err := s.SaveRunState(p, "running"); err != nil {
		t.Fatalf("SaveRunState failed: %v", err)
	}

	loaded, err := s.LoadRunState("run1")
	if err != nil {
		t.Fatalf("LoadRunState failed: %v", err)
	}
	if loaded == nil || loaded.Goal != p.Goal || len(loaded.Steps) != 3 {
		t.Fatalf("Loaded plan mismatch: %+v", loaded)
	}

	// Completed work survives; in-flight work restarts from pending.
	if got := loaded.Step("entity-extraction").Status; got != plan.StatusCompleted {
		t.Errorf("Completed step reloaded as %s", got)
	}
	if got := loaded.Step("timeline").Status; got != plan.StatusPending {
		t.Errorf("Running step reloaded as %s, expected pending", got)
	}
	suspended := loaded.Step("risk-analysis")
	if suspended.Status != plan.StatusPending || suspended.FeedbackID != "" {
		t.Errorf("Suspended step reloaded as %s with feedback id %q", suspended.Status, suspended.FeedbackID)
	}
}

func TestSaveRunStateUpserts(t *testing.T) {
	s := openTestStore(t)
	p := &plan.Plan{RunID: "run1", Goal: "first", Steps: []*plan.Step{
		{ID: "summary", Kind: "summary", Status: plan.StatusPending, Reasoning: "requested"},
	}}
	if err := s.SaveRunState(p, "running"); err != nil {
		t.Fatal(err)
	}
	p.Goal = "second"
	if err := s.SaveRunState(p, "completed"); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadRunState("run1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Goal != "second" {
		t.Errorf("Goal = %q, expected the second snapshot to win", loaded.Goal)
	}
}

func TestLoadRunStateMissing(t *testing.T) {
	s := openTestStore(t)
	loaded, err := s.LoadRunState("nope")
	if err != nil {
		t.Fatalf("Missing run must not be an error, got: %v", err)
	}
	if loaded != nil {
		t.Fatalf("Expected nil plan for a missing run, got %+v", loaded)
	}
}

func TestStepResultsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveStepResult("run1", "timeline", map[string]any{"events": []any{"e1"}}); err != nil {
		t.Fatal(err)
	}
	// Overwrite is allowed; last write wins.
	if err := s.SaveStepResult("run1", "timeline", map[string]any{"events": []any{"e1", "e2"}}); err != nil {
		t.Fatal(err)
	}
	results, err := s.LoadStepResults("run1")
	if err != nil {
		t.Fatal(err)
	}
	events, ok := results["timeline"]["events"].([]any)
	if !ok || len(events) != 2 {
		t.Errorf("Loaded step result = %v", results)
	}
}

func TestSaveErrorPattern(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveErrorPattern("timeline", 2, []string{"unsortable dates"}); err != nil {
		t.Fatalf("SaveErrorPattern failed: %v", err)
	}
	if err := s.SaveErrorPattern("timeline", 3, []string{"unsortable dates", "missing sources"}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
}
