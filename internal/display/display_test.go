package display

import (
	"strings"
	"testing"
	"time"

	"caseline/internal/catalog"
	"caseline/internal/feedback"
	"caseline/internal/metrics"
	"caseline/internal/plan"
)

func TestFormatPlan(t *testing.T) {
	reg := catalog.Default()
	p, err := plan.Build("ab12cd34", "review the loan file", reg, []string{"timeline"})
	if err != nil {
		t.Fatal(err)
	}
	_, rep := plan.ValidateAndOptimize(p, reg)

	out := FormatPlan(p, rep)
	if !strings.Contains(out, "run ab12cd34") {
		t.Error("Preview is missing the run id")
	}
	if !strings.Contains(out, "entity-extraction  (dependency)") {
		t.Error("Dependency steps must be tagged")
	}
	if !strings.Contains(out, "after: entity-extraction") {
		t.Error("Preview is missing the dependency edge")
	}
	if !strings.Contains(out, "Estimated duration:") {
		t.Error("Preview is missing the duration estimate")
	}
}

func TestFormatRunOutcomeTruncatesValues(t *testing.T) {
	p := &plan.Plan{
		RunID: "run1",
		Steps: []*plan.Step{
			{ID: "summary", Kind: "summary", Status: plan.StatusCompleted,
				Result: map[string]any{"summary": strings.Repeat("long ", 100)}},
			{ID: "timeline", Kind: "timeline", Status: plan.StatusSkipped,
				RetryCount: 2, Err: "model unavailable"},
		},
		History: []plan.AdaptationRecord{
			{Trigger: "step_failure", Strategy: "skip_failed", Reason: "skipped 1 step(s) past the retry limit"},
		},
	}

	out := FormatRunOutcome(p, "partially_completed")
	if !strings.Contains(out, "PARTIALLY_COMPLETED") {
		t.Error("Outcome is missing the run status")
	}
	if !strings.Contains(out, "retries=2") {
		t.Error("Outcome is missing the retry count")
	}
	if !strings.Contains(out, "...") {
		t.Error("Long result values must be truncated")
	}
	if !strings.Contains(out, "skip_failed") {
		t.Error("Outcome is missing the adaptation history")
	}
}

func TestFormatFeedbackRequest(t *testing.T) {
	req := &feedback.Request{
		ID:      "fb123",
		Prompt:  "include the high severity finding?",
		Options: []string{"yes", "no"},
	}
	out := FormatFeedbackRequest(req)
	for _, want := range []string{"fb123", "yes / no", "approve fb123", "deny fb123"} {
		if !strings.Contains(out, want) {
			t.Errorf("Feedback rendering is missing %q:\n%s", want, out)
		}
	}
}

func TestFormatRunMetrics(t *testing.T) {
	if got := FormatRunMetrics(nil); got != "No metrics available." {
		t.Errorf("Nil metrics rendering = %q", got)
	}
	rm := &metrics.RunMetrics{
		RunID:      "run1",
		Start:      time.Now(),
		DurationMs: 1234,
		Status:     "completed",
		Steps: []metrics.StepMetrics{
			{ID: "timeline", DurationMs: 800, Status: "completed", Retries: 1},
		},
	}
	out := FormatRunMetrics(rm)
	if !strings.Contains(out, "1234 ms") || !strings.Contains(out, "retries=1") {
		t.Errorf("Metrics rendering incomplete:\n%s", out)
	}
}
