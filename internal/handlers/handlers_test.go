package handlers

import (
	"context"
	"errors"
	"testing"

	"caseline/internal/catalog"
	"caseline/internal/feedback"
	"caseline/internal/retrieval"
	"caseline/internal/scheduler"
)

type fakeInference struct {
	out  map[string]any
	err  error
	task string
}

func (f *fakeInference) Invoke(_ context.Context, task string, _ map[string]any) (map[string]any, error) {
	f.task = task
	return f.out, f.err
}

func stepContext(kind string, inf *fakeInference) *scheduler.StepContext {
	return &scheduler.StepContext{
		RunID: "run1", Goal: "review the file", StepID: kind, Kind: kind, Attempt: 1,
		Env: &scheduler.Environment{Inference: inf},
	}
}

func TestMapCoversCatalog(t *testing.T) {
	reg := catalog.Default()
	m := Map(reg)
	for _, k := range reg.Kinds() {
		if _, ok := m[k.Name]; !ok {
			t.Errorf("No handler for catalog kind %s", k.Name)
		}
	}
}

func TestMapCoversCustomKinds(t *testing.T) {
	reg, err := catalog.NewRegistry([]catalog.Kind{
		{Name: "custom-audit", Description: "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := Map(reg)["custom-audit"]; !ok {
		t.Error("Custom catalog kinds must fall back to the generic handler")
	}
}

func TestGenericHandlerDelegatesToInference(t *testing.T) {
	inf := &fakeInference{out: map[string]any{"events": []any{"e1"}}}
	out, err := Map(catalog.Default())["timeline"](context.Background(), stepContext("timeline", inf))
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	if inf.task != "timeline" {
		t.Errorf("Inference invoked with task %q", inf.task)
	}
	if _, ok := out["events"]; !ok {
		t.Errorf("Result lost: %v", out)
	}
}

func TestGenericHandlerWrapsInferenceError(t *testing.T) {
	inf := &fakeInference{err: errors.New("backend down")}
	_, err := Map(catalog.Default())["summary"](context.Background(), stepContext("summary", inf))
	if err == nil {
		t.Fatal("Expected the inference error to surface")
	}
}

func TestRiskAnalysisSuspendsOnHighSeverity(t *testing.T) {
	inf := &fakeInference{out: map[string]any{"risks": []any{
		map[string]any{"severity": "high", "description": "possible fraud"},
		map[string]any{"severity": "low", "description": "late filing"},
	}}}

	_, err := riskAnalysis(context.Background(), stepContext("risk-analysis", inf))
	var se *scheduler.SuspendError
	if !errors.As(err, &se) {
		t.Fatalf("Expected a SuspendError, got: %v", err)
	}
	if se.Kind != feedback.KindConfirmation {
		t.Errorf("Suspension kind = %s", se.Kind)
	}
}

func TestRiskAnalysisNoEscalationForLowSeverity(t *testing.T) {
	inf := &fakeInference{out: map[string]any{"risks": []any{
		map[string]any{"severity": "low", "description": "late filing"},
	}}}
	out, err := riskAnalysis(context.Background(), stepContext("risk-analysis", inf))
	if err != nil {
		t.Fatalf("Low severity must not suspend: %v", err)
	}
	if _, flagged := out["high_severity_confirmed"]; flagged {
		t.Error("Low severity output must not carry the confirmation flag")
	}
}

func TestRiskAnalysisResumeApproved(t *testing.T) {
	inf := &fakeInference{out: map[string]any{"risks": []any{
		map[string]any{"severity": "high", "description": "possible fraud"},
	}}}
	sc := stepContext("risk-analysis", inf)
	sc.Feedback = &feedback.Response{Value: "yes", Approved: true}

	out, err := riskAnalysis(context.Background(), sc)
	if err != nil {
		t.Fatalf("Resumed handler failed: %v", err)
	}
	if confirmed, _ := out["high_severity_confirmed"].(bool); !confirmed {
		t.Error("Approved findings must be marked confirmed")
	}
}

func TestRiskAnalysisResumeDenied(t *testing.T) {
	inf := &fakeInference{out: map[string]any{"risks": []any{
		map[string]any{"severity": "high", "description": "possible fraud"},
	}}}
	sc := stepContext("risk-analysis", inf)
	sc.Feedback = &feedback.Response{Value: "no", Approved: false}

	out, err := riskAnalysis(context.Background(), sc)
	if err != nil {
		t.Fatalf("Resumed handler failed: %v", err)
	}
	risks, _ := out["risks"].([]any)
	if len(risks) != 1 {
		t.Fatalf("Rejected finding was dropped: %v", out)
	}
	entry := risks[0].(map[string]any)
	if entry["severity"] != "medium" || entry["reviewer_rejected"] != true {
		t.Errorf("Rejected finding not downgraded: %v", entry)
	}
}

func TestBuildInputIncludesEvidenceAndUpstream(t *testing.T) {
	ix := retrieval.NewIndex()
	ix.AddDocument("doc1", "the timeline of the payment review dispute")

	sc := &scheduler.StepContext{
		RunID: "run1", Goal: "payment review", StepID: "timeline", Kind: "timeline", Attempt: 2,
		Inputs: map[string]map[string]any{
			"entity-extraction": {"entities": []any{"Acme"}},
		},
		Env: &scheduler.Environment{Retriever: ix},
	}

	input, err := buildInput(context.Background(), sc)
	if err != nil {
		t.Fatalf("buildInput failed: %v", err)
	}
	if input["goal"] != "payment review" || input["attempt"] != 2 {
		t.Errorf("Input missing goal/attempt: %v", input)
	}
	if _, ok := input["from_entity-extraction"]; !ok {
		t.Error("Upstream results must be folded into the input")
	}
	if _, ok := input["evidence"]; !ok {
		t.Error("Retrieved evidence must be folded into the input")
	}
}
