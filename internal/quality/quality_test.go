package quality

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"caseline/internal/plan"
)

// fakeJudge returns a fixed relevance verdict, or an error.
type fakeJudge struct {
	relevance float64
	err       error
	calls     int
}

func (j *fakeJudge) Invoke(_ context.Context, task string, _ map[string]any) (map[string]any, error) {
	j.calls++
	if j.err != nil {
		return nil, j.err
	}
	return map[string]any{"relevance": j.relevance}, nil
}

func entityStep(items ...map[string]any) *plan.Step {
	list := make([]any, 0, len(items))
	for _, it := range items {
		list = append(list, it)
	}
	return &plan.Step{
		ID: "entity-extraction", Kind: "entity-extraction",
		Result: map[string]any{"entities": list},
	}
}

func TestEvaluateGoodOutput(t *testing.T) {
	e := New(&fakeJudge{relevance: 0.9}, Weights{}, 0, time.Second)
	step := entityStep(
		map[string]any{"name": "Acme Corp", "category": "organization"},
		map[string]any{"name": "2021-03-04", "category": "date"},
		map[string]any{"name": "J. Marsh", "category": "person"},
	)

	res := e.Evaluate(context.Background(), step, "find parties", nil)
	if res.Completeness != 1 || res.Accuracy != 1 {
		t.Errorf("Completeness=%v Accuracy=%v, expected 1 and 1 (issues: %v)",
			res.Completeness, res.Accuracy, res.Issues)
	}
	if res.NeedsAdaptation {
		t.Errorf("Good output flagged for adaptation: %+v", res)
	}
	if res.Overall < e.Threshold {
		t.Errorf("Overall %v below threshold %v", res.Overall, e.Threshold)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	e := New(&fakeJudge{relevance: 0.8}, Weights{}, 0, time.Second)
	step := entityStep(
		map[string]any{"name": "Acme Corp", "category": "organization"},
		map[string]any{"name": "J. Marsh", "category": "person"},
	)

	first := e.Evaluate(context.Background(), step, "goal", nil)
	second := e.Evaluate(context.Background(), step, "goal", nil)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Evaluation of the same output differs:\n%+v\n%+v", first, second)
	}
}

func TestEvaluateErrorMarker(t *testing.T) {
	e := New(nil, Weights{}, 0, time.Second)
	step := &plan.Step{
		ID: "timeline", Kind: "timeline",
		Result: map[string]any{"error": "model refused", "events": []any{}},
	}

	res := e.Evaluate(context.Background(), step, "goal", nil)
	if res.Accuracy != 0 {
		t.Errorf("Accuracy = %v, expected 0 for an error marker", res.Accuracy)
	}
	if !res.NeedsAdaptation {
		t.Error("Zero accuracy must force NeedsAdaptation even with a high overall")
	}
}

func TestEvaluateMalformedOutput(t *testing.T) {
	e := New(nil, Weights{}, 0, time.Second)

	testCases := []struct {
		name   string
		result map[string]any
	}{
		{"nil result", nil},
		{"missing list", map[string]any{"note": ""}},
		{"wrong list type", map[string]any{"entities": "three of them"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			step := &plan.Step{ID: "entity-extraction", Kind: "entity-extraction", Result: tc.result}
			res := e.Evaluate(context.Background(), step, "goal", nil)
			if res.Completeness != 0 {
				t.Errorf("Completeness = %v, expected 0", res.Completeness)
			}
			if len(res.Issues) == 0 {
				t.Error("Malformed output must be reported as an issue")
			}
		})
	}
}

func TestEvaluatePartialCardinality(t *testing.T) {
	e := New(nil, Weights{}, 0, time.Second)
	// Two of the expected three entities.
	step := entityStep(
		map[string]any{"name": "Acme Corp", "category": "organization"},
		map[string]any{"name": "J. Marsh", "category": "person"},
	)
	res := e.Evaluate(context.Background(), step, "goal", nil)
	if res.Completeness <= 0 || res.Completeness >= 1 {
		t.Errorf("Completeness = %v, expected a fractional score", res.Completeness)
	}
}

func TestTimelineConsistency(t *testing.T) {
	e := New(nil, Weights{}, 0, time.Second)
	step := &plan.Step{
		ID: "timeline", Kind: "timeline",
		Result: map[string]any{"events": []any{
			map[string]any{"date": "2021-03-04", "source": "doc1"},
			map[string]any{"date": "sometime later", "source": "doc2"},
		}},
	}
	res := e.Evaluate(context.Background(), step, "goal", nil)
	if res.Consistency != 0.5 {
		t.Errorf("Consistency = %v, expected 0.5 with one unsortable date", res.Consistency)
	}
}

func TestRelevanceJudgeFallback(t *testing.T) {
	judge := &fakeJudge{err: errors.New("judge offline")}
	e := New(judge, Weights{}, 0, time.Second)
	step := entityStep(
		map[string]any{"name": "Acme Corp", "category": "organization"},
		map[string]any{"name": "J. Marsh", "category": "person"},
		map[string]any{"name": "K. Ono", "category": "person"},
	)

	res := e.Evaluate(context.Background(), step, "goal", nil)
	if judge.calls != 1 {
		t.Fatalf("Judge called %d times, expected 1", judge.calls)
	}
	// A broken judge degrades to the content check, it never fails evaluation.
	if res.Relevance != 1 {
		t.Errorf("Relevance = %v, expected content fallback of 1", res.Relevance)
	}
	found := false
	for _, issue := range res.Issues {
		if issue == "relevance judgment unavailable, used content fallback" {
			found = true
		}
	}
	if !found {
		t.Errorf("Fallback not reported in issues: %v", res.Issues)
	}
}

func TestConsistencyDriftAgainstPrevious(t *testing.T) {
	e := New(nil, Weights{}, 0, time.Second)
	step := entityStep(
		map[string]any{"name": "Acme Corp", "category": "organization"},
		map[string]any{"name": "J. Marsh", "category": "person"},
		map[string]any{"name": "K. Ono", "category": "person"},
	)

	stable := e.Evaluate(context.Background(), step, "goal", []Result{{Completeness: 1}})
	drifted := e.Evaluate(context.Background(), step, "goal", []Result{{Completeness: 0}})
	if stable.Consistency <= drifted.Consistency {
		t.Errorf("Drift must lower consistency: stable=%v drifted=%v",
			stable.Consistency, drifted.Consistency)
	}
}
