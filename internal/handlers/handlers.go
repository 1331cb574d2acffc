package handlers

import (
	"context"
	"fmt"
	"strings"

	"caseline/internal/catalog"
	"caseline/internal/feedback"
	"caseline/internal/retrieval"
	"caseline/internal/scheduler"
)

// Map builds the handler table for every analysis kind in the catalog. An
// unknown kind at run time is a scheduler error, not a silent no-op.
func Map(reg *catalog.Registry) map[string]scheduler.Handler {
	m := map[string]scheduler.Handler{
		"document-classification": analyze("document-classification"),
		"entity-extraction":       analyze("entity-extraction"),
		"timeline":                analyze("timeline"),
		"discrepancy-detection":   analyze("discrepancy-detection"),
		"risk-analysis":           riskAnalysis,
		"summary":                 analyze("summary"),
	}
	// Kinds loaded from a custom catalog file fall back to the generic
	// handler under their own task name.
	for _, k := range reg.Kinds() {
		if _, ok := m[k.Name]; !ok {
			m[k.Name] = analyze(k.Name)
		}
	}
	return m
}

// analyze is the generic handler: gather evidence fragments, fold in the
// results of upstream steps, and hand the task to the inference client.
func analyze(task string) scheduler.Handler {
	return func(ctx context.Context, sc *scheduler.StepContext) (map[string]any, error) {
		input, err := buildInput(ctx, sc)
		if err != nil {
			return nil, err
		}
		out, err := sc.Env.Inference.Invoke(ctx, task, input)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", task, err)
		}
		return out, nil
	}
}

// riskAnalysis wraps the generic handler with a human checkpoint: a high
// severity finding suspends the step until someone confirms it.
func riskAnalysis(ctx context.Context, sc *scheduler.StepContext) (map[string]any, error) {
	input, err := buildInput(ctx, sc)
	if err != nil {
		return nil, err
	}
	out, err := sc.Env.Inference.Invoke(ctx, "risk-analysis", input)
	if err != nil {
		return nil, fmt.Errorf("risk-analysis: %w", err)
	}

	high := highSeverityRisks(out)
	if len(high) == 0 {
		return out, nil
	}
	if sc.Feedback == nil {
		return nil, &scheduler.SuspendError{
			Kind: feedback.KindConfirmation,
			Prompt: fmt.Sprintf("risk analysis found %d high severity finding(s): %s. Include them in the report?",
				len(high), strings.Join(high, "; ")),
			Options: []string{"yes", "no"},
		}
	}
	if sc.Feedback.Approved {
		out["high_severity_confirmed"] = true
		return out, nil
	}
	// Rejected findings are downgraded, not dropped: the record of the
	// concern stays in the result.
	out["risks"] = downgradeHigh(out)
	out["high_severity_confirmed"] = false
	return out, nil
}

func buildInput(ctx context.Context, sc *scheduler.StepContext) (map[string]any, error) {
	input := map[string]any{
		"goal":    sc.Goal,
		"attempt": sc.Attempt,
	}
	for stepID, result := range sc.Inputs {
		input["from_"+stepID] = result
	}
	if sc.Env.Retriever != nil {
		frags, err := sc.Env.Retriever.Retrieve(ctx, sc.Goal+" "+sc.Kind, 5)
		if err != nil {
			return nil, fmt.Errorf("retrieve evidence: %w", err)
		}
		if len(frags) > 0 {
			input["evidence"] = fragmentTexts(frags)
		}
	}
	return input, nil
}

func fragmentTexts(frags []retrieval.Fragment) []string {
	out := make([]string, 0, len(frags))
	for _, f := range frags {
		out = append(out, fmt.Sprintf("[%s] %s", f.DocID, f.Text))
	}
	return out
}

// highSeverityRisks pulls the descriptions of high severity entries out of the
// result's risks list. The inference output is untrusted JSON, so every shape
// assumption is checked.
func highSeverityRisks(out map[string]any) []string {
	risks, ok := out["risks"].([]any)
	if !ok {
		return nil
	}
	var high []string
	for _, r := range risks {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		sev, _ := entry["severity"].(string)
		if !strings.EqualFold(sev, "high") {
			continue
		}
		desc, _ := entry["description"].(string)
		if desc == "" {
			desc = "unnamed risk"
		}
		high = append(high, desc)
	}
	return high
}

func downgradeHigh(out map[string]any) []any {
	risks, ok := out["risks"].([]any)
	if !ok {
		return nil
	}
	for _, r := range risks {
		entry, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if sev, _ := entry["severity"].(string); strings.EqualFold(sev, "high") {
			entry["severity"] = "medium"
			entry["reviewer_rejected"] = true
		}
	}
	return risks
}
