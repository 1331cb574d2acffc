package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"caseline/internal/plan"
)

// Result scores one completed step's output. Immutable once produced.
type Result struct {
	Completeness    float64  `json:"completeness"`
	Accuracy        float64  `json:"accuracy"`
	Relevance       float64  `json:"relevance"`
	Consistency     float64  `json:"consistency"`
	Overall         float64  `json:"overall"`
	Issues          []string `json:"issues,omitempty"`
	NeedsAdaptation bool     `json:"needs_adaptation"`
}

type Weights struct {
	Completeness float64 `yaml:"completeness"`
	Accuracy     float64 `yaml:"accuracy"`
	Relevance    float64 `yaml:"relevance"`
	Consistency  float64 `yaml:"consistency"`
}

func DefaultWeights() Weights {
	return Weights{Completeness: 0.3, Accuracy: 0.3, Relevance: 0.2, Consistency: 0.2}
}

func (w Weights) sum() float64 {
	return w.Completeness + w.Accuracy + w.Relevance + w.Consistency
}

// Judge is the slice of the inference service the evaluator needs for
// relevance judgments.
type Judge interface {
	Invoke(ctx context.Context, task string, input map[string]any) (map[string]any, error)
}

type Evaluator struct {
	// Judge may be nil; relevance then falls back to a content check.
	Judge        Judge
	Weights      Weights
	Threshold    float64
	JudgeTimeout time.Duration
}

func New(judge Judge, weights Weights, threshold float64, judgeTimeout time.Duration) *Evaluator {
	if weights.sum() == 0 {
		weights = DefaultWeights()
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	if judgeTimeout <= 0 {
		judgeTimeout = 10 * time.Second
	}
	return &Evaluator{Judge: judge, Weights: weights, Threshold: threshold, JudgeTimeout: judgeTimeout}
}

// Expected output cardinality per kind. Kinds without an entry fall back to a
// non-empty-output check.
var cardinalityRules = map[string]struct {
	Key string
	Min int
}{
	"entity-extraction":       {"entities", 3},
	"timeline":                {"events", 2},
	"discrepancy-detection":   {"discrepancies", 1},
	"risk-analysis":           {"risks", 1},
	"document-classification": {"classes", 1},
}

// Required sub-fields for each item of the kind's primary list.
var requiredFields = map[string][]string{
	"entity-extraction":     {"name", "category"},
	"timeline":              {"date", "source"},
	"discrepancy-detection": {"description", "source"},
	"risk-analysis":         {"severity", "description"},
}

// Evaluate scores a completed step's output along four independent axes.
// It never fails: malformed output degrades the affected axis to 0 and is
// reported as an issue.
func (e *Evaluator) Evaluate(ctx context.Context, step *plan.Step, task string, previous []Result) Result {
	var res Result
	output := step.Result

	res.Completeness, res.Issues = e.completeness(step.Kind, output, res.Issues)
	res.Accuracy, res.Issues = e.accuracy(step.Kind, output, res.Issues)
	res.Relevance, res.Issues = e.relevance(ctx, task, output, res.Issues)
	res.Consistency, res.Issues = e.consistency(step.Kind, output, res.Completeness, previous, res.Issues)

	w := e.Weights
	res.Overall = (res.Completeness*w.Completeness +
		res.Accuracy*w.Accuracy +
		res.Relevance*w.Relevance +
		res.Consistency*w.Consistency) / w.sum()
	res.Overall = math.Round(res.Overall*1000) / 1000

	// Accuracy of exactly 0 is a hard failure signal regardless of the rest.
	res.NeedsAdaptation = res.Overall < e.Threshold || res.Accuracy == 0
	return res
}

func (e *Evaluator) completeness(kind string, output map[string]any, issues []string) (float64, []string) {
	rule, ok := cardinalityRules[kind]
	if !ok {
		if hasContent(output) {
			return 1.0, issues
		}
		return 0, append(issues, "output is empty")
	}
	items, ok := itemList(output, rule.Key)
	if !ok {
		return 0, append(issues, fmt.Sprintf("output is missing '%s' list", rule.Key))
	}
	if len(items) >= rule.Min {
		return 1.0, issues
	}
	if len(items) == 0 {
		issues = append(issues, fmt.Sprintf("'%s' list is empty, expected at least %d", rule.Key, rule.Min))
		return 0, issues
	}
	issues = append(issues, fmt.Sprintf("'%s' has %d items, expected at least %d", rule.Key, len(items), rule.Min))
	return float64(len(items)) / float64(rule.Min), issues
}

func (e *Evaluator) accuracy(kind string, output map[string]any, issues []string) (float64, []string) {
	if output == nil {
		return 0, append(issues, "no output to check")
	}
	// An explicit error marker fails the axis outright. Its absence is
	// necessary but not sufficient.
	if msg, ok := output["error"].(string); ok && msg != "" {
		return 0, append(issues, "output carries an error marker: "+msg)
	}
	fields, ok := requiredFields[kind]
	if !ok {
		if hasContent(output) {
			return 1.0, issues
		}
		return 0, append(issues, "output has no meaningful content")
	}
	rule := cardinalityRules[kind]
	items, listOK := itemList(output, rule.Key)
	if !listOK || len(items) == 0 {
		return 0, append(issues, fmt.Sprintf("no '%s' items to verify", rule.Key))
	}
	populated := 0
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		all := true
		for _, f := range fields {
			if v, ok := m[f]; !ok || fmt.Sprintf("%v", v) == "" {
				all = false
				break
			}
		}
		if all {
			populated++
		}
	}
	score := float64(populated) / float64(len(items))
	if score < 1 {
		issues = append(issues, fmt.Sprintf("%d of %d '%s' items are missing required fields (%s)",
			len(items)-populated, len(items), rule.Key, strings.Join(fields, ", ")))
	}
	return score, issues
}

func (e *Evaluator) relevance(ctx context.Context, task string, output map[string]any, issues []string) (float64, []string) {
	if task == "" || e.Judge == nil {
		if hasContent(output) {
			return 1.0, issues
		}
		return 0, append(issues, "no content to judge relevance against")
	}
	judgeCtx, cancel := context.WithTimeout(ctx, e.JudgeTimeout)
	defer cancel()
	verdict, err := e.Judge.Invoke(judgeCtx, "relevance-judgment", map[string]any{
		"task":   task,
		"output": summarize(output),
	})
	if err == nil {
		if score, ok := numeric(verdict["relevance"]); ok {
			return clamp01(score), issues
		}
	}
	// Sandbox the judge: on error or malformed verdict fall back to the
	// content check rather than failing the evaluation.
	issues = append(issues, "relevance judgment unavailable, used content fallback")
	if hasContent(output) {
		return 1.0, issues
	}
	return 0, issues
}

func (e *Evaluator) consistency(kind string, output map[string]any, completeness float64, previous []Result, issues []string) (float64, []string) {
	var scores []float64

	if kind == "timeline" {
		rule := cardinalityRules[kind]
		if items, ok := itemList(output, rule.Key); ok && len(items) > 0 {
			sortable := 0
			for _, item := range items {
				if m, ok := item.(map[string]any); ok {
					if _, err := parseDate(fmt.Sprintf("%v", m["date"])); err == nil {
						sortable++
					}
				}
			}
			score := float64(sortable) / float64(len(items))
			if score < 1 {
				issues = append(issues, fmt.Sprintf("%d of %d timeline events have unsortable dates", len(items)-sortable, len(items)))
			}
			scores = append(scores, score)
		} else {
			issues = append(issues, "no timeline events to order")
			scores = append(scores, 0)
		}
	}

	// Stability against earlier evaluations of the same kind: large swings in
	// completeness between attempts indicate structural drift.
	if len(previous) > 0 {
		var drift float64
		for _, prev := range previous {
			drift += math.Abs(prev.Completeness-completeness) / float64(len(previous))
		}
		scores = append(scores, clamp01(1-drift))
	}

	if len(scores) == 0 {
		if hasContent(output) {
			return 1.0, issues
		}
		return 0, append(issues, "no structure to check consistency of")
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), issues
}

func hasContent(output map[string]any) bool {
	for _, v := range output {
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return true
			}
		case []any:
			if len(t) > 0 {
				return true
			}
		case map[string]any:
			if len(t) > 0 {
				return true
			}
		case nil:
		default:
			return true
		}
	}
	return false
}

func itemList(output map[string]any, key string) ([]any, bool) {
	if output == nil {
		return nil, false
	}
	items, ok := output[key].([]any)
	return items, ok
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02 15:04", "02 Jan 2006", "January 2, 2006"}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date: %q", s)
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

// summarize flattens an output map into a short stable string for the judge.
func summarize(output map[string]any) string {
	keys := make([]string, 0, len(output))
	for k := range output {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %.120v\n", k, output[k])
	}
	return sb.String()
}
