package adapt

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"caseline/internal/catalog"
	"caseline/internal/plan"
	"caseline/internal/quality"
)

type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyRetryFailed Strategy = "retry_failed"
	StrategySkipFailed  Strategy = "skip_failed"
	StrategyAddSteps    Strategy = "add_steps"
	StrategyReorder     Strategy = "reorder"
	StrategySimplify    Strategy = "simplify"
)

type Trigger string

const (
	TriggerFailure    Trigger = "step_failure"
	TriggerQuality    Trigger = "low_quality"
	TriggerStall      Trigger = "stalled_plan"
	TriggerReplanFlag Trigger = "replan_requested"
)

// Config holds the adaptation thresholds. The numbers are defaults, not
// truths: every one of them is adjustable through the run configuration.
type Config struct {
	ConfidenceFloor   float64 `yaml:"confidence_floor"`
	CompletenessFloor float64 `yaml:"completeness_floor"`
	ErrorRatioLimit   float64 `yaml:"error_ratio_limit"`
	RetryLimit        int     `yaml:"retry_limit"`
	ErrorCountLimit   int     `yaml:"error_count_limit"`
}

func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:   0.5,
		CompletenessFloor: 0.5,
		ErrorRatioLimit:   0.3,
		RetryLimit:        2,
		ErrorCountLimit:   2,
	}
}

// Engine rewrites a plan in response to failures and low-quality output. It
// is only ever invoked synchronously by the scheduler, which owns the plan.
type Engine struct {
	cfg      Config
	reg      *catalog.Registry
	patterns *PatternTracker
}

func New(cfg Config, reg *catalog.Registry, patterns *PatternTracker) *Engine {
	if cfg.RetryLimit <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg, reg: reg, patterns: patterns}
}

// ShouldAdapt reports whether the plan warrants a rewrite: an explicit replan
// flag, an evaluation asking for one, a high error ratio, or pending steps
// with nothing running to unblock them.
func (e *Engine) ShouldAdapt(p *plan.Plan, ev *quality.Result, replanFlag bool) bool {
	if replanFlag {
		return true
	}
	if ev != nil && ev.NeedsAdaptation {
		return true
	}
	if errorRatio(p) > e.cfg.ErrorRatioLimit {
		return true
	}
	return stalled(p)
}

// Adapt selects and applies one strategy, first match wins. subject is the
// step whose outcome triggered the call (nil for stall triggers). Every
// applied strategy appends one audit record to the plan's history.
func (e *Engine) Adapt(p *plan.Plan, subject *plan.Step, ev *quality.Result, trigger Trigger) Strategy {
	if subject != nil && ev != nil {
		e.patterns.Record(subject.Kind, ev.Issues)
	}

	failed := p.ByStatus(plan.StatusFailed)
	var retryable, exhausted []*plan.Step
	for _, s := range failed {
		if s.RetryCount < e.cfg.RetryLimit {
			retryable = append(retryable, s)
		} else {
			exhausted = append(exhausted, s)
		}
	}

	switch {
	case len(retryable) > 0:
		return e.retryFailed(p, retryable, trigger)
	case len(exhausted) > 0:
		return e.skipFailed(p, exhausted, trigger)
	case ev != nil && subject != nil && ev.Overall < e.cfg.ConfidenceFloor &&
		!alreadyExpanded(p, subject) && inferKind(e.reg, ev.Issues) != "":
		return e.addSteps(p, subject, ev, trigger)
	case ev != nil && ev.Completeness < e.cfg.CompletenessFloor:
		return e.simplify(p, trigger)
	case totalErrors(p) > e.cfg.ErrorCountLimit:
		return e.reorder(p, trigger)
	default:
		return StrategyNone
	}
}

func (e *Engine) retryFailed(p *plan.Plan, steps []*plan.Step, trigger Trigger) Strategy {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		s.Status = plan.StatusPending
		s.Err = ""
		ids = append(ids, s.ID)
	}
	e.record(p, trigger, StrategyRetryFailed,
		fmt.Sprintf("re-queued %d failed step(s) for retry", len(ids)), ids, nil)
	return StrategyRetryFailed
}

func (e *Engine) skipFailed(p *plan.Plan, steps []*plan.Step, trigger Trigger) Strategy {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		s.Status = plan.StatusSkipped
		ids = append(ids, s.ID)
	}
	e.record(p, trigger, StrategySkipFailed,
		fmt.Sprintf("skipped %d step(s) past the retry limit", len(ids)), ids, nil)
	return StrategySkipFailed
}

func (e *Engine) addSteps(p *plan.Plan, subject *plan.Step, ev *quality.Result, trigger Trigger) Strategy {
	kind := inferKind(e.reg, ev.Issues)
	entry, _ := e.reg.Get(kind)
	inserted := &plan.Step{
		ID:        kind + "-" + uuid.New().String()[:8],
		Kind:      kind,
		Status:    plan.StatusPending,
		DependsOn: append([]string(nil), entry.DependsOn...),
		Reasoning: fmt.Sprintf("inserted to supply data missing from %s: %s",
			subject.ID, strings.Join(ev.Issues, "; ")),
	}
	// Keep the inserted step's own catalog dependencies only when the plan
	// already carries them; it must stay schedulable.
	var deps []string
	for _, dep := range inserted.DependsOn {
		if p.Step(dep) != nil {
			deps = append(deps, dep)
		}
	}
	inserted.DependsOn = deps

	p.Steps = append(p.Steps, inserted)
	subject.DependsOn = append(subject.DependsOn, inserted.ID)
	subject.Status = plan.StatusPending
	subject.Result = nil
	subject.Err = ""

	e.record(p, trigger, StrategyAddSteps,
		fmt.Sprintf("added upstream %s step for %s", kind, subject.ID),
		[]string{subject.ID}, []string{inserted.ID})
	return StrategyAddSteps
}

func (e *Engine) reorder(p *plan.Plan, trigger Trigger) Strategy {
	optimized, _ := plan.ValidateAndOptimize(p, e.reg)
	ids := make([]string, 0)
	for i := range p.Steps {
		if p.Steps[i].ID != optimized.Steps[i].ID {
			ids = append(ids, p.Steps[i].ID)
		}
	}
	p.Steps = optimized.Steps
	e.record(p, trigger, StrategyReorder,
		"re-partitioned pending steps after repeated errors", ids, nil)
	return StrategyReorder
}

func (e *Engine) simplify(p *plan.Plan, trigger Trigger) Strategy {
	required := e.reg.RequiredKinds()
	var touched []string
	for _, s := range p.Steps {
		if _, keep := required[s.Kind]; keep || s.Status == plan.StatusCompleted {
			continue
		}
		switch s.Status {
		case plan.StatusFailed:
			s.Status = plan.StatusSkipped
			touched = append(touched, s.ID)
		case plan.StatusPending, plan.StatusReady:
			s.Optional = true
			touched = append(touched, s.ID)
		}
	}
	e.record(p, trigger, StrategySimplify,
		"reduced the plan to required kinds plus completed work", touched, nil)
	return StrategySimplify
}

func (e *Engine) record(p *plan.Plan, trigger Trigger, strategy Strategy, reason string, original, inserted []string) {
	p.History = append(p.History, plan.AdaptationRecord{
		Time:            time.Now(),
		Reason:          reason,
		Trigger:         string(trigger),
		Strategy:        string(strategy),
		OriginalStepIDs: original,
		NewStepIDs:      inserted,
	})
}

// errorRatio is failures over completions; a failure with nothing completed
// yet counts as a full ratio.
func errorRatio(p *plan.Plan) float64 {
	counts := p.Counts()
	errs := counts[plan.StatusFailed]
	done := counts[plan.StatusCompleted]
	if errs == 0 {
		return 0
	}
	if done == 0 {
		return 1
	}
	return float64(errs) / float64(done)
}

func totalErrors(p *plan.Plan) int {
	total := 0
	for _, s := range p.Steps {
		total += s.RetryCount
	}
	return total
}

// alreadyExpanded guards add_steps against inserting the same upstream help
// for a step twice.
func alreadyExpanded(p *plan.Plan, subject *plan.Step) bool {
	for _, rec := range p.History {
		if rec.Strategy != string(StrategyAddSteps) {
			continue
		}
		for _, id := range rec.OriginalStepIDs {
			if id == subject.ID {
				return true
			}
		}
	}
	return false
}

func stalled(p *plan.Plan) bool {
	counts := p.Counts()
	if counts[plan.StatusRunning] > 0 || counts[plan.StatusReady] > 0 || counts[plan.StatusSuspended] > 0 {
		return false
	}
	return counts[plan.StatusPending] > 0
}

// Keyword routing from evaluation issues to the upstream kind that can supply
// the missing data category.
var issueKinds = []struct {
	keyword string
	kind    string
}{
	{"entit", "entity-extraction"},
	{"class", "document-classification"},
	{"event", "timeline"},
	{"date", "timeline"},
	{"discrepanc", "discrepancy-detection"},
}

func inferKind(reg *catalog.Registry, issues []string) string {
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		for _, ik := range issueKinds {
			if strings.Contains(lower, ik.keyword) {
				if _, ok := reg.Get(ik.kind); ok {
					return ik.kind
				}
			}
		}
	}
	return ""
}
