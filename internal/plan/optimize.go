package plan

import (
	"fmt"
	"sort"
	"time"

	"caseline/internal/catalog"
)

// Issue codes reported by ValidateAndOptimize.
const (
	IssueUnknownDependency = "unknown_dependency"
	IssueDuplicateStepID   = "duplicate_step_id"
	IssueSelfDependency    = "self_dependency"
	IssueOrphanStep        = "orphan_step"
)

type Issue struct {
	Code   string `json:"code"`
	StepID string `json:"step_id"`
	Detail string `json:"detail"`
}

// Report summarizes validation findings and the duration estimate. The
// estimate is a range, not a point value: external call latency varies.
type Report struct {
	Issues      []Issue       `json:"issues,omitempty"`
	EstimateMin time.Duration `json:"estimate_min"`
	EstimateMax time.Duration `json:"estimate_max"`
	Independent int           `json:"independent"`
	Dependent   int           `json:"dependent"`
}

func (r Report) Valid() bool { return len(r.Issues) == 0 }

// ValidateAndOptimize checks a plan's structure and reorders its pending steps
// so independent work surfaces first. The input plan is never mutated; the
// same input always yields the same output.
func ValidateAndOptimize(p *Plan, reg *catalog.Registry) (*Plan, Report) {
	out := p.Clone()
	var rep Report

	ids := make(map[string]int)
	for _, s := range out.Steps {
		ids[s.ID]++
	}
	for id, n := range ids {
		if n > 1 {
			rep.Issues = append(rep.Issues, Issue{
				Code: IssueDuplicateStepID, StepID: id,
				Detail: fmt.Sprintf("step id used %d times", n),
			})
		}
	}
	for _, s := range out.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				rep.Issues = append(rep.Issues, Issue{
					Code: IssueSelfDependency, StepID: s.ID,
					Detail: "step depends on itself",
				})
				continue
			}
			if _, ok := ids[dep]; !ok {
				rep.Issues = append(rep.Issues, Issue{
					Code: IssueUnknownDependency, StepID: s.ID,
					Detail: fmt.Sprintf("dependency %q is not in the plan", dep),
				})
			}
		}
	}
	for _, s := range out.Steps {
		if !reachableFromRequested(out, s) {
			rep.Issues = append(rep.Issues, Issue{
				Code: IssueOrphanStep, StepID: s.ID,
				Detail: "step is not reachable from any requested step",
			})
		}
	}
	sort.Slice(rep.Issues, func(i, j int) bool {
		if rep.Issues[i].Code != rep.Issues[j].Code {
			return rep.Issues[i].Code < rep.Issues[j].Code
		}
		return rep.Issues[i].StepID < rep.Issues[j].StepID
	})

	for _, s := range out.Steps {
		if kind, ok := reg.Get(s.Kind); ok {
			rep.EstimateMin += kind.MinDuration()
			rep.EstimateMax += kind.MaxDuration()
		}
	}

	// Partition pending steps: independent steps (kind declares no
	// dependencies and none are unmet) run cheapest first to surface early
	// wins; dependent steps follow, fewest dependencies first. Steps in other
	// statuses keep their position.
	var independent, dependent []*Step
	for _, s := range out.Steps {
		if s.Status != StatusPending {
			continue
		}
		kind, ok := reg.Get(s.Kind)
		if ok && len(kind.DependsOn) == 0 && len(s.DependsOn) == 0 {
			independent = append(independent, s)
		} else {
			dependent = append(dependent, s)
		}
	}
	rep.Independent = len(independent)
	rep.Dependent = len(dependent)

	sort.SliceStable(independent, func(i, j int) bool {
		ki, _ := reg.Get(independent[i].Kind)
		kj, _ := reg.Get(independent[j].Kind)
		return ki.Midpoint() < kj.Midpoint()
	})
	sort.SliceStable(dependent, func(i, j int) bool {
		return len(dependent[i].DependsOn) < len(dependent[j].DependsOn)
	})

	ordered := append(append([]*Step(nil), independent...), dependent...)
	next := 0
	for i, s := range out.Steps {
		if s.Status == StatusPending {
			out.Steps[i] = ordered[next]
			next++
		}
	}
	return out, rep
}

// reachableFromRequested walks dependency edges downward from every requested
// step.
func reachableFromRequested(p *Plan, target *Step) bool {
	if target.Requested {
		return true
	}
	seen := make(map[string]bool)
	var walk func(s *Step) bool
	walk = func(s *Step) bool {
		if s.ID == target.ID {
			return true
		}
		if seen[s.ID] {
			return false
		}
		seen[s.ID] = true
		for _, dep := range s.DependsOn {
			if d := p.Step(dep); d != nil && walk(d) {
				return true
			}
		}
		return false
	}
	for _, s := range p.Steps {
		if s.Requested && walk(s) {
			return true
		}
	}
	return false
}
