package plan

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended" // blocked on a feedback request
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Strategy is a scheduling hint carried by the plan.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel-independent"
	StrategySequential Strategy = "sequential"
	StrategyMixed      Strategy = "mixed"
)

// Step is one scheduled unit of analysis work within a run.
type Step struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Status     Status         `json:"status"`
	DependsOn  []string       `json:"depends_on"`
	RetryCount int            `json:"retry_count"`
	Result     map[string]any `json:"result,omitempty"`
	Err        string         `json:"error,omitempty"`
	// Reasoning explains why the step was scheduled. Always non-empty.
	Reasoning string `json:"reasoning"`
	// Requested marks the roots the caller asked for, as opposed to steps
	// pulled in as dependencies or inserted by an adaptation.
	Requested bool `json:"requested"`
	// Optional steps do not block run completion (set by simplify).
	Optional bool `json:"optional,omitempty"`
	// FeedbackID is set while the step is suspended on a feedback request.
	FeedbackID string `json:"feedback_id,omitempty"`
}

// AdaptationRecord is an immutable audit entry for one applied plan rewrite.
type AdaptationRecord struct {
	Time            time.Time `json:"time"`
	Reason          string    `json:"reason"`
	Trigger         string    `json:"trigger"`
	Strategy        string    `json:"strategy"`
	OriginalStepIDs []string  `json:"original_step_ids,omitempty"`
	NewStepIDs      []string  `json:"new_step_ids,omitempty"`
}

// Plan is the step DAG for a single run. It is owned by the scheduler; the
// adaptation engine mutates it only while invoked synchronously from there.
type Plan struct {
	RunID    string             `json:"run_id"`
	Goal     string             `json:"goal"`
	Steps    []*Step            `json:"steps"`
	Strategy Strategy           `json:"strategy"`
	History  []AdaptationRecord `json:"adaptation_history,omitempty"`
}

// Step returns the step with the given id, or nil.
func (p *Plan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// DepsSatisfied reports whether every dependency is completed or skipped.
func (p *Plan) DepsSatisfied(s *Step) bool {
	for _, dep := range s.DependsOn {
		d := p.Step(dep)
		if d == nil {
			return false
		}
		if d.Status != StatusCompleted && d.Status != StatusSkipped {
			return false
		}
	}
	return true
}

// DepFailed reports whether some dependency is failed (possibly retryable).
func (p *Plan) DepFailed(s *Step) bool {
	for _, dep := range s.DependsOn {
		if d := p.Step(dep); d != nil && d.Status == StatusFailed {
			return true
		}
	}
	return false
}

// DepDegraded reports whether some dependency failed or was skipped, meaning
// the step would run on incomplete upstream data. The scheduler sheds
// optional steps in this state instead of dispatching them.
func (p *Plan) DepDegraded(s *Step) bool {
	if p.DepFailed(s) {
		return true
	}
	for _, dep := range s.DependsOn {
		if d := p.Step(dep); d != nil && d.Status == StatusSkipped {
			return true
		}
	}
	return false
}

// ByStatus returns the steps currently in the given status, in plan order.
func (p *Plan) ByStatus(status Status) []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Status == status {
			out = append(out, s)
		}
	}
	return out
}

// Counts tallies steps per status.
func (p *Plan) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}

// Settled reports whether every step reached a terminal step status.
func (p *Plan) Settled() bool {
	for _, s := range p.Steps {
		switch s.Status {
		case StatusCompleted, StatusSkipped, StatusFailed:
		default:
			return false
		}
	}
	return true
}

// Clone deep-copies the plan so the optimizer can stay side-effect free.
func (p *Plan) Clone() *Plan {
	cp := &Plan{
		RunID:    p.RunID,
		Goal:     p.Goal,
		Strategy: p.Strategy,
		Steps:    make([]*Step, len(p.Steps)),
		History:  append([]AdaptationRecord(nil), p.History...),
	}
	for i, s := range p.Steps {
		dup := *s
		dup.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Result != nil {
			b, err := json.Marshal(s.Result)
			if err == nil {
				var r map[string]any
				if json.Unmarshal(b, &r) == nil {
					dup.Result = r
				}
			}
		}
		cp.Steps[i] = &dup
	}
	return cp
}
