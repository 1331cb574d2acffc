package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"caseline/internal/adapt"
	"caseline/internal/catalog"
	"caseline/internal/feedback"
	"caseline/internal/metrics"
	"caseline/internal/plan"
	"caseline/internal/quality"
	"caseline/internal/scheduler"
)

// RunResult is the terminal report pushed on the Results channel for every
// submitted run, whatever its outcome.
type RunResult struct {
	RunID   string              `json:"run_id"`
	Goal    string              `json:"goal"`
	Status  scheduler.RunStatus `json:"status"`
	Plan    *plan.Plan          `json:"plan"`
	Metrics *metrics.RunMetrics `json:"metrics,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// ValidationError carries the validation report of a plan rejected before
// execution.
type ValidationError struct {
	Report plan.Report
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Report.Issues))
	for _, is := range e.Report.Issues {
		parts = append(parts, fmt.Sprintf("%s (%s)", is.Detail, is.StepID))
	}
	return "plan rejected: " + strings.Join(parts, "; ")
}

// RunLoader is the slice of the store used to resume interrupted runs.
type RunLoader interface {
	LoadRunState(runID string) (*plan.Plan, error)
}

type queued struct {
	plan *plan.Plan
}

// Orchestrator owns the run queue: plans go in one end, results come out the
// other. Runs execute one at a time; concurrency lives inside the scheduler,
// across the steps of the active run.
type Orchestrator struct {
	env    *scheduler.Environment
	reg    *catalog.Registry
	sched  *scheduler.Scheduler
	loader RunLoader

	queue   chan queued
	Results chan RunResult

	mu        sync.Mutex
	curID     string
	curCancel context.CancelFunc
}

func New(env *scheduler.Environment, reg *catalog.Registry, handlers map[string]scheduler.Handler,
	eval *quality.Evaluator, engine *adapt.Engine, cfg scheduler.Config, loader RunLoader) *Orchestrator {
	return &Orchestrator{
		env:     env,
		reg:     reg,
		sched:   scheduler.New(env, handlers, eval, engine, cfg),
		loader:  loader,
		queue:   make(chan queued, 100),
		Results: make(chan RunResult, 100),
	}
}

// Start launches the queue consumer. It returns immediately; call Stop (or
// close the process) to end it.
func (o *Orchestrator) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case q := <-o.queue:
				o.runOne(ctx, q.plan)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Preview builds and validates a plan for the goal without enqueueing it. The
// caller shows it to the user and submits it once confirmed.
func (o *Orchestrator) Preview(goal string, requested []string) (*plan.Plan, plan.Report, error) {
	p, err := plan.Build(uuid.New().String()[:8], goal, o.reg, requested)
	if err != nil {
		return nil, plan.Report{}, err
	}
	optimized, rep := plan.ValidateAndOptimize(p, o.reg)
	if !rep.Valid() {
		return nil, rep, &ValidationError{Report: rep}
	}
	return optimized, rep, nil
}

// Submit enqueues a previewed plan. The run id comes back immediately; the
// result arrives on Results.
func (o *Orchestrator) Submit(p *plan.Plan) string {
	o.queue <- queued{plan: p}
	return p.RunID
}

// StartRun is the one-shot form: build, validate and enqueue in a single call.
func (o *Orchestrator) StartRun(goal string, requested []string) (string, error) {
	p, _, err := o.Preview(goal, requested)
	if err != nil {
		return "", err
	}
	return o.Submit(p), nil
}

// Resume reloads an interrupted run from the store and puts it back on the
// queue. Completed step results are retained; in-flight steps restart.
func (o *Orchestrator) Resume(runID string) error {
	if o.loader == nil {
		return errors.New("no store configured, cannot resume")
	}
	p, err := o.loader.LoadRunState(runID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("no stored run with id '%s'", runID)
	}
	if p.Settled() {
		return fmt.Errorf("run '%s' already finished", runID)
	}
	o.queue <- queued{plan: p}
	return nil
}

// Cancel stops the run with the given id if it is the one executing.
func (o *Orchestrator) Cancel(id string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.curID == "" {
		return false, errors.New("no run is currently executing")
	}
	if id != "" && !strings.EqualFold(o.curID, id) {
		return false, fmt.Errorf("run %s is not executing (current: %s)", id, o.curID)
	}
	o.curCancel()
	return true, nil
}

// CancelMostRecent stops whatever run is executing and returns its id.
func (o *Orchestrator) CancelMostRecent() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.curID == "" {
		return "", errors.New("no run is currently executing")
	}
	id := o.curID
	o.curCancel()
	return id, nil
}

// ResolveFeedback answers a pending feedback request. Returns false when the
// request is unknown or already resolved.
func (o *Orchestrator) ResolveFeedback(requestID string, resp feedback.Response) bool {
	return o.env.Gate.Resolve(requestID, resp)
}

// PendingFeedback lists open feedback requests, optionally scoped to one run.
func (o *Orchestrator) PendingFeedback(runID string) []*feedback.Request {
	return o.env.Gate.Pending(runID)
}

// CurrentRunID returns the id of the executing run, or "" when idle.
func (o *Orchestrator) CurrentRunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.curID
}

func (o *Orchestrator) runOne(parent context.Context, p *plan.Plan) {
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.curID = p.RunID
	o.curCancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		if o.curID == p.RunID {
			o.curID = ""
			o.curCancel = nil
		}
		o.mu.Unlock()
	}()

	status, rm, err := o.sched.Run(ctx, p)
	res := RunResult{
		RunID:   p.RunID,
		Goal:    p.Goal,
		Status:  status,
		Plan:    p,
		Metrics: rm,
	}
	if err != nil {
		res.Error = err.Error()
	}
	o.Results <- res
}
