package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"caseline/internal/adapt"
	"caseline/internal/events"
	"caseline/internal/feedback"
	"caseline/internal/metrics"
	"caseline/internal/plan"
	"caseline/internal/quality"
)

// RunStatus is the terminal state a run always reaches.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partially_completed"
	RunAborted   RunStatus = "aborted"
)

// ErrAborted is returned when a feedback timeout with an abort fallback (or
// an explicit cancellation) terminates the run early.
var ErrAborted = errors.New("run aborted")

type Config struct {
	Concurrency     int
	FeedbackTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.FeedbackTimeout <= 0 {
		c.FeedbackTimeout = 2 * time.Minute
	}
	return c
}

// Scheduler drives one plan to a terminal state. It is the only component
// that mutates the plan, except for the adaptation engine which it invokes
// synchronously.
type Scheduler struct {
	env      *Environment
	handlers map[string]Handler
	eval     *quality.Evaluator
	engine   *adapt.Engine
	cfg      Config
}

func New(env *Environment, handlers map[string]Handler, eval *quality.Evaluator, engine *adapt.Engine, cfg Config) *Scheduler {
	return &Scheduler{
		env:      env,
		handlers: handlers,
		eval:     eval,
		engine:   engine,
		cfg:      cfg.withDefaults(),
	}
}

// outcome is one message from a worker or a feedback waiter back to the loop.
type outcome struct {
	step    *plan.Step
	result  map[string]any
	err     error
	suspend *SuspendError

	// set by feedback waiters
	resumed  *feedback.Response
	timedOut bool
}

// Run executes the plan until no step is ready, running, suspended, or
// pending with satisfiable dependencies. It always returns a terminal status
// with the plan carrying the full audit trail.
func (s *Scheduler) Run(ctx context.Context, p *plan.Plan) (RunStatus, *metrics.RunMetrics, error) {
	rm := &metrics.RunMetrics{RunID: p.RunID, Start: time.Now()}
	stepMetrics := make(map[string]*metrics.StepMetrics)
	prevEvals := make(map[string][]quality.Result)
	answers := make(map[string]*feedback.Response)

	s.publish(p, events.RunStarted, map[string]any{"goal": p.Goal, "steps": len(p.Steps)})
	s.persist(p, "running")

	outcomes := make(chan outcome, 64)
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	inflight, waiting := 0, 0
	aborted := false

	defer func() {
		_ = g.Wait()
	}()

	for {
		// 1. Shed optional steps whose upstream degraded, then promote the
		// pending steps whose dependencies are all settled.
		for _, st := range p.Steps {
			switch st.Status {
			case plan.StatusPending, plan.StatusReady:
			default:
				continue
			}
			if st.Optional && p.DepDegraded(st) {
				st.Status = plan.StatusSkipped
				st.Err = "optional step shed after upstream degradation"
				continue
			}
			if st.Status == plan.StatusPending && p.DepsSatisfied(st) {
				st.Status = plan.StatusReady
				s.publish(p, events.StepReady, map[string]any{"step_id": st.ID, "kind": st.Kind})
			}
		}

		// 2. Dispatch ready steps while worker slots are free.
		for _, st := range p.Steps {
			if st.Status != plan.StatusReady {
				continue
			}
			sc := &StepContext{
				RunID:    p.RunID,
				Goal:     p.Goal,
				StepID:   st.ID,
				Kind:     st.Kind,
				Attempt:  st.RetryCount + 1,
				Inputs:   s.gatherInputs(p, st),
				Feedback: answers[st.ID],
				Env:      s.env,
			}
			st := st
			if !g.TryGo(func() error {
				s.execute(ctx, sc, st, outcomes)
				return nil
			}) {
				break // pool is full, leave the rest ready
			}
			st.Status = plan.StatusRunning
			inflight++
			sm := &metrics.StepMetrics{ID: st.ID, Kind: st.Kind, Start: time.Now()}
			stepMetrics[st.ID] = sm
		}

		// 3. Nothing in flight: either the run is over or the plan stalled.
		if inflight == 0 && waiting == 0 {
			if !s.resolveStall(p) {
				break
			}
			continue
		}

		select {
		case o := <-outcomes:
			if o.resumed != nil || o.timedOut {
				waiting--
				aborted = s.handleResumption(p, o, answers)
			} else {
				inflight--
				switch {
				case o.suspend != nil:
					waiting++
					s.suspendStep(ctx, p, o.step, o.suspend, outcomes)
				case o.err != nil:
					s.failStep(p, o.step, o.err.Error(), nil, adapt.TriggerFailure)
				default:
					s.completeStep(ctx, p, o.step, o.result, prevEvals)
				}
			}
			if sm := stepMetrics[o.step.ID]; sm != nil {
				sm.End = time.Now()
				sm.Finalize()
				sm.Status = string(o.step.Status)
				sm.Retries = o.step.RetryCount
				sm.Err = o.step.Err
			}
			if aborted {
				s.cancelRun(p, "feedback timeout fallback is abort")
				s.finishRun(p, rm, stepMetrics, RunAborted)
				return RunAborted, rm, fmt.Errorf("%w: feedback timeout with abort fallback", ErrAborted)
			}

		case <-ctx.Done():
			s.cancelRun(p, "run cancelled")
			s.finishRun(p, rm, stepMetrics, RunAborted)
			return RunAborted, rm, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
		}
	}

	// Optional steps were shed from the plan on purpose, so only mandatory
	// losses downgrade the run.
	status := RunCompleted
	for _, st := range p.Steps {
		if st.Optional {
			continue
		}
		if st.Status == plan.StatusSkipped || st.Status == plan.StatusFailed {
			status = RunPartial
			break
		}
	}
	s.finishRun(p, rm, stepMetrics, status)
	return status, rm, nil
}

// execute runs one step on a worker slot. Panics become step failures so the
// run keeps going.
func (s *Scheduler) execute(ctx context.Context, sc *StepContext, st *plan.Step, outcomes chan<- outcome) {
	o := outcome{step: st}
	defer func() {
		if rec := recover(); rec != nil {
			o = outcome{step: st, err: fmt.Errorf("panic in step %s: %v", sc.StepID, rec)}
		}
		select {
		case outcomes <- o:
		case <-ctx.Done():
		}
	}()

	h, ok := s.handlers[sc.Kind]
	if !ok {
		o.err = fmt.Errorf("no handler registered for kind '%s'", sc.Kind)
		return
	}
	// Acquire a rate limiter token before every external call; waiting here
	// is bounded by the run deadline, it never fails the step on its own.
	if s.env.Limiter != nil {
		if err := s.env.Limiter.Wait(ctx); err != nil {
			o.err = fmt.Errorf("rate limiter: %w", err)
			return
		}
	}
	result, err := h(ctx, sc)
	var se *SuspendError
	if errors.As(err, &se) {
		o.suspend = se
		return
	}
	o.result, o.err = result, err
}

// suspendStep parks a step on the feedback gate. The waiter goroutine holds
// no worker slot, so other ready steps keep flowing.
func (s *Scheduler) suspendStep(ctx context.Context, p *plan.Plan, st *plan.Step, se *SuspendError, outcomes chan<- outcome) {
	req := s.env.Gate.Open(p.RunID, se.Kind, se.Prompt, se.Options, s.cfg.FeedbackTimeout)
	st.Status = plan.StatusSuspended
	st.FeedbackID = req.ID
	s.publish(p, events.StepSuspended, map[string]any{
		"step_id": st.ID, "request_id": req.ID, "prompt": se.Prompt,
	})
	s.persist(p, "running")

	go func() {
		resp, err := s.env.Gate.Await(ctx, req.ID)
		o := outcome{step: st, resumed: resp}
		if err != nil {
			o = outcome{step: st, timedOut: true}
		}
		select {
		case outcomes <- o:
		case <-ctx.Done():
		}
	}()
}

// handleResumption turns a resolved or expired feedback request back into a
// normal step transition. Returns true when the run must abort.
func (s *Scheduler) handleResumption(p *plan.Plan, o outcome, answers map[string]*feedback.Response) bool {
	st := o.step
	if st.Status != plan.StatusSuspended {
		return false
	}
	st.FeedbackID = ""
	if o.resumed != nil {
		answers[st.ID] = o.resumed
		st.Status = plan.StatusPending
		return false
	}
	// Timed out: apply the configured fallback.
	switch s.env.Gate.Fallback() {
	case feedback.FallbackRetry:
		delete(answers, st.ID)
		st.Status = plan.StatusPending
	case feedback.FallbackAbort:
		return true
	default: // skip
		st.Status = plan.StatusSkipped
		st.Err = "feedback request timed out"
	}
	return false
}

// completeStep runs the quality gate over a finished step. Results are
// write-once: a completed step's result is never replaced.
func (s *Scheduler) completeStep(ctx context.Context, p *plan.Plan, st *plan.Step, result map[string]any, prevEvals map[string][]quality.Result) {
	if st.Status != plan.StatusRunning {
		return
	}
	st.Result = result
	ev := s.eval.Evaluate(ctx, st, p.Goal, prevEvals[st.Kind])
	prevEvals[st.Kind] = append(prevEvals[st.Kind], ev)

	// Accuracy of exactly zero is the hard failure signal: treat like a
	// step failure so the retry/skip ladder applies.
	if ev.Accuracy == 0 {
		st.Result = nil
		s.failStep(p, st, "quality gate: accuracy check failed", &ev, adapt.TriggerQuality)
		return
	}

	st.Status = plan.StatusCompleted
	st.Err = ""
	if ev.NeedsAdaptation && s.engine.ShouldAdapt(p, &ev, false) {
		s.applyAdaptation(p, st, &ev, adapt.TriggerQuality)
	}
	if st.Status != plan.StatusCompleted {
		// An add_steps adaptation sent the step back for another pass.
		return
	}
	if s.env.Store != nil {
		if err := s.env.Store.SaveStepResult(p.RunID, st.ID, st.Result); err != nil {
			s.env.logf("[Scheduler] persist step %s/%s: %v", p.RunID, st.ID, err)
		}
	}
	s.persist(p, "running")
	s.publish(p, events.StepCompleted, map[string]any{
		"step_id": st.ID,
		"kind":    st.Kind,
		"summary": fmt.Sprintf("%s finished with score %.2f", st.Kind, ev.Overall),
	})
}

// failStep records a failure and immediately consults the adaptation engine,
// which decides between another attempt and skipping.
func (s *Scheduler) failStep(p *plan.Plan, st *plan.Step, msg string, ev *quality.Result, trigger adapt.Trigger) {
	if st.Status != plan.StatusRunning {
		return
	}
	st.Status = plan.StatusFailed
	st.Err = msg
	st.RetryCount++
	s.env.logf("[Scheduler] step %s/%s failed (attempt %d): %s", p.RunID, st.ID, st.RetryCount, msg)
	s.applyAdaptation(p, st, ev, trigger)
	s.persist(p, "running")
}

func (s *Scheduler) applyAdaptation(p *plan.Plan, st *plan.Step, ev *quality.Result, trigger adapt.Trigger) {
	strat := s.engine.Adapt(p, st, ev, trigger)
	if strat == adapt.StrategyNone {
		return
	}
	reason := ""
	if len(p.History) > 0 {
		reason = p.History[len(p.History)-1].Reason
	}
	s.publish(p, events.AdaptationApplied, map[string]any{
		"strategy": string(strat),
		"reason":   reason,
	})
}

// resolveStall handles a plan with pending steps but nothing in flight. One
// engine pass may unblock it; otherwise the stuck steps are skipped so the
// run still reaches a terminal state. Returns false when the run is over.
func (s *Scheduler) resolveStall(p *plan.Plan) bool {
	pending := p.ByStatus(plan.StatusPending)
	if len(pending) == 0 {
		return false
	}
	if s.engine.ShouldAdapt(p, nil, false) {
		if strat := s.engine.Adapt(p, nil, nil, adapt.TriggerStall); strat != adapt.StrategyNone {
			s.publish(p, events.AdaptationApplied, map[string]any{"strategy": string(strat)})
			for _, st := range p.ByStatus(plan.StatusPending) {
				if p.DepsSatisfied(st) {
					s.persist(p, "running")
					return true
				}
			}
		}
	}
	for _, st := range pending {
		st.Status = plan.StatusSkipped
		if st.Err == "" {
			st.Err = "dependencies cannot be satisfied"
		}
	}
	s.persist(p, "running")
	return true
}

// cancelRun skips everything still in motion and resolves open feedback
// requests. Completed results are retained.
func (s *Scheduler) cancelRun(p *plan.Plan, reason string) {
	for _, st := range p.Steps {
		switch st.Status {
		case plan.StatusPending, plan.StatusReady, plan.StatusRunning, plan.StatusSuspended:
			st.Status = plan.StatusSkipped
			if st.Err == "" {
				st.Err = reason
			}
			st.FeedbackID = ""
		}
	}
	s.env.Gate.ExpireRun(p.RunID)
}

func (s *Scheduler) finishRun(p *plan.Plan, rm *metrics.RunMetrics, stepMetrics map[string]*metrics.StepMetrics, status RunStatus) {
	for _, st := range p.Steps {
		sm, ok := stepMetrics[st.ID]
		if !ok {
			sm = &metrics.StepMetrics{ID: st.ID, Kind: st.Kind}
		}
		sm.Status = string(st.Status)
		sm.Retries = st.RetryCount
		sm.Err = st.Err
		rm.Steps = append(rm.Steps, *sm)
	}
	rm.Status = string(status)
	rm.Finalize()
	s.persist(p, string(status))
	s.publish(p, events.RunCompleted, map[string]any{"status": string(status)})
}

func (s *Scheduler) gatherInputs(p *plan.Plan, st *plan.Step) map[string]map[string]any {
	inputs := make(map[string]map[string]any)
	for _, dep := range st.DependsOn {
		if d := p.Step(dep); d != nil && d.Status == plan.StatusCompleted && d.Result != nil {
			inputs[dep] = d.Result
		}
	}
	return inputs
}

func (s *Scheduler) persist(p *plan.Plan, status string) {
	if s.env.Store == nil {
		return
	}
	if err := s.env.Store.SaveRunState(p, status); err != nil {
		s.env.logf("[Scheduler] persist run %s: %v", p.RunID, err)
	}
}

func (s *Scheduler) publish(p *plan.Plan, t events.Type, data map[string]any) {
	if s.env.Events != nil {
		s.env.Events.Publish(events.Event{Type: t, RunID: p.RunID, Data: data})
	}
}
