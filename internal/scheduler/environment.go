package scheduler

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/time/rate"

	"caseline/internal/events"
	"caseline/internal/feedback"
	"caseline/internal/plan"
	"caseline/internal/retrieval"
)

// Inference is the slice of the external inference service the orchestrator
// consumes: context in, structured result out. Prompt construction lives
// behind this boundary.
type Inference interface {
	Invoke(ctx context.Context, task string, input map[string]any) (map[string]any, error)
}

// Retriever supplies document fragments to step handlers.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]retrieval.Fragment, error)
}

// Persistence is the slice of the store the scheduler writes through. A nil
// store disables persistence without changing scheduling behavior.
type Persistence interface {
	SaveRunState(p *plan.Plan, status string) error
	SaveStepResult(runID, stepID string, result map[string]any) error
}

// Environment bundles the shared collaborators for a process: one inference
// client, one retriever, one store, one event bus, one feedback gate and one
// process-wide rate limiter. It is constructed once at startup and passed
// explicitly; nothing in here hides behind package globals.
type Environment struct {
	Inference Inference
	Retriever Retriever
	Store     Persistence
	Events    *events.Bus
	Gate      *feedback.Gate
	Limiter   *rate.Limiter
	Log       *log.Logger
}

func (e *Environment) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// StepContext is the read-only view a handler gets of its step and run.
type StepContext struct {
	RunID   string
	Goal    string
	StepID  string
	Kind    string
	Attempt int
	// Inputs holds the results of the step's completed dependencies, keyed
	// by step id.
	Inputs map[string]map[string]any
	// Feedback carries the human answer when the step resumes after a
	// suspension; nil on the first attempt.
	Feedback *feedback.Response
	Env      *Environment
}

// Handler executes one step kind. Returning a *SuspendError parks the step on
// the feedback gate without occupying a worker slot.
type Handler func(ctx context.Context, sc *StepContext) (map[string]any, error)

// SuspendError signals that a step needs a human decision before it can
// produce a result.
type SuspendError struct {
	Kind    feedback.Kind
	Prompt  string
	Options []string
}

func (e *SuspendError) Error() string {
	return fmt.Sprintf("step suspended pending %s feedback", e.Kind)
}
