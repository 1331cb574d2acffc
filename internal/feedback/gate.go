package feedback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"caseline/internal/events"
)

type Kind string

const (
	KindClarification Kind = "clarification"
	KindConfirmation  Kind = "confirmation"
	KindChoice        Kind = "choice"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusTimedOut Status = "timed_out"
)

// Fallback is what the scheduler applies to a step whose request timed out.
type Fallback string

const (
	FallbackSkip  Fallback = "skip"
	FallbackRetry Fallback = "retry"
	FallbackAbort Fallback = "abort"
)

var ErrTimedOut = errors.New("feedback request timed out")

type Response struct {
	Value    string `json:"value"`
	Approved bool   `json:"approved"`
}

// Request is a single human escalation. It is resolved exactly once, either
// by an answer or by its deadline, and is immutable afterwards.
type Request struct {
	ID        string    `json:"request_id"`
	RunID     string    `json:"run_id"`
	Kind      Kind      `json:"kind"`
	Prompt    string    `json:"prompt"`
	Options   []string  `json:"options,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	TimeoutAt time.Time `json:"timeout_at"`
	Response  *Response `json:"response,omitempty"`

	done  chan struct{}
	timer *time.Timer
}

// Gate mediates bounded-time human decisions. A blocked Await never occupies
// a scheduler worker slot; the scheduler parks suspended steps instead.
type Gate struct {
	mu       sync.Mutex
	requests map[string]*Request
	bus      *events.Bus
	fallback Fallback
	// retain is how long a terminal request stays addressable before it is
	// pruned. The window lets a waiter that lost the race with a very early
	// answer still read the response by id.
	retain time.Duration
}

func NewGate(bus *events.Bus, fallback Fallback) *Gate {
	if fallback == "" {
		fallback = FallbackSkip
	}
	return &Gate{
		requests: make(map[string]*Request),
		bus:      bus,
		fallback: fallback,
		retain:   time.Minute,
	}
}

func (g *Gate) Fallback() Fallback { return g.fallback }

// Open creates and publishes a pending request with the given deadline.
func (g *Gate) Open(runID string, kind Kind, prompt string, options []string, timeout time.Duration) *Request {
	now := time.Now()
	req := &Request{
		ID:        uuid.New().String()[:8],
		RunID:     runID,
		Kind:      kind,
		Prompt:    prompt,
		Options:   append([]string(nil), options...),
		Status:    StatusPending,
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
		done:      make(chan struct{}),
	}
	g.mu.Lock()
	g.requests[req.ID] = req
	req.timer = time.AfterFunc(timeout, func() { g.expire(req.ID) })
	g.mu.Unlock()

	if g.bus != nil {
		g.bus.Publish(events.Event{
			Type:  events.FeedbackRequested,
			RunID: runID,
			Data: map[string]any{
				"request_id": req.ID,
				"kind":       string(kind),
				"prompt":     prompt,
				"options":    req.Options,
			},
		})
	}
	return req
}

// Await blocks until the request is resolved or ctx is done. On timeout it
// returns ErrTimedOut; the caller applies the configured fallback.
func (g *Gate) Await(ctx context.Context, id string) (*Response, error) {
	g.mu.Lock()
	req, ok := g.requests[id]
	g.mu.Unlock()
	if !ok {
		return nil, errors.New("unknown feedback request: " + id)
	}
	select {
	case <-req.done:
	case <-ctx.Done():
		g.expire(id)
		return nil, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.Status == StatusAnswered {
		return req.Response, nil
	}
	return nil, ErrTimedOut
}

// Ask is the blocking convenience form: open a request and wait it out.
func (g *Gate) Ask(ctx context.Context, runID string, kind Kind, prompt string, options []string, timeout time.Duration) (*Response, error) {
	req := g.Open(runID, kind, prompt, options, timeout)
	return g.Await(ctx, req.ID)
}

// Resolve answers a pending request. Exactly one resolution wins; a second
// attempt, or an answer arriving after the timeout, returns false.
func (g *Gate) Resolve(id string, resp Response) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	if !ok || req.Status != StatusPending {
		return false
	}
	req.Status = StatusAnswered
	req.Response = &resp
	if req.timer != nil {
		req.timer.Stop()
	}
	close(req.done)
	g.removeLater(id)
	return true
}

// removeLater prunes a terminal request after the retention window so the
// request map stays bounded over the life of the process.
func (g *Gate) removeLater(id string) {
	time.AfterFunc(g.retain, func() {
		g.mu.Lock()
		delete(g.requests, id)
		g.mu.Unlock()
	})
}

// Pending lists unresolved requests, optionally filtered by run.
func (g *Gate) Pending(runID string) []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Request
	for _, req := range g.requests {
		if req.Status == StatusPending && (runID == "" || req.RunID == runID) {
			out = append(out, req)
		}
	}
	return out
}

// ExpireRun forcibly times out every pending request owned by a run. Called
// when the run reaches a terminal state so no request is orphaned.
func (g *Gate) ExpireRun(runID string) {
	g.mu.Lock()
	var ids []string
	for id, req := range g.requests {
		if req.RunID == runID && req.Status == StatusPending {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.expire(id)
	}
}

func (g *Gate) expire(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[id]
	if !ok || req.Status != StatusPending {
		return
	}
	req.Status = StatusTimedOut
	if req.timer != nil {
		req.timer.Stop()
	}
	close(req.done)
	g.removeLater(id)
}
