package events

import (
	"sync"
	"time"
)

type Type string

const (
	RunStarted        Type = "run_started"
	StepReady         Type = "step_ready"
	StepCompleted     Type = "step_completed"
	StepSuspended     Type = "step_suspended"
	FeedbackRequested Type = "feedback_requested"
	AdaptationApplied Type = "adaptation_applied"
	RunCompleted      Type = "run_completed"
)

// Event is one typed notification emitted by the orchestrator. Transports
// (REPL, HTTP streaming, queues) subscribe to the bus; the orchestrator never
// depends on them.
type Event struct {
	Type  Type           `json:"type"`
	RunID string         `json:"run_id,omitempty"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Bus is an in-process fan-out channel for events. Publishing never blocks:
// a subscriber that falls behind loses events rather than stalling a run.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe returns a receive channel and a cancel function. The buffer bounds
// how far a slow consumer may lag before events are dropped.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default: // drop for slow subscribers
		}
	}
}
