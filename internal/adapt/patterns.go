package adapt

import (
	"sort"
	"sync"
)

// KindPattern aggregates recurring evaluation issues for one step kind.
type KindPattern struct {
	Kind   string   `json:"kind"`
	Count  int      `json:"count"`
	Issues []string `json:"issues,omitempty"`
}

// PatternStore persists patterns for offline analysis.
type PatternStore interface {
	SaveErrorPattern(kind string, count int, issues []string) error
}

type patternEvent struct {
	kind   string
	issues []string
}

// PatternTracker keeps a per-kind error pattern counter across runs. Recording
// is fire-and-forget: it must never block or steer a scheduling decision.
type PatternTracker struct {
	mu     sync.Mutex
	counts map[string]*KindPattern
	ch     chan patternEvent
	done   chan struct{}
	store  PatternStore
}

func NewPatternTracker(store PatternStore) *PatternTracker {
	t := &PatternTracker{
		counts: make(map[string]*KindPattern),
		ch:     make(chan patternEvent, 256),
		done:   make(chan struct{}),
		store:  store,
	}
	go t.loop()
	return t
}

// Record notes the issues seen for a kind. Non-blocking: events are dropped
// when the tracker is saturated.
func (t *PatternTracker) Record(kind string, issues []string) {
	if t == nil || kind == "" {
		return
	}
	select {
	case t.ch <- patternEvent{kind: kind, issues: append([]string(nil), issues...)}:
	default:
	}
}

func (t *PatternTracker) loop() {
	for {
		select {
		case evt := <-t.ch:
			t.apply(evt)
		case <-t.done:
			return
		}
	}
}

func (t *PatternTracker) apply(evt patternEvent) {
	t.mu.Lock()
	pat, ok := t.counts[evt.kind]
	if !ok {
		pat = &KindPattern{Kind: evt.kind}
		t.counts[evt.kind] = pat
	}
	pat.Count++
	seen := make(map[string]bool, len(pat.Issues))
	for _, s := range pat.Issues {
		seen[s] = true
	}
	for _, s := range evt.issues {
		if !seen[s] {
			pat.Issues = append(pat.Issues, s)
		}
	}
	count, issues := pat.Count, append([]string(nil), pat.Issues...)
	t.mu.Unlock()

	if t.store != nil {
		_ = t.store.SaveErrorPattern(evt.kind, count, issues)
	}
}

// Snapshot returns the current per-kind patterns sorted by kind.
func (t *PatternTracker) Snapshot() []KindPattern {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]KindPattern, 0, len(t.counts))
	for _, pat := range t.counts {
		cp := *pat
		cp.Issues = append([]string(nil), pat.Issues...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (t *PatternTracker) Close() {
	if t == nil {
		return
	}
	close(t.done)
}
