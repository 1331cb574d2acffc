package adapt

import (
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu    sync.Mutex
	saved map[string]int
}

func (m *memStore) SaveErrorPattern(kind string, count int, _ []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]int)
	}
	m.saved[kind] = count
	return nil
}

func waitFor(t *testing.T, tr *PatternTracker, ready func([]KindPattern) bool) []KindPattern {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snap := tr.Snapshot(); ready(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Tracker never settled: %v", tr.Snapshot())
	return nil
}

func TestPatternTrackerAggregates(t *testing.T) {
	st := &memStore{}
	tr := NewPatternTracker(st)
	defer tr.Close()

	tr.Record("timeline", []string{"unsortable dates"})
	tr.Record("timeline", []string{"unsortable dates", "missing sources"})
	tr.Record("entity-extraction", nil)

	snap := waitFor(t, tr, func(snap []KindPattern) bool {
		for _, p := range snap {
			if p.Kind == "timeline" && p.Count == 2 {
				return true
			}
		}
		return false
	})

	var timeline KindPattern
	for _, p := range snap {
		if p.Kind == "timeline" {
			timeline = p
		}
	}
	if len(timeline.Issues) != 2 {
		t.Errorf("Issues must be deduplicated, got %v", timeline.Issues)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st.mu.Lock()
		saved := st.saved["timeline"]
		st.mu.Unlock()
		if saved == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Errorf("Store saw count %d, expected 2", saved)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNilTrackerIsSafe(t *testing.T) {
	var tr *PatternTracker
	tr.Record("timeline", []string{"x"}) // must not panic
	if snap := tr.Snapshot(); snap != nil {
		t.Errorf("Nil tracker snapshot = %v", snap)
	}
	tr.Close()
}
