package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"caseline/internal/events"
)

func TestResolveDeliversAnswer(t *testing.T) {
	g := NewGate(nil, FallbackSkip)
	req := g.Open("run1", KindConfirmation, "proceed?", []string{"yes", "no"}, time.Minute)

	go func() {
		if !g.Resolve(req.ID, Response{Value: "yes", Approved: true}) {
			t.Error("Resolve of a pending request returned false")
		}
	}()

	resp, err := g.Await(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if !resp.Approved || resp.Value != "yes" {
		t.Errorf("Unexpected response: %+v", resp)
	}
}

func TestResolveExactlyOnce(t *testing.T) {
	g := NewGate(nil, FallbackSkip)
	req := g.Open("run1", KindChoice, "pick one", []string{"a", "b"}, time.Minute)

	if !g.Resolve(req.ID, Response{Value: "a"}) {
		t.Fatal("First Resolve must win")
	}
	if g.Resolve(req.ID, Response{Value: "b"}) {
		t.Fatal("Second Resolve must lose")
	}

	resp, err := g.Await(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if resp.Value != "a" {
		t.Errorf("Response = %q, the first resolution must stand", resp.Value)
	}
}

func TestTimeoutAppliesAndLateAnswerLoses(t *testing.T) {
	g := NewGate(nil, FallbackSkip)
	req := g.Open("run1", KindClarification, "which account?", nil, 20*time.Millisecond)

	_, err := g.Await(context.Background(), req.ID)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Expected ErrTimedOut, got: %v", err)
	}
	if g.Resolve(req.ID, Response{Value: "late"}) {
		t.Error("An answer after the timeout must be rejected")
	}
}

func TestAwaitUnknownRequest(t *testing.T) {
	g := NewGate(nil, FallbackSkip)
	if _, err := g.Await(context.Background(), "nope"); err == nil {
		t.Fatal("Expected an error for an unknown request id")
	}
}

func TestPendingFiltersByRun(t *testing.T) {
	g := NewGate(nil, FallbackSkip)
	a := g.Open("run-a", KindConfirmation, "a?", nil, time.Minute)
	g.Open("run-b", KindConfirmation, "b?", nil, time.Minute)

	if got := len(g.Pending("")); got != 2 {
		t.Fatalf("Pending(\"\") = %d, expected 2", got)
	}
	onlyA := g.Pending("run-a")
	if len(onlyA) != 1 || onlyA[0].ID != a.ID {
		t.Fatalf("Pending(run-a) = %v", onlyA)
	}

	g.Resolve(a.ID, Response{Approved: true})
	if got := len(g.Pending("run-a")); got != 0 {
		t.Errorf("Resolved request still listed as pending")
	}
}

func TestExpireRun(t *testing.T) {
	g := NewGate(nil, FallbackAbort)
	req := g.Open("run1", KindConfirmation, "still there?", nil, time.Hour)

	g.ExpireRun("run1")
	_, err := g.Await(context.Background(), req.ID)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Expected ErrTimedOut after ExpireRun, got: %v", err)
	}
	if got := len(g.Pending("run1")); got != 0 {
		t.Errorf("Expired run still has %d pending requests", got)
	}
}

func TestOpenPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	g := NewGate(bus, FallbackSkip)
	req := g.Open("run1", KindChoice, "pick", []string{"x"}, time.Minute)

	select {
	case evt := <-ch:
		if evt.Type != events.FeedbackRequested {
			t.Fatalf("Event type = %s, expected feedback_requested", evt.Type)
		}
		if evt.Data["request_id"] != req.ID {
			t.Errorf("Event carries request id %v, expected %s", evt.Data["request_id"], req.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("No event published for the opened request")
	}
}

func TestAwaitHonorsContext(t *testing.T) {
	g := NewGate(nil, FallbackSkip)
	req := g.Open("run1", KindConfirmation, "?", nil, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Await(ctx, req.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got: %v", err)
	}
}

func TestTerminalRequestsArePruned(t *testing.T) {
	g := NewGate(nil, FallbackSkip)
	g.retain = 10 * time.Millisecond

	answered := g.Open("run1", KindConfirmation, "proceed?", nil, time.Minute)
	if !g.Resolve(answered.ID, Response{Value: "yes", Approved: true}) {
		t.Fatal("Resolve failed for a pending request")
	}
	expired := g.Open("run1", KindClarification, "which doc?", nil, 5*time.Millisecond)
	if _, err := g.Await(context.Background(), expired.ID); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Await = %v, expected ErrTimedOut", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		n := len(g.requests)
		g.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Request map still holds %d entries", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// An answer for a pruned request is rejected, not revived.
	if g.Resolve(answered.ID, Response{Value: "no"}) {
		t.Error("Resolve succeeded for a pruned request")
	}
}
