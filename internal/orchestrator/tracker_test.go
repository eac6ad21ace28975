package orchestrator

import (
	"testing"
	"time"

	"github.com/basket/taskweave/internal/persistence"
)

func TestTracker_RegisterAndLookup(t *testing.T) {
	tr := NewTracker()
	a := tr.Register("run-1", "plan-1", "task-1")
	tr.Register("run-2", "plan-1", "task-2")
	tr.Register("run-3", "plan-2", "task-3")

	if got := tr.Get("run-1"); got != a {
		t.Fatal("Get returned a different handle")
	}
	if got := tr.Get("missing"); got != nil {
		t.Fatalf("Get(missing) = %+v, want nil", got)
	}
	if got := tr.ForPlan("plan-1"); len(got) != 2 {
		t.Fatalf("ForPlan(plan-1) returned %d handles, want 2", len(got))
	}
	if tr.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tr.Len())
	}
}

func TestTracker_ResolveSettlesOnce(t *testing.T) {
	tr := NewTracker()
	a := tr.Register("run-1", "plan-1", "task-1")

	tr.Resolve("run-1", persistence.RunStatusCancelled)
	// A late writer must not overwrite the first terminal status.
	tr.Resolve("run-1", persistence.RunStatusCompleted)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed")
	}
	if a.Final() != persistence.RunStatusCancelled {
		t.Fatalf("final = %s, want cancelled", a.Final())
	}
	if tr.Get("run-1") != nil {
		t.Fatal("resolved run still tracked")
	}
}

func TestActiveRun_RequestCancelFirstWins(t *testing.T) {
	tr := NewTracker()
	a := tr.Register("run-1", "plan-1", "task-1")

	if !a.RequestCancel() {
		t.Fatal("first RequestCancel should report true")
	}
	if a.RequestCancel() {
		t.Fatal("second RequestCancel should report false")
	}
	if !a.CancelRequested() {
		t.Fatal("CancelRequested should be set")
	}
}
