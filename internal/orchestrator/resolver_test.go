package orchestrator

import (
	"testing"

	"github.com/basket/taskweave/internal/persistence"
)

func task(id string, status persistence.TaskStatus, deps ...string) persistence.Task {
	return persistence.Task{ID: id, Status: status, DependsOn: deps}
}

func ids(tasks []persistence.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestRunnable_DiamondDependency(t *testing.T) {
	// a -> {b, c} -> d
	tasks := []persistence.Task{
		task("a", persistence.TaskStatusPending),
		task("b", persistence.TaskStatusPending, "a"),
		task("c", persistence.TaskStatusPending, "a"),
		task("d", persistence.TaskStatusPending, "b", "c"),
	}

	got := ids(Runnable(tasks))
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("initial runnable %v, want [a]", got)
	}

	tasks[0].Status = persistence.TaskStatusCompleted
	got = ids(Runnable(tasks))
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("after a: runnable %v, want [b c]", got)
	}

	tasks[1].Status = persistence.TaskStatusCompleted
	got = ids(Runnable(tasks))
	if len(got) != 1 || got[0] != "c" {
		t.Fatalf("after a,b: runnable %v, want [c]", got)
	}

	tasks[2].Status = persistence.TaskStatusCompleted
	got = ids(Runnable(tasks))
	if len(got) != 1 || got[0] != "d" {
		t.Fatalf("after a,b,c: runnable %v, want [d]", got)
	}
}

func TestRunnable_SkippedDependencySatisfies(t *testing.T) {
	tasks := []persistence.Task{
		task("a", persistence.TaskStatusSkipped),
		task("b", persistence.TaskStatusPending, "a"),
	}
	got := ids(Runnable(tasks))
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("runnable %v, want [b]", got)
	}
}

func TestRunnable_FailedAndInProgressDependenciesBlock(t *testing.T) {
	tasks := []persistence.Task{
		task("a", persistence.TaskStatusFailed),
		task("b", persistence.TaskStatusInProgress),
		task("c", persistence.TaskStatusPending, "a"),
		task("d", persistence.TaskStatusPending, "b"),
	}
	if got := Runnable(tasks); len(got) != 0 {
		t.Fatalf("runnable %v, want none", ids(got))
	}
}

func TestRunnable_UnknownDependencyBlocks(t *testing.T) {
	tasks := []persistence.Task{
		task("a", persistence.TaskStatusPending, "ghost"),
	}
	if got := Runnable(tasks); len(got) != 0 {
		t.Fatalf("runnable %v, want none", ids(got))
	}
}

func TestNextRunnable_OrdinalOrder(t *testing.T) {
	// ListTasks returns ascending ordinal; NextRunnable takes the first.
	tasks := []persistence.Task{
		{ID: "a", Ordinal: 0, Status: persistence.TaskStatusCompleted},
		{ID: "b", Ordinal: 1, Status: persistence.TaskStatusPending},
		{ID: "c", Ordinal: 2, Status: persistence.TaskStatusPending},
	}
	next := NextRunnable(tasks)
	if next == nil || next.ID != "b" {
		t.Fatalf("next = %+v, want b", next)
	}

	tasks[1].Status = persistence.TaskStatusCompleted
	tasks[2].Status = persistence.TaskStatusCompleted
	if next := NextRunnable(tasks); next != nil {
		t.Fatalf("next = %+v, want nil", next)
	}
}
