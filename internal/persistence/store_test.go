package persistence

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedPlan(t *testing.T, store *Store, specs ...TaskSpec) (string, []string) {
	t.Helper()
	ctx := context.Background()
	planID, err := store.CreatePlan(ctx, "test plan")
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	var taskIDs []string
	for _, spec := range specs {
		id, err := store.CreateTask(ctx, planID, spec)
		if err != nil {
			t.Fatalf("create task: %v", err)
		}
		taskIDs = append(taskIDs, id)
	}
	return planID, taskIDs
}

func TestOpen_ReopenValidatesLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	store, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	_ = store.Close()
}

func TestCreatePlanAndTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	planID, taskIDs := seedPlan(t, store,
		TaskSpec{Ordinal: 1, Title: "first"},
		TaskSpec{Ordinal: 2, Title: "second", DependsOn: []string{"placeholder"}},
	)

	plan, err := store.GetPlan(ctx, planID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan == nil || plan.Status != PlanStatusPending {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	tasks, err := store.ListTasks(ctx, planID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != taskIDs[0] || tasks[1].ID != taskIDs[1] {
		t.Fatal("tasks not ordered by ordinal")
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != "placeholder" {
		t.Fatalf("depends_on did not round-trip: %v", tasks[1].DependsOn)
	}
	if tasks[0].DependsOn == nil {
		t.Fatal("depends_on should decode to an empty slice, not nil")
	}
}

func TestGetPlan_AbsentReturnsNil(t *testing.T) {
	store := openTestStore(t)
	plan, err := store.GetPlan(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan != nil {
		t.Fatalf("expected nil plan, got %+v", plan)
	}
}

func TestTransitionTask_GuardedByCurrentStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, taskIDs := seedPlan(t, store, TaskSpec{Ordinal: 1, Title: "t"})
	taskID := taskIDs[0]

	ok, err := store.TransitionTask(ctx, taskID, []TaskStatus{TaskStatusPending}, TaskStatusInProgress, "task.started", "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to apply")
	}

	// Same transition again: the task is no longer pending, so this is a no-op.
	ok, err = store.TransitionTask(ctx, taskID, []TaskStatus{TaskStatusPending}, TaskStatusInProgress, "task.started", "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatal("transition should not apply twice")
	}
}

func TestTransitionTask_IllegalTransitionErrors(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, taskIDs := seedPlan(t, store, TaskSpec{Ordinal: 1, Title: "t"})

	// pending -> skipped is not a legal edge: skip applies to failed tasks.
	if _, err := store.TransitionTask(ctx, taskIDs[0], []TaskStatus{TaskStatusPending}, TaskStatusSkipped, "", ""); err == nil {
		t.Fatal("expected illegal transition error")
	}
}

func TestUpdatePlanStatus_MissingPlan(t *testing.T) {
	store := openTestStore(t)
	if err := store.UpdatePlanStatus(context.Background(), "missing", PlanStatusFailed); err == nil {
		t.Fatal("expected error for missing plan")
	}
}
