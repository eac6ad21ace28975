package orchestrator

import (
	"github.com/basket/taskweave/internal/persistence"
)

// depSatisfied reports whether a dependency in the given status unblocks
// downstream work. A skipped dependency never blocks.
func depSatisfied(status persistence.TaskStatus) bool {
	return status == persistence.TaskStatusCompleted || status == persistence.TaskStatusSkipped
}

// Runnable returns the tasks of a plan that may start now: status pending
// and every dependency completed or skipped. The input order (ascending
// ordinal) is preserved. Pure read, no side effects.
func Runnable(tasks []persistence.Task) []persistence.Task {
	statusByID := make(map[string]persistence.TaskStatus, len(tasks))
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
	}

	var out []persistence.Task
	for _, t := range tasks {
		if t.Status != persistence.TaskStatusPending {
			continue
		}
		blocked := false
		for _, dep := range t.DependsOn {
			status, known := statusByID[dep]
			if !known || !depSatisfied(status) {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, t)
		}
	}
	return out
}

// RunnableCount returns the number of currently runnable tasks.
func RunnableCount(tasks []persistence.Task) int {
	return len(Runnable(tasks))
}

// NextRunnable returns the single next runnable task by ascending ordinal,
// or nil when none is runnable. Used by single-task execution mode.
func NextRunnable(tasks []persistence.Task) *persistence.Task {
	runnable := Runnable(tasks)
	if len(runnable) == 0 {
		return nil
	}
	next := runnable[0]
	return &next
}
