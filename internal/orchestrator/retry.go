package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/shared"
)

// RetryTask re-runs a failed task. The new run's retry ordinal is derived
// from the latest failed run, and that run's error text is handed to the
// execution service as retry context. Only failed tasks are retryable, and
// retries stop once the ordinal would exceed the configured maximum.
// The retry executes in the repository root, like single-task mode.
func (o *Orchestrator) RetryTask(ctx context.Context, taskID string) (*persistence.Run, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if task.Status != persistence.TaskStatusFailed {
		return nil, ErrNotRetryable
	}
	if o.queueRunning(task.PlanID) {
		return nil, ErrQueueRunning
	}

	ordinal := 1
	retryContext := ""
	if prev, err := o.store.LatestFailedRun(ctx, taskID); err != nil {
		return nil, err
	} else if prev != nil {
		ordinal = prev.RetryOrdinal + 1
		retryContext = prev.Error
	}
	if ordinal > o.cfg.MaxRetries {
		return nil, ErrMaxRetries
	}

	plan, err := o.store.GetPlan(ctx, task.PlanID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s not found", task.PlanID)
	}

	ctx = shared.WithPlanID(shared.WithTraceID(ctx, shared.NewTraceID()), plan.ID)
	o.logger.Info("task retry", "task_id", taskID, "retry_ordinal", ordinal)

	out := o.executeTask(ctx, *plan, *task, ordinal, retryContext, nil)
	if out.err != nil {
		return nil, out.err
	}
	return o.store.GetRun(ctx, out.runID)
}

// SkipTask marks a failed task skipped so its dependents become runnable
// without it ever succeeding.
func (o *Orchestrator) SkipTask(ctx context.Context, taskID string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	payload, _ := json.Marshal(map[string]string{"title": task.Title})
	ok, err := o.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{persistence.TaskStatusFailed},
		persistence.TaskStatusSkipped, "task.skipped", string(payload))
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRetryable
	}
	o.logger.Info("task skipped", "task_id", taskID, "plan_id", task.PlanID)
	return nil
}
