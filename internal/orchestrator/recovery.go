package orchestrator

import (
	"context"
	"time"

	"github.com/basket/taskweave/internal/persistence"
)

// RecoverStaleRuns sweeps persisted in_progress runs older than the stale
// threshold that no live execution in this process owns, force-cancels
// them, and resets their plans to pending so the queue can be restarted.
// Returns the number of runs recovered. Run at startup and periodically.
func (o *Orchestrator) RecoverStaleRuns(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-o.cfg.StaleRunMaxAge)
	stale, err := o.store.StaleRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, run := range stale {
		if o.tracker.Get(run.ID) != nil {
			// Live in this process; started_at age alone does not make a
			// tracked run stale.
			continue
		}
		applied, err := o.store.FinalizeRun(ctx, run.ID, persistence.RunStatusCancelled, persistence.FinalizeInput{
			StopReason: "stale",
			Reason:     reasonStaleCancelled,
		})
		if err != nil {
			o.logger.Error("stale run recovery failed", "run_id", run.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		recovered++
		o.logger.Warn("stale run recovered", "run_id", run.ID, "task_id", run.TaskID, "plan_id", run.PlanID)

		plan, err := o.store.GetPlan(ctx, run.PlanID)
		if err != nil || plan == nil {
			continue
		}
		if plan.Status == persistence.PlanStatusInProgress && !o.queueRunning(run.PlanID) {
			if err := o.store.UpdatePlanStatus(ctx, run.PlanID, persistence.PlanStatusPending); err != nil {
				o.logger.Error("reset stale plan failed", "plan_id", run.PlanID, "error", err)
			}
		}
	}
	return recovered, nil
}
