package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basket/taskweave/internal/persistence"
)

// CancelRun cancels one run with a two-phase protocol: a cooperative
// interrupt raced against the cancel timeout, then a force-finalize that
// only applies if the run is still in_progress. Safe to call repeatedly and
// concurrently with normal completion; whichever terminal write lands first
// wins and every later write is a no-op.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	active := o.tracker.Get(runID)
	if active == nil {
		// Nothing live owns this run. If the persisted row is still open it
		// is an orphan; force-finalize it directly.
		return o.forceCancel(ctx, runID, reasonUserCancelled)
	}

	first := active.RequestCancel()
	o.logger.Info("cancel requested", "run_id", runID, "first_request", first)

	timer := time.NewTimer(o.cfg.CancelTimeout)
	defer timer.Stop()

	if intr := active.Interrupter(); intr != nil {
		interruptErr := make(chan error, 1)
		go func() { interruptErr <- intr.Interrupt(ctx) }()

		select {
		case <-active.Done():
			return nil
		case err := <-interruptErr:
			if err != nil {
				o.logger.Warn("cooperative interrupt failed", "run_id", runID, "error", err)
				break
			}
			// Interrupt delivered; give the execution path the remainder of
			// the grace period to finalize as cancelled.
			select {
			case <-active.Done():
				return nil
			case <-timer.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		// No interrupt capability yet; wait out the grace period in case
		// the run finishes or becomes interruptible-and-finishes on its own.
		select {
		case <-active.Done():
			return nil
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.forceCancel(ctx, runID, reasonUserCancelled); err != nil {
		return err
	}
	// Unblock a service call that never honored the interrupt, then settle
	// the future for anyone waiting on this run.
	active.Stop()
	o.tracker.Resolve(runID, persistence.RunStatusCancelled)
	return nil
}

// forceCancel writes the cancelled terminal state directly. The conditional
// finalize makes this a no-op when the run already reached a terminal
// status, so a completed run is never overwritten.
func (o *Orchestrator) forceCancel(ctx context.Context, runID, reason string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	applied, err := o.store.FinalizeRun(ctx, runID, persistence.RunStatusCancelled, persistence.FinalizeInput{
		StopReason: "force_cancelled",
		Reason:     reason,
	})
	if err != nil {
		return err
	}
	if applied {
		o.logger.Info("run force-cancelled", "run_id", runID)
	}
	return nil
}

// AbortQueue aborts the running queue for a plan: the abort flag makes the
// phase loop stop at its next checkpoint, and every live run of the plan is
// cancelled now. Harmless when no queue is running.
func (o *Orchestrator) AbortQueue(ctx context.Context, planID string) error {
	o.mu.Lock()
	_, running := o.runningQueues[planID]
	if running {
		o.abortedQueues[planID] = struct{}{}
	}
	o.mu.Unlock()

	o.cancelPlanRuns(ctx, planID, ErrQueueAborted.Error())
	if !running {
		return ErrQueueNotRunning
	}
	return nil
}

// cancelPlanRuns cancels every tracked run of a plan and waits for all
// cancellations to settle.
func (o *Orchestrator) cancelPlanRuns(ctx context.Context, planID, reason string) {
	active := o.tracker.ForPlan(planID)
	if len(active) == 0 {
		return
	}
	o.logger.Info("cancelling in-flight runs", "plan_id", planID, "count", len(active), "reason", reason)

	var wg sync.WaitGroup
	for _, a := range active {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			if err := o.CancelRun(ctx, runID); err != nil {
				o.logger.Warn("sibling cancellation failed", "run_id", runID, "error", err)
			}
		}(a.RunID)
	}
	wg.Wait()
}
