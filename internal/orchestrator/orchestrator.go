// Package orchestrator drives plan execution: it selects runnable tasks by
// dependency, runs each phase's tasks concurrently in isolated git
// worktrees, merges finished work back into the target branch as soon as it
// validates, and owns cancellation, retry, and restart recovery.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/taskweave/internal/bus"
	"github.com/basket/taskweave/internal/notify"
	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/runner"
	"github.com/basket/taskweave/internal/shared"
	"github.com/basket/taskweave/internal/worktree"
)

// Stable reason strings. These are part of the observable contract: the CLI
// and the event stream match on them, so they must not drift.
var (
	ErrQueueRunning    = errors.New("Queue is already running for this plan.")
	ErrQueueNotRunning = errors.New("No queue is running for this plan.")
	ErrRunInProgress   = errors.New("A run is already in progress for this plan.")
	ErrNoRunnableTasks = errors.New("No runnable tasks.")
	ErrNotRetryable    = errors.New("Task is not in a failed state.")
	ErrMaxRetries      = errors.New("Maximum retry attempts exceeded.")
	ErrQueueAborted    = errors.New("Queue aborted by user.")
)

const (
	reasonUserCancelled  = "Cancellation requested by user."
	reasonStaleCancelled = "Run was stale after restart and was force-cancelled."
	reasonSiblingFailed  = "A sibling task in the same phase failed."
)

// Config tunes the orchestrator. Zero values get defaults from New.
type Config struct {
	RepoPath           string
	BranchPrefix       string
	DisallowedTrailers []string
	CancelTimeout      time.Duration // grace before force-finalizing a cancelled run
	StaleRunMaxAge     time.Duration // age after which an untracked in_progress run is stale
	MaxRetries         int           // retries per task beyond the initial attempt
}

func (c *Config) applyDefaults() {
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.StaleRunMaxAge <= 0 {
		c.StaleRunMaxAge = time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// Orchestrator coordinates runs for all plans in one process.
type Orchestrator struct {
	store    *persistence.Store
	service  runner.Service
	bus      *bus.Bus
	notifier notify.Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	cfg      Config

	tracker *Tracker

	mu            sync.Mutex
	runningQueues map[string]struct{}
	abortedQueues map[string]struct{}
}

// New builds an orchestrator. notifier, tracer and meter may be nil.
func New(store *persistence.Store, service runner.Service, eventBus *bus.Bus, notifier notify.Notifier, logger *slog.Logger, tracer trace.Tracer, meter metric.Meter, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("taskweave/orchestrator")
	}
	return &Orchestrator{
		store:         store,
		service:       service,
		bus:           eventBus,
		notifier:      notifier,
		logger:        logger,
		tracer:        tracer,
		metrics:       newMetrics(meter),
		cfg:           cfg,
		tracker:       NewTracker(),
		runningQueues: make(map[string]struct{}),
		abortedQueues: make(map[string]struct{}),
	}
}

// Tracker exposes the active-run registry, used by the gateway for status.
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

// taskOutcome is what one task execution hands back to the phase loop.
type taskOutcome struct {
	task   persistence.Task
	wt     *worktree.PhaseWorktree
	runID  string
	status persistence.RunStatus
	err    error // infrastructure error, distinct from a failed run
}

// RunAll executes the plan's full queue: phases of runnable tasks, each
// task in its own worktree, merged back first-finished-first. Blocks until
// the queue exits. At most one queue may run per plan.
func (o *Orchestrator) RunAll(ctx context.Context, planID string) error {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if plan == nil {
		return fmt.Errorf("plan %s not found", planID)
	}

	if err := o.acquireQueue(planID); err != nil {
		return err
	}
	defer o.releaseQueue(planID)

	ctx = shared.WithPlanID(shared.WithTraceID(ctx, shared.NewTraceID()), planID)
	ctx, span := o.tracer.Start(ctx, "queue.run_all",
		trace.WithAttributes(attribute.String("taskweave.plan_id", planID)))
	defer span.End()

	// In_progress runs from a previous process would collide with this
	// queue's worktrees; anything still tracked means a live overlap.
	if err := o.reconcileOrphans(ctx, planID); err != nil {
		return err
	}

	qctx, err := worktree.NewQueueContext(o.cfg.RepoPath, o.cfg.BranchPrefix)
	if err != nil {
		o.failPlan(ctx, planID, fmt.Sprintf("git context: %v", err))
		return fmt.Errorf("establish queue context: %w", err)
	}
	defer func() {
		if terr := qctx.Teardown(); terr != nil {
			o.logger.Warn("queue teardown incomplete", "plan_id", planID, "error", terr)
		}
	}()

	if err := o.store.UpdatePlanStatus(ctx, planID, persistence.PlanStatusInProgress); err != nil {
		return err
	}
	o.publishQueue(bus.TopicQueueStarted, bus.QueueEvent{PlanID: planID, Detail: qctx.TargetBranch})
	o.appendPlanEvent(ctx, planID, "queue.started", "info", fmt.Sprintf(`{"target_branch":%q}`, qctx.TargetBranch))
	o.logger.Info("queue started", "plan_id", planID, "target_branch", qctx.TargetBranch)

	phase := 0
	for {
		if o.queueAborted(planID) {
			return o.exitAborted(ctx, planID)
		}

		tasks, err := o.store.ListTasks(ctx, planID)
		if err != nil {
			o.failPlan(ctx, planID, err.Error())
			return err
		}
		runnable := Runnable(tasks)
		if len(runnable) == 0 {
			return o.exitDrained(ctx, planID, tasks)
		}

		phase++
		if err := o.runPhase(ctx, *plan, qctx, phase, runnable); err != nil {
			if errors.Is(err, ErrQueueAborted) {
				return o.exitAborted(ctx, planID)
			}
			o.failPlan(ctx, planID, err.Error())
			return fmt.Errorf("phase %d: %w", phase, err)
		}
	}
}

// runPhase runs one phase: every runnable task concurrently, each in its
// own worktree. All worktrees are created before any task starts, so a
// mid-phase failure never leaves a task without its isolation.
func (o *Orchestrator) runPhase(ctx context.Context, plan persistence.Plan, qctx *worktree.QueueContext, phase int, runnable []persistence.Task) error {
	ctx, span := o.tracer.Start(ctx, "queue.phase",
		trace.WithAttributes(
			attribute.Int("taskweave.phase", phase),
			attribute.Int("taskweave.phase_size", len(runnable)),
		))
	defer span.End()

	o.publishQueue(bus.TopicQueuePhaseStarted, bus.QueueEvent{PlanID: plan.ID, Phase: phase, Detail: fmt.Sprintf("%d tasks", len(runnable))})
	o.appendPlanEvent(ctx, plan.ID, "queue.phase_started", "info", fmt.Sprintf(`{"phase":%d,"tasks":%d}`, phase, len(runnable)))
	o.logger.Info("phase started", "plan_id", plan.ID, "phase", phase, "tasks", len(runnable))

	wts := make([]*worktree.PhaseWorktree, len(runnable))
	for i, task := range runnable {
		wt, err := qctx.CreateWorktree(task.ID)
		if err != nil {
			for _, created := range wts[:i] {
				_ = qctx.Discard(created)
			}
			return fmt.Errorf("create worktree for task %s: %w", task.ID, err)
		}
		wts[i] = wt
	}

	results := make(chan taskOutcome, len(runnable))
	for i, task := range runnable {
		go func(task persistence.Task, wt *worktree.PhaseWorktree) {
			results <- o.executeTask(ctx, plan, task, 0, "", wt)
		}(task, wts[i])
	}

	var phaseErr error
	for remaining := len(runnable); remaining > 0; remaining-- {
		out := <-results

		if phaseErr != nil || o.queueAborted(plan.ID) {
			// Phase already lost; surviving results only get their
			// worktrees discarded. Branches stay for inspection.
			_ = qctx.Discard(out.wt)
			continue
		}

		if out.err != nil {
			phaseErr = fmt.Errorf("task %s: %w", out.task.ID, out.err)
			o.cancelPlanRuns(ctx, plan.ID, reasonSiblingFailed)
			_ = qctx.Discard(out.wt)
			continue
		}
		if out.status != persistence.RunStatusCompleted {
			phaseErr = fmt.Errorf("task %q ended %s", out.task.Title, out.status)
			o.cancelPlanRuns(ctx, plan.ID, reasonSiblingFailed)
			_ = qctx.Discard(out.wt)
			continue
		}

		if err := o.mergeTask(ctx, plan.ID, qctx, out); err != nil {
			phaseErr = err
			o.cancelPlanRuns(ctx, plan.ID, reasonSiblingFailed)
			_ = qctx.Discard(out.wt)
			continue
		}
	}

	if o.queueAborted(plan.ID) {
		return ErrQueueAborted
	}
	return phaseErr
}

// mergeTask validates the task branch's new commits against the commit
// policy and merges it into the target branch. A conflicting merge is
// aborted by the git layer, leaving the target branch clean.
func (o *Orchestrator) mergeTask(ctx context.Context, planID string, qctx *worktree.QueueContext, out taskOutcome) error {
	commits, err := qctx.NewCommits(out.wt)
	if err != nil {
		return fmt.Errorf("inspect commits for task %s: %w", out.task.ID, err)
	}
	if err := worktree.ValidateCommits(commits, o.cfg.DisallowedTrailers); err != nil {
		o.appendTaskEvent(ctx, planID, out.task.ID, out.runID, "queue.policy_violation", "error", fmt.Sprintf("{%q:%q}", "error", err.Error()))
		return fmt.Errorf("commit policy for task %q: %w", out.task.Title, err)
	}
	if err := qctx.MergeTask(out.wt, out.task.Title); err != nil {
		return fmt.Errorf("merge task %q: %w", out.task.Title, err)
	}
	if err := qctx.CleanupMerged(out.wt); err != nil {
		o.logger.Warn("merged worktree cleanup failed", "task_id", out.task.ID, "error", err)
	}

	o.publishQueue(bus.TopicQueueTaskMerged, bus.QueueEvent{PlanID: planID, TaskID: out.task.ID, Detail: out.wt.Branch})
	o.appendTaskEvent(ctx, planID, out.task.ID, out.runID, "queue.task_merged", "info",
		fmt.Sprintf(`{"branch":%q,"commits":%d}`, out.wt.Branch, len(commits)))
	o.notify(ctx, notify.Event{
		Title:  fmt.Sprintf("Merged: %s", out.task.Title),
		Body:   fmt.Sprintf("%d commit(s) from %s", len(commits), out.wt.Branch),
		Level:  "info",
		PlanID: planID,
		TaskID: out.task.ID,
	})
	o.metrics.taskMerged(ctx)
	o.logger.Info("task merged", "plan_id", planID, "task_id", out.task.ID, "branch", out.wt.Branch, "commits", len(commits))
	return nil
}

// executeTask starts one run for the task and blocks until it is terminal.
// wt may be nil for single-task mode, in which case the service operates in
// the repository root.
func (o *Orchestrator) executeTask(ctx context.Context, plan persistence.Plan, task persistence.Task, retryOrdinal int, retryContext string, wt *worktree.PhaseWorktree) taskOutcome {
	run, err := o.store.CreateRun(ctx, plan.ID, task.ID, retryOrdinal)
	if err != nil {
		return taskOutcome{task: task, wt: wt, err: err}
	}

	ctx = shared.WithRunID(shared.WithTaskID(ctx, task.ID), run.ID)
	ctx, span := o.tracer.Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("taskweave.task_id", task.ID),
			attribute.String("taskweave.run_id", run.ID),
			attribute.Int("taskweave.retry_ordinal", retryOrdinal),
		))
	defer span.End()

	active := o.tracker.Register(run.ID, plan.ID, task.ID)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	active.BindStop(stop)
	o.metrics.runStarted(ctx)
	o.logger.Info("run started", "plan_id", plan.ID, "task_id", task.ID, "run_id", run.ID, "retry_ordinal", retryOrdinal)

	req := runner.Request{
		Plan:         plan,
		Task:         task,
		RetryContext: retryContext,
		WorkDir:      o.cfg.RepoPath,
		Callbacks:    o.callbacksFor(ctx, run.ID, plan.ID, task.ID, active),
	}
	if wt != nil {
		req.WorkDir = wt.Path
		req.Branch = wt.Branch
	}

	res, runErr := o.service.RunTask(runCtx, req)

	var status persistence.RunStatus
	switch {
	case runErr == nil:
		status = o.finalize(ctx, run.ID, persistence.RunStatusCompleted, persistence.FinalizeInput{
			Result:     res.ResultText,
			StopReason: res.StopReason,
			CostUSD:    res.CostUSD,
			DurationMs: res.DurationMs,
		})
	case active.CancelRequested():
		// The interrupt landed; record cancelled, not failed. FinalizeRun
		// is a no-op if the force path already won the race.
		status = o.finalize(ctx, run.ID, persistence.RunStatusCancelled, persistence.FinalizeInput{
			StopReason: "interrupted",
			Reason:     reasonUserCancelled,
		})
	default:
		status = o.finalize(ctx, run.ID, persistence.RunStatusFailed, persistence.FinalizeInput{
			Error:  runErr.Error(),
			Reason: runErr.Error(),
		})
	}

	o.metrics.runFinished(ctx, status)
	o.logger.Info("run finished", "run_id", run.ID, "task_id", task.ID, "status", string(status))
	return taskOutcome{task: task, wt: wt, runID: run.ID, status: status}
}

// finalize persists the terminal status and resolves the in-memory handle
// with whatever status actually stuck, which may differ when a concurrent
// force-cancel got there first.
func (o *Orchestrator) finalize(ctx context.Context, runID string, to persistence.RunStatus, in persistence.FinalizeInput) persistence.RunStatus {
	applied, err := o.store.FinalizeRun(ctx, runID, to, in)
	if err != nil {
		o.logger.Error("finalize run failed", "run_id", runID, "to", string(to), "error", err)
	}
	status := to
	if !applied {
		if run, gerr := o.store.GetRun(ctx, runID); gerr == nil && run != nil {
			status = run.Status
		}
	}
	o.tracker.Resolve(runID, status)
	return status
}

// callbacksFor wires the service's streaming callbacks to persistence and
// the event bus.
func (o *Orchestrator) callbacksFor(ctx context.Context, runID, planID, taskID string, active *ActiveRun) runner.Callbacks {
	return runner.Callbacks{
		OnLog: func(line string) {
			payload, _ := json.Marshal(map[string]string{"line": line})
			if err := o.store.AppendRunEvent(ctx, runID, planID, taskID, "run.log", "info", string(payload)); err != nil {
				o.logger.Warn("append run log failed", "run_id", runID, "error", err)
			}
			if o.bus != nil {
				o.bus.Publish(bus.TopicRunLog, bus.RunLogEvent{RunID: runID, PlanID: planID, TaskID: taskID, Line: line})
			}
		},
		OnSessionID: func(sessionID string) {
			if err := o.store.SetRunSession(ctx, runID, sessionID); err != nil {
				o.logger.Warn("record session id failed", "run_id", runID, "error", err)
			}
		},
		OnNotice: func(n runner.Notice) {
			payload, err := json.Marshal(n)
			if err != nil {
				return
			}
			if err := o.store.AppendRunEvent(ctx, runID, planID, taskID, "run.notice."+runner.Kind(n), "info", string(payload)); err != nil {
				o.logger.Warn("append notice failed", "run_id", runID, "error", err)
			}
		},
		RegisterInterrupt: func(i runner.Interrupter) {
			active.AttachInterrupt(i)
		},
	}
}

// RunNext executes exactly one task, the next runnable by ordinal, in the
// repository root without worktree isolation. Blocks until the run is
// terminal and returns the finalized run.
func (o *Orchestrator) RunNext(ctx context.Context, planID string) (*persistence.Run, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("plan %s not found", planID)
	}
	if o.queueRunning(planID) {
		return nil, ErrQueueRunning
	}
	if err := o.reconcileOrphans(ctx, planID); err != nil {
		return nil, err
	}

	tasks, err := o.store.ListTasks(ctx, planID)
	if err != nil {
		return nil, err
	}
	task := NextRunnable(tasks)
	if task == nil {
		return nil, ErrNoRunnableTasks
	}

	ctx = shared.WithPlanID(shared.WithTraceID(ctx, shared.NewTraceID()), planID)
	if plan.Status == persistence.PlanStatusPending {
		if err := o.store.UpdatePlanStatus(ctx, planID, persistence.PlanStatusInProgress); err != nil {
			return nil, err
		}
	}

	out := o.executeTask(ctx, *plan, *task, 0, "", nil)
	if out.err != nil {
		return nil, out.err
	}
	return o.store.GetRun(ctx, out.runID)
}

// reconcileOrphans force-cancels persisted in_progress runs for the plan
// that no live execution owns. A tracked run means a real overlap and is
// refused rather than clobbered.
func (o *Orchestrator) reconcileOrphans(ctx context.Context, planID string) error {
	open, err := o.store.InProgressRuns(ctx, planID)
	if err != nil {
		return err
	}
	for _, run := range open {
		if o.tracker.Get(run.ID) != nil {
			return ErrRunInProgress
		}
	}
	for _, run := range open {
		applied, err := o.store.FinalizeRun(ctx, run.ID, persistence.RunStatusCancelled, persistence.FinalizeInput{
			StopReason: "orphaned",
			Reason:     reasonStaleCancelled,
		})
		if err != nil {
			return fmt.Errorf("reconcile orphaned run %s: %w", run.ID, err)
		}
		if applied {
			o.logger.Warn("orphaned run force-cancelled", "run_id", run.ID, "plan_id", planID)
		}
	}
	return nil
}

// notify delivers a milestone if a notifier is configured.
func (o *Orchestrator) notify(ctx context.Context, ev notify.Event) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, ev)
}

func (o *Orchestrator) publishQueue(topic string, ev bus.QueueEvent) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(topic, ev)
}

func (o *Orchestrator) appendPlanEvent(ctx context.Context, planID, eventType, level, payload string) {
	if err := o.store.AppendRunEvent(ctx, "", planID, "", eventType, level, payload); err != nil {
		o.logger.Warn("append plan event failed", "plan_id", planID, "type", eventType, "error", err)
	}
}

func (o *Orchestrator) appendTaskEvent(ctx context.Context, planID, taskID, runID, eventType, level, payload string) {
	if err := o.store.AppendRunEvent(ctx, runID, planID, taskID, eventType, level, payload); err != nil {
		o.logger.Warn("append task event failed", "task_id", taskID, "type", eventType, "error", err)
	}
}

func (o *Orchestrator) failPlan(ctx context.Context, planID, detail string) {
	o.metrics.queueFailed(ctx)
	if err := o.store.UpdatePlanStatus(ctx, planID, persistence.PlanStatusFailed); err != nil {
		o.logger.Error("mark plan failed", "plan_id", planID, "error", err)
	}
	o.publishQueue(bus.TopicQueueFailed, bus.QueueEvent{PlanID: planID, Detail: detail})
	payload, _ := json.Marshal(map[string]string{"error": detail})
	o.appendPlanEvent(ctx, planID, "queue.failed", "error", string(payload))
	o.notify(ctx, notify.Event{Title: "Queue failed", Body: detail, Level: "error", PlanID: planID})
}

// exitDrained handles the queue running out of runnable tasks: the plan is
// completed when every task is terminal-successful, failed otherwise
// (failed tasks, or pending tasks blocked behind them).
func (o *Orchestrator) exitDrained(ctx context.Context, planID string, tasks []persistence.Task) error {
	allDone := true
	for _, t := range tasks {
		if !depSatisfied(t.Status) {
			allDone = false
			break
		}
	}
	if !allDone {
		o.failPlan(ctx, planID, ErrNoRunnableTasks.Error())
		return fmt.Errorf("queue blocked: %w", ErrNoRunnableTasks)
	}

	if err := o.store.UpdatePlanStatus(ctx, planID, persistence.PlanStatusCompleted); err != nil {
		return err
	}
	o.publishQueue(bus.TopicQueueCompleted, bus.QueueEvent{PlanID: planID})
	o.appendPlanEvent(ctx, planID, "queue.completed", "info", "{}")
	o.notify(ctx, notify.Event{Title: "Queue completed", Level: "info", PlanID: planID})
	o.logger.Info("queue completed", "plan_id", planID)
	return nil
}

// exitAborted finishes an aborted queue: the plan returns to pending so it
// can be resumed, and cancelled tasks are already back in pending via their
// run finalization.
func (o *Orchestrator) exitAborted(ctx context.Context, planID string) error {
	if err := o.store.UpdatePlanStatus(ctx, planID, persistence.PlanStatusPending); err != nil {
		o.logger.Error("reset aborted plan", "plan_id", planID, "error", err)
	}
	o.publishQueue(bus.TopicQueueAborted, bus.QueueEvent{PlanID: planID, Detail: ErrQueueAborted.Error()})
	o.appendPlanEvent(ctx, planID, "queue.aborted", "warn", fmt.Sprintf("{%q:%q}", "reason", ErrQueueAborted.Error()))
	o.notify(ctx, notify.Event{Title: "Queue aborted", Level: "info", PlanID: planID})
	o.logger.Info("queue aborted", "plan_id", planID)
	return ErrQueueAborted
}

func (o *Orchestrator) acquireQueue(planID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.runningQueues[planID]; running {
		return ErrQueueRunning
	}
	o.runningQueues[planID] = struct{}{}
	delete(o.abortedQueues, planID)
	return nil
}

func (o *Orchestrator) releaseQueue(planID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runningQueues, planID)
	delete(o.abortedQueues, planID)
}

func (o *Orchestrator) queueRunning(planID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, running := o.runningQueues[planID]
	return running
}

func (o *Orchestrator) queueAborted(planID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, aborted := o.abortedQueues[planID]
	return aborted
}
