package orchestrator

import (
	"context"
	"sync"

	"github.com/basket/taskweave/internal/persistence"
	"github.com/basket/taskweave/internal/runner"
)

// ActiveRun is the in-memory handle for a run that is currently executing.
// It carries the interrupt capability registered by the runner, the
// cooperative cancellation flag, and a completion future that resolves
// exactly once with the run's terminal status.
type ActiveRun struct {
	RunID  string
	PlanID string
	TaskID string

	mu              sync.Mutex
	interrupt       runner.Interrupter
	stop            context.CancelFunc
	cancelRequested bool

	resolveOnce sync.Once
	final       persistence.RunStatus
	done        chan struct{}
}

// AttachInterrupt registers the interrupt capability once the underlying
// process is started. Safe to call at most once per run.
func (a *ActiveRun) AttachInterrupt(i runner.Interrupter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupt = i
}

// Interrupter returns the registered interrupt capability, or nil if the
// run has not started its process yet.
func (a *ActiveRun) Interrupter() runner.Interrupter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupt
}

// BindStop registers the hard stop for the run's execution context. The
// force-cancel path uses it to unblock a service call that ignores the
// cooperative interrupt.
func (a *ActiveRun) BindStop(stop context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stop = stop
}

// Stop cancels the run's execution context, if bound.
func (a *ActiveRun) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// RequestCancel sets the cancellation flag and reports whether this call
// was the first to set it.
func (a *ActiveRun) RequestCancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelRequested {
		return false
	}
	a.cancelRequested = true
	return true
}

// CancelRequested reports whether cancellation has been requested for this
// run. The execution path checks this before deciding between a failed and
// a cancelled terminal status.
func (a *ActiveRun) CancelRequested() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelRequested
}

// Done returns a channel closed when the run reaches a terminal status.
func (a *ActiveRun) Done() <-chan struct{} {
	return a.done
}

// Final returns the terminal status. Only valid after Done is closed.
func (a *ActiveRun) Final() persistence.RunStatus {
	return a.final
}

func (a *ActiveRun) resolve(status persistence.RunStatus) {
	a.resolveOnce.Do(func() {
		a.final = status
		close(a.done)
	})
}

// Tracker is the registry of active runs. Entries exist only while a run
// is executing in this process; a persisted in_progress run with no tracker
// entry is an orphan from a previous process.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*ActiveRun
}

func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*ActiveRun)}
}

// Register creates and tracks the handle for a newly started run.
func (t *Tracker) Register(runID, planID, taskID string) *ActiveRun {
	a := &ActiveRun{
		RunID:  runID,
		PlanID: planID,
		TaskID: taskID,
		done:   make(chan struct{}),
	}
	t.mu.Lock()
	t.runs[runID] = a
	t.mu.Unlock()
	return a
}

// Get returns the handle for runID, or nil when the run is not tracked.
func (t *Tracker) Get(runID string) *ActiveRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[runID]
}

// ForPlan returns the handles of all tracked runs belonging to a plan.
func (t *Tracker) ForPlan(planID string) []*ActiveRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*ActiveRun
	for _, a := range t.runs {
		if a.PlanID == planID {
			out = append(out, a)
		}
	}
	return out
}

// Resolve marks the run terminal with the given status and removes it from
// the registry. Idempotent: later calls for the same run are no-ops, and
// holders of the handle still observe the first status via Done/Final.
func (t *Tracker) Resolve(runID string, status persistence.RunStatus) {
	t.mu.Lock()
	a := t.runs[runID]
	delete(t.runs, runID)
	t.mu.Unlock()
	if a != nil {
		a.resolve(status)
	}
}

// Len returns the number of tracked runs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
