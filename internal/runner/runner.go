// Package runner defines the boundary to the external AI-driven execution
// service. The orchestrator only ever talks to the Service interface; the
// service's prompt construction and model selection live behind it.
package runner

import (
	"context"

	"github.com/basket/taskweave/internal/persistence"
)

// Request carries everything the execution service needs for one attempt.
type Request struct {
	Plan         persistence.Plan
	Task         persistence.Task
	RetryContext string // error text of the previous failed attempt, "" on first
	WorkDir      string // worktree the service must operate in; "" = repo root
	Branch       string // branch checked out in WorkDir
	Callbacks    Callbacks
}

// Result is the outcome of a successful service call.
type Result struct {
	SessionID  string
	ResultText string
	StopReason string
	DurationMs int64
	CostUSD    float64
}

// Interrupter is the cooperative interrupt capability a running query
// exposes once the service signals it is ready to be interrupted.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// Callbacks are invoked by the service while a task executes. Any field may
// be nil. RegisterInterrupt is called at most once, when the service's
// query handle becomes interruptible; it is never called at run start.
type Callbacks struct {
	OnLog             func(line string)
	OnSessionID       func(sessionID string)
	OnNotice          func(n Notice)
	RegisterInterrupt func(i Interrupter)
}

// Service executes one task attempt. Implementations must respect ctx
// cancellation and return a non-nil error for any non-success outcome.
type Service interface {
	RunTask(ctx context.Context, req Request) (*Result, error)
}

// InterruptFunc adapts a plain function to the Interrupter interface.
type InterruptFunc func(ctx context.Context) error

func (f InterruptFunc) Interrupt(ctx context.Context) error { return f(ctx) }
