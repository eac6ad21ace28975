package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	busPkg "github.com/basket/taskweave/internal/bus"
	"github.com/google/uuid"
)

// ErrRunActive is returned when a second run is started for a task that
// already has one in progress.
var ErrRunActive = errors.New("task already has a run in progress")

// FinalizeInput carries the terminal attributes recorded on a run.
type FinalizeInput struct {
	Result     string
	StopReason string
	Error      string
	CostUSD    float64
	DurationMs int64
	Reason     string // human-readable, surfaced on the bus event
}

// CreateRun starts a new execution attempt: it inserts a run row in status
// in_progress and moves the owning task to in_progress in the same
// transaction. At most one run per task may be in progress at a time.
func (s *Store) CreateRun(ctx context.Context, planID, taskID string, retryOrdinal int) (*Run, error) {
	runID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var open int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM runs WHERE task_id = ? AND status = ?;
		`, taskID, RunStatusInProgress).Scan(&open); err != nil {
			return fmt.Errorf("count open runs: %w", err)
		}
		if open > 0 {
			return ErrRunActive
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, plan_id, task_id, status, retry_ordinal, started_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, runID, planID, taskID, RunStatusInProgress, retryOrdinal); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusPending, TaskStatusFailed},
			TaskStatusInProgress, "", "")
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("task %s is not schedulable", taskID)
		}

		payload := fmt.Sprintf(`{"retry_ordinal":%d}`, retryOrdinal)
		if err := s.appendRunEventTx(ctx, tx, runID, planID, taskID, "run.started", "info", payload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("create run for task %s: %w", taskID, err)
	}

	if s.bus != nil {
		s.bus.Publish(busPkg.TopicRunStarted, busPkg.RunEvent{
			RunID:  runID,
			PlanID: planID,
			TaskID: taskID,
			Status: string(RunStatusInProgress),
		})
	}
	return s.GetRun(ctx, runID)
}

// SetRunSession records the execution service's session handle on a run.
// The handle arrives via callback once the service assigns it.
func (s *Store) SetRunSession(ctx context.Context, runID, sessionID string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE runs
			SET session_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, sessionID, runID, RunStatusInProgress)
		return err
	})
	if err != nil {
		return fmt.Errorf("set run %s session: %w", runID, err)
	}
	return nil
}

// FinalizeRun moves a run to a terminal status and adjusts the owning task:
// completed -> task completed, failed -> task failed, cancelled -> task
// pending (so it stays schedulable). The update is guarded on the run still
// being in_progress; if another finalizer won the race, FinalizeRun returns
// false and writes nothing, which makes force-cancellation idempotent.
func (s *Store) FinalizeRun(ctx context.Context, runID string, to RunStatus, in FinalizeInput) (bool, error) {
	if !IsTerminalRunStatus(to) {
		return false, fmt.Errorf("finalize run %s: %s is not a terminal status", runID, to)
	}

	var (
		finalized bool
		planID    string
		taskID    string
	)
	err := retryOnBusy(ctx, 5, func() error {
		finalized = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin finalize run tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current RunStatus
		if err := tx.QueryRowContext(ctx, `
			SELECT status, plan_id, task_id FROM runs WHERE id = ?;
		`, runID).Scan(&current, &planID, &taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select run for finalize: %w", err)
		}
		if current != RunStatusInProgress {
			// Already finalized by the other path; this call is a no-op.
			return nil
		}
		if !canTransitionRun(current, to) {
			return fmt.Errorf("illegal run transition %s -> %s", current, to)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE runs
			SET status = ?,
				result = ?,
				stop_reason = ?,
				error = ?,
				cost_usd = ?,
				duration_ms = ?,
				finished_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, in.Result, in.StopReason, in.Error, in.CostUSD, in.DurationMs, runID, RunStatusInProgress)
		if err != nil {
			return fmt.Errorf("update run finalize: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finalize rows affected: %w", err)
		}
		if affected != 1 {
			return nil
		}

		taskTo := TaskStatusCompleted
		switch to {
		case RunStatusFailed:
			taskTo = TaskStatusFailed
		case RunStatusCancelled:
			taskTo = TaskStatusPending
		}
		if _, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusInProgress}, taskTo, "", ""); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]any{
			"status": string(to),
			"reason": in.Reason,
			"error":  in.Error,
		})
		if err := s.appendRunEventTx(ctx, tx, runID, planID, taskID, "run."+string(to), finalizeLevel(to), string(payload)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit finalize run tx: %w", err)
		}
		finalized = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("finalize run %s: %w", runID, err)
	}

	if finalized && s.bus != nil {
		s.bus.Publish(runTopic(to), busPkg.RunEvent{
			RunID:  runID,
			PlanID: planID,
			TaskID: taskID,
			Status: string(to),
			Reason: in.Reason,
		})
	}
	return finalized, nil
}

func runTopic(status RunStatus) string {
	switch status {
	case RunStatusFailed:
		return busPkg.TopicRunFailed
	case RunStatusCancelled:
		return busPkg.TopicRunCancelled
	default:
		return busPkg.TopicRunCompleted
	}
}

func finalizeLevel(status RunStatus) string {
	switch status {
	case RunStatusFailed:
		return "error"
	case RunStatusCancelled:
		return "warn"
	default:
		return "info"
	}
}

// GetRun returns the run with the given id, or nil when absent.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, task_id, status, session_id, retry_ordinal, result, stop_reason, error,
			cost_usd, duration_ms, started_at, finished_at, created_at, updated_at
		FROM runs
		WHERE id = ?;
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRunsForTask returns all runs of a task, newest first.
func (s *Store) ListRunsForTask(ctx context.Context, taskID string) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, plan_id, task_id, status, session_id, retry_ordinal, result, stop_reason, error,
			cost_usd, duration_ms, started_at, finished_at, created_at, updated_at
		FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC;
	`, taskID)
}

// LatestFailedRun returns the most recent failed run of a task, or nil.
// Its retry ordinal derives the next attempt's ordinal.
func (s *Store) LatestFailedRun(ctx context.Context, taskID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, task_id, status, session_id, retry_ordinal, result, stop_reason, error,
			cost_usd, duration_ms, started_at, finished_at, created_at, updated_at
		FROM runs
		WHERE task_id = ? AND status = ?
		ORDER BY retry_ordinal DESC, created_at DESC
		LIMIT 1;
	`, taskID, RunStatusFailed)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest failed run for task %s: %w", taskID, err)
	}
	return run, nil
}

// InProgressRuns returns all runs of a plan persisted as in_progress.
func (s *Store) InProgressRuns(ctx context.Context, planID string) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, plan_id, task_id, status, session_id, retry_ordinal, result, stop_reason, error,
			cost_usd, duration_ms, started_at, finished_at, created_at, updated_at
		FROM runs
		WHERE plan_id = ? AND status = ?;
	`, planID, RunStatusInProgress)
}

// StaleRuns returns in_progress runs whose start time is older than cutoff,
// across all plans. These are restart leftovers when no in-memory tracking
// exists for them.
func (s *Store) StaleRuns(ctx context.Context, cutoff time.Time) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT id, plan_id, task_id, status, session_id, retry_ordinal, result, stop_reason, error,
			cost_usd, duration_ms, started_at, finished_at, created_at, updated_at
		FROM runs
		WHERE status = ? AND started_at < ?;
	`, RunStatusInProgress, cutoff.UTC())
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	if err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.TaskID,
		&run.Status,
		&run.SessionID,
		&run.RetryOrdinal,
		&run.Result,
		&run.StopReason,
		&run.Error,
		&run.CostUSD,
		&run.DurationMs,
		&startedAt,
		&finishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}
