package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/basket/taskweave/internal/shared"
	"github.com/google/uuid"
)

// TaskSpec is the caller-supplied part of a task row.
type TaskSpec struct {
	Ordinal     int
	Title       string
	Description string
	Acceptance  string
	DependsOn   []string
}

// CreateTask inserts a new pending task into a plan and returns its id.
func (s *Store) CreateTask(ctx context.Context, planID string, spec TaskSpec) (string, error) {
	if spec.Title == "" {
		return "", errors.New("task title is required")
	}
	deps := spec.DependsOn
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return "", fmt.Errorf("encode depends_on: %w", err)
	}

	taskID := uuid.NewString()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, plan_id, ordinal, title, description, acceptance, depends_on, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, planID, spec.Ordinal, spec.Title, spec.Description, spec.Acceptance, string(depsJSON), TaskStatusPending)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	return taskID, nil
}

// GetTask returns the task with the given id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan_id, ordinal, title, description, acceptance, depends_on, status, created_at, updated_at
		FROM tasks
		WHERE id = ?;
	`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns all tasks of a plan ordered by ascending ordinal.
func (s *Store) ListTasks(ctx context.Context, planID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_id, ordinal, title, description, acceptance, depends_on, status, created_at, updated_at
		FROM tasks
		WHERE plan_id = ?
		ORDER BY ordinal ASC;
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task     Task
		depsJSON string
	)
	if err := row.Scan(
		&task.ID,
		&task.PlanID,
		&task.Ordinal,
		&task.Title,
		&task.Description,
		&task.Acceptance,
		&depsJSON,
		&task.Status,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &task.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on for task %s: %w", task.ID, err)
	}
	return &task, nil
}

// TransitionTask moves a task between states, guarded by its current status.
// Returns false without error when the task is absent or not in one of
// allowedFrom (the transition lost the race); an illegal transition is an
// error.
func (s *Store) TransitionTask(ctx context.Context, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType, payload string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err = s.transitionTaskTx(ctx, tx, taskID, allowedFrom, to, eventType, payload)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("transition task %s to %s: %w", taskID, to, err)
	}
	return ok, nil
}

// transitionTaskTx performs the guarded conditional update inside tx. The
// rows-affected check is what makes concurrent finalization attempts safe:
// whichever writer loses the race sees zero rows and reports false.
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, allowedFrom []TaskStatus, to TaskStatus, eventType, payload string) (bool, error) {
	var (
		current TaskStatus
		planID  string
	)
	if err := tx.QueryRowContext(ctx, `
		SELECT status, plan_id
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current, &planID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransitionTask(current, to) {
		return false, fmt.Errorf("illegal task transition %s -> %s", current, to)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("task transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if eventType != "" {
		if err := s.appendRunEventTx(ctx, tx, shared.RunID(ctx), planID, taskID, eventType, "info", payload); err != nil {
			return false, err
		}
	}
	return true, nil
}
