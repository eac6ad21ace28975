package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreatePlan inserts a new plan in status pending and returns its id.
func (s *Store) CreatePlan(ctx context.Context, name string) (string, error) {
	planID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plans (id, name, status, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, planID, name, PlanStatusPending)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create plan: %w", err)
	}
	return planID, nil
}

// GetPlan returns the plan with the given id, or nil when absent.
func (s *Store) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM plans
		WHERE id = ?;
	`, planID).Scan(&plan.ID, &plan.Name, &plan.Status, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %s: %w", planID, err)
	}
	return &plan, nil
}

// ListPlans returns all plans, newest first.
func (s *Store) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, created_at, updated_at
		FROM plans
		ORDER BY created_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var plan Plan
		if err := rows.Scan(&plan.ID, &plan.Name, &plan.Status, &plan.CreatedAt, &plan.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("plan rows: %w", err)
	}
	return out, nil
}

// UpdatePlanStatus sets the plan status unconditionally.
func (s *Store) UpdatePlanStatus(ctx context.Context, planID string, to PlanStatus) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE plans
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, to, planID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update plan %s status to %s: %w", planID, to, err)
	}
	return nil
}
