package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/taskweave/internal/shared"
)

// AppendRunEvent records one structured event row outside a transition, e.g.
// a log line streamed from the execution service or a queue milestone.
func (s *Store) AppendRunEvent(ctx context.Context, runID, planID, taskID, eventType, level, payload string) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := s.appendRunEventTx(ctx, tx, runID, planID, taskID, eventType, level, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append run event %s: %w", eventType, err)
	}
	return nil
}

func (s *Store) appendRunEventTx(ctx context.Context, tx *sql.Tx, runID, planID, taskID, eventType, level, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	if level == "" {
		level = "info"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = planID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, plan_id, task_id, trace_id, event_type, level, payload_json, created_at)
		VALUES (NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, runID, planID, taskID, traceID, eventType, level, payload)
	if err != nil {
		return fmt.Errorf("insert run_event: %w", err)
	}
	return nil
}

// ListRunEvents returns events of a plan with event_id greater than
// fromEventID, oldest first, capped at limit.
func (s *Store) ListRunEvents(ctx context.Context, planID string, fromEventID int64, limit int) ([]RunEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, COALESCE(run_id, ''), plan_id, COALESCE(task_id, ''), COALESCE(trace_id, plan_id), event_type, level, payload_json, created_at
		FROM run_events
		WHERE plan_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, planID, fromEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var event RunEvent
		if err := rows.Scan(
			&event.EventID,
			&event.RunID,
			&event.PlanID,
			&event.TaskID,
			&event.TraceID,
			&event.Type,
			&event.Level,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run event rows: %w", err)
	}
	return out, nil
}
