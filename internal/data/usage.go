package data

import (
	"context"
	"fmt"
)

// LogModelOverride records that the user replaced the routed model.
func (s *Store) LogModelOverride(ctx context.Context, o *ModelOverride) error {
	if o.TaskType == "" || o.OverrideModel == "" {
		return fmt.Errorf("override needs a task type and a model")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_usage (task_type, auto_model, override_model, created_at)
		VALUES (?, ?, ?, ?)`,
		o.TaskType, o.AutoModel, o.OverrideModel, o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("log model override: %w", err)
	}
	return nil
}

// RecentModelOverrides returns the latest overrides for a task, newest first.
func (s *Store) RecentModelOverrides(ctx context.Context, taskType string, limit int) ([]*ModelOverride, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_type, auto_model, override_model, created_at
		FROM model_usage
		WHERE task_type = ?
		ORDER BY id DESC
		LIMIT ?`, taskType, limit)
	if err != nil {
		return nil, fmt.Errorf("query model overrides: %w", err)
	}
	defer rows.Close()

	var out []*ModelOverride
	for rows.Next() {
		var o ModelOverride
		if err := rows.Scan(&o.TaskType, &o.AutoModel, &o.OverrideModel, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan model override: %w", err)
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// OverriddenTaskTypes lists the task types that have any logged override.
func (s *Store) OverriddenTaskTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT task_type FROM model_usage ORDER BY task_type`)
	if err != nil {
		return nil, fmt.Errorf("query override task types: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan task type: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
