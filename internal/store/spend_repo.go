package store

import (
	"context"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// SpendRepo handles persistence for SpendRecord samples.
type SpendRepo struct{}

// Create inserts a spend record.
func (r *SpendRepo) Create(ctx context.Context, q querier, rec domain.SpendRecord) error {
	const stmt = `INSERT INTO spend (resource, task_id, input_size, output_size, cost_usd, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, rec.Resource, rec.TaskID, rec.InputSize, rec.OutputSize,
		rec.CostUSD, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("create spend: %w", err)
	}
	return nil
}

// SumSince returns total cost of records created at or after from.
func (r *SpendRepo) SumSince(ctx context.Context, q querier, from int64) (float64, error) {
	var total float64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost_usd), 0) FROM spend WHERE created_at >= ?`, from).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spend: %w", err)
	}
	return total, nil
}

// ListByTask returns the spend records of one task in insertion order.
func (r *SpendRepo) ListByTask(ctx context.Context, q querier, taskID string) ([]domain.SpendRecord, error) {
	const query = `SELECT id, resource, task_id, input_size, output_size, cost_usd, duration_ms, created_at
FROM spend WHERE task_id = ? ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list spend: %w", err)
	}
	defer rows.Close()

	var recs []domain.SpendRecord
	for rows.Next() {
		var s domain.SpendRecord
		if err := rows.Scan(&s.ID, &s.Resource, &s.TaskID, &s.InputSize, &s.OutputSize,
			&s.CostUSD, &s.DurationMS, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan spend: %w", err)
		}
		recs = append(recs, s)
	}
	return recs, rows.Err()
}
