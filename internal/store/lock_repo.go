package store

import (
	"context"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// LockRepo handles persistence for exclusive named locks held by running tasks.
type LockRepo struct{}

// Acquire takes the named lock. It fails if another holder has it.
func (r *LockRepo) Acquire(ctx context.Context, q querier, l domain.Lock) error {
	_, err := q.ExecContext(ctx, `INSERT INTO locks (name, worker_id, task_id, acquired_at) VALUES (?, ?, ?, ?)`,
		l.Name, l.WorkerID, l.TaskID, l.AcquiredAt)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.Name, err)
	}
	return nil
}

// ReleaseForTask drops every lock held on behalf of taskID.
func (r *LockRepo) ReleaseForTask(ctx context.Context, q querier, taskID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM locks WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("release locks: %w", err)
	}
	return nil
}

// Release drops the named lock unconditionally.
func (r *LockRepo) Release(ctx context.Context, q querier, name string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM locks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// ListOlderThan returns locks acquired at or before cutoff.
func (r *LockRepo) ListOlderThan(ctx context.Context, q querier, cutoff int64) ([]domain.Lock, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, worker_id, task_id, acquired_at FROM locks
WHERE acquired_at <= ? ORDER BY acquired_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var out []domain.Lock
	for rows.Next() {
		var l domain.Lock
		if err := rows.Scan(&l.Name, &l.WorkerID, &l.TaskID, &l.AcquiredAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
