package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// WorkerRepo handles persistence for Worker records.
type WorkerRepo struct{}

const workerColumns = `worker_id, specialization, status, current_task_id, tasks_completed, last_heartbeat, registered_at, updated_at`

func scanWorker(row scanner) (*domain.Worker, error) {
	var w domain.Worker
	var status string
	if err := row.Scan(&w.ID, &w.Specialization, &status, &w.CurrentTaskID, &w.TasksCompleted,
		&w.LastHeartbeat, &w.RegisteredAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Status = domain.WorkerStatus(status)
	return &w, nil
}

// Upsert registers a worker, replacing a previous registration with the same ID.
func (r *WorkerRepo) Upsert(ctx context.Context, q querier, w *domain.Worker) error {
	const stmt = `INSERT INTO workers (worker_id, specialization, status, current_task_id, tasks_completed, last_heartbeat, registered_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(worker_id) DO UPDATE SET
	specialization = excluded.specialization,
	status = excluded.status,
	current_task_id = excluded.current_task_id,
	last_heartbeat = excluded.last_heartbeat,
	registered_at = excluded.registered_at,
	updated_at = excluded.updated_at`
	_, err := q.ExecContext(ctx, stmt, w.ID, w.Specialization, string(w.Status), w.CurrentTaskID,
		w.TasksCompleted, w.LastHeartbeat, w.RegisteredAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// Get retrieves a worker by its ID.
func (r *WorkerRepo) Get(ctx context.Context, q querier, id string) (*domain.Worker, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, id)
	w, err := scanWorker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Errorf(domain.ErrWorkerNotFound, "worker %s not found", id)
		}
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// SetStatus changes a worker's status and current task.
func (r *WorkerRepo) SetStatus(ctx context.Context, q querier, id string, status domain.WorkerStatus, taskID string, now int64) error {
	res, err := q.ExecContext(ctx, `UPDATE workers SET status = ?, current_task_id = ?, updated_at = ? WHERE worker_id = ?`,
		string(status), taskID, now, id)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	return requireRow(res, domain.Errorf(domain.ErrWorkerNotFound, "worker %s not found", id))
}

// Touch records a heartbeat. A STALE worker that heartbeats again is live:
// it becomes BUSY when it still points at a task, IDLE otherwise.
func (r *WorkerRepo) Touch(ctx context.Context, q querier, id string, now int64) error {
	res, err := q.ExecContext(ctx, `UPDATE workers SET last_heartbeat = ?, updated_at = ?,
	status = CASE WHEN status != ? THEN status WHEN current_task_id != '' THEN ? ELSE ? END
WHERE worker_id = ?`, now, now, string(domain.WorkerStale), string(domain.WorkerBusy), string(domain.WorkerIdle), id)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return requireRow(res, domain.Errorf(domain.ErrWorkerNotFound, "worker %s not found", id))
}

// IncrementCompleted bumps the tasks-completed counter.
func (r *WorkerRepo) IncrementCompleted(ctx context.Context, q querier, id string) error {
	_, err := q.ExecContext(ctx, `UPDATE workers SET tasks_completed = tasks_completed + 1 WHERE worker_id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment completed: %w", err)
	}
	return nil
}

// Delete removes a worker registration.
func (r *WorkerRepo) Delete(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM workers WHERE worker_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return requireRow(res, domain.Errorf(domain.ErrWorkerNotFound, "worker %s not found", id))
}

// List returns workers, optionally restricted to the given statuses, ordered by ID.
func (r *WorkerRepo) List(ctx context.Context, q querier, statuses ...domain.WorkerStatus) ([]*domain.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY worker_id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// ListSilent returns live workers whose last heartbeat is at or before cutoff.
func (r *WorkerRepo) ListSilent(ctx context.Context, q querier, cutoff int64) ([]*domain.Worker, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers
WHERE status != ? AND last_heartbeat <= ? ORDER BY worker_id ASC`,
		string(domain.WorkerDead), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list silent workers: %w", err)
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
