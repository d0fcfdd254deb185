package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rogers-f/taskengine/internal/domain"
)

// TaskRepo handles persistence for Task records.
type TaskRepo struct{}

const taskColumns = `task_id, priority, original_priority, boost_count, state, paused_from, phase, task_type,
	payload, payload_version, specialization, worker_id, retry_count, max_retries, progress_marker,
	feedback, last_error, lock_key, implementer, result_ref, preempt_requested_at, reviewer_id,
	review_started_at, trace_id, created_at, updated_at, lane_entered_at, last_activity_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var priority, original, state, pausedFrom, phase string
	err := row.Scan(&t.ID, &priority, &original, &t.BoostCount, &state, &pausedFrom, &phase, &t.Type,
		&t.Payload, &t.PayloadVersion, &t.Specialization, &t.WorkerID, &t.RetryCount, &t.MaxRetries, &t.ProgressMarker,
		&t.Feedback, &t.LastError, &t.LockKey, &t.Implementer, &t.ResultRef, &t.PreemptRequested, &t.ReviewerID,
		&t.ReviewStartedAt, &t.TraceID, &t.CreatedAt, &t.UpdatedAt, &t.LaneEnteredAt, &t.LastActivityAt)
	if err != nil {
		return nil, err
	}
	t.Priority = domain.Priority(priority)
	t.OriginalPriority = domain.Priority(original)
	t.State = domain.TaskState(state)
	t.PausedFrom = domain.TaskState(pausedFrom)
	t.Phase = domain.Phase(phase)
	return &t, nil
}

// Insert adds a new task.
func (r *TaskRepo) Insert(ctx context.Context, q querier, t *domain.Task) error {
	const stmt = `INSERT INTO tasks (task_id, priority, priority_rank, original_priority, boost_count, state, paused_from,
	phase, task_type, payload, payload_version, specialization, worker_id, retry_count, max_retries, progress_marker,
	feedback, last_error, lock_key, implementer, result_ref, preempt_requested_at, reviewer_id, review_started_at,
	trace_id, created_at, updated_at, lane_entered_at, last_activity_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt,
		t.ID, string(t.Priority), t.Priority.Rank(), string(t.OriginalPriority), t.BoostCount, string(t.State),
		string(t.PausedFrom), string(t.Phase), t.Type, t.Payload, t.PayloadVersion, t.Specialization, t.WorkerID,
		t.RetryCount, t.MaxRetries, t.ProgressMarker, t.Feedback, t.LastError, t.LockKey, t.Implementer, t.ResultRef,
		t.PreemptRequested, t.ReviewerID, t.ReviewStartedAt, t.TraceID, t.CreatedAt, t.UpdatedAt, t.LaneEnteredAt,
		t.LastActivityAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.Errorf(domain.ErrInvalidTaskSpec, "task %s already exists", t.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Update writes every mutable column of t, conditioned on the task still
// being in expected. It returns ErrClaimLost when the condition fails.
func (r *TaskRepo) Update(ctx context.Context, q querier, t *domain.Task, expected domain.TaskState) error {
	const stmt = `UPDATE tasks SET
		priority = ?, priority_rank = ?, boost_count = ?, state = ?, paused_from = ?, phase = ?,
		worker_id = ?, retry_count = ?, max_retries = ?, progress_marker = ?, feedback = ?, last_error = ?,
		implementer = ?, result_ref = ?, preempt_requested_at = ?, reviewer_id = ?, review_started_at = ?,
		updated_at = ?, lane_entered_at = ?, last_activity_at = ?
	WHERE task_id = ? AND state = ?`
	res, err := q.ExecContext(ctx, stmt,
		string(t.Priority), t.Priority.Rank(), t.BoostCount, string(t.State), string(t.PausedFrom), string(t.Phase),
		t.WorkerID, t.RetryCount, t.MaxRetries, t.ProgressMarker, t.Feedback, t.LastError,
		t.Implementer, t.ResultRef, t.PreemptRequested, t.ReviewerID, t.ReviewStartedAt,
		t.UpdatedAt, t.LaneEnteredAt, t.LastActivityAt,
		t.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.Errorf(domain.ErrClaimLost, "task %s is no longer %s", t.ID, expected)
	}
	return nil
}

// Get retrieves a task by its ID.
func (r *TaskRepo) Get(ctx context.Context, q querier, id string) (*domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Errorf(domain.ErrTaskNotFound, "task %s not found", id)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// TaskFilter narrows List results. Zero values match everything.
type TaskFilter struct {
	States   []domain.TaskState
	Priority domain.Priority
	WorkerID string
	Limit    int
}

// List returns tasks in scheduling order: lane, then FIFO.
func (r *TaskRepo) List(ctx context.Context, q querier, f TaskFilter) ([]*domain.Task, error) {
	var where []string
	var args []any
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(f.Priority))
	}
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority_rank DESC, created_at ASC, rowid ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return r.query(ctx, q, query, args...)
}

// NextClaimable returns the oldest queued task of the most urgent lane that
// matches the filter and whose lock key is free, or nil.
func (r *TaskRepo) NextClaimable(ctx context.Context, q querier, f domain.ClaimFilter) (*domain.Task, error) {
	where := []string{"t.state = ?", "(t.lock_key = '' OR NOT EXISTS (SELECT 1 FROM locks l WHERE l.name = t.lock_key))"}
	args := []any{string(domain.TaskQueued)}
	if f.Specialization != "" {
		where = append(where, "(t.specialization = '' OR t.specialization = ?)")
		args = append(args, f.Specialization)
	}
	if len(f.TaskTypes) > 0 {
		where = append(where, "t.task_type IN ("+placeholders(len(f.TaskTypes))+")")
		for _, tt := range f.TaskTypes {
			args = append(args, tt)
		}
	}
	query := `SELECT ` + prefixed("t.", taskColumns) + ` FROM tasks t WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY t.priority_rank DESC, t.created_at ASC, t.rowid ASC LIMIT 1`

	t, err := scanTask(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select claimable task: %w", err)
	}
	return t, nil
}

// ListStarved returns queued tasks below CRITICAL that entered lane p at or before cutoff.
func (r *TaskRepo) ListStarved(ctx context.Context, q querier, p domain.Priority, cutoff int64) ([]*domain.Task, error) {
	return r.query(ctx, q, `SELECT `+taskColumns+` FROM tasks
WHERE state = ? AND priority = ? AND lane_entered_at <= ?
ORDER BY created_at ASC, rowid ASC`, string(domain.TaskQueued), string(p), cutoff)
}

// ListIdle returns running tasks whose last activity is at or before cutoff.
func (r *TaskRepo) ListIdle(ctx context.Context, q querier, cutoff int64) ([]*domain.Task, error) {
	return r.query(ctx, q, `SELECT `+taskColumns+` FROM tasks
WHERE state = ? AND last_activity_at <= ?
ORDER BY last_activity_at ASC`, string(domain.TaskRunning), cutoff)
}

// Counts returns task counts grouped by state and by queued lane.
func (r *TaskRepo) Counts(ctx context.Context, q querier) (map[domain.TaskState]int, map[domain.Priority]int, error) {
	byState := make(map[domain.TaskState]int)
	byLane := make(map[domain.Priority]int)
	for _, p := range domain.Priorities {
		byLane[p] = 0
	}

	rows, err := q.QueryContext(ctx, `SELECT state, priority, COUNT(*) FROM tasks GROUP BY state, priority`)
	if err != nil {
		return nil, nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state, priority string
		var n int
		if err := rows.Scan(&state, &priority, &n); err != nil {
			return nil, nil, fmt.Errorf("scan count: %w", err)
		}
		byState[domain.TaskState(state)] += n
		if domain.TaskState(state) == domain.TaskQueued {
			byLane[domain.Priority(priority)] += n
		}
	}
	return byState, byLane, rows.Err()
}

func (r *TaskRepo) query(ctx context.Context, q querier, query string, args ...any) ([]*domain.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
