package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/workflow"
)

// DefaultMaxRetries applies when a submission does not set its own limit.
const DefaultMaxRetries = 3

// SubmitTask validates an intake request, inserts the task as QUEUED and
// records TASK_SUBMITTED.
func (s *Store) SubmitTask(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error) {
	if spec.Priority == "" {
		spec.Priority = domain.PriorityMedium
	}
	if !spec.Priority.Valid() {
		return nil, domain.Errorf(domain.ErrInvalidPriority, "unknown priority %q", spec.Priority)
	}
	if !workflow.ValidPhase(spec.Phase) || spec.Phase == domain.PhaseComplete {
		return nil, domain.Errorf(domain.ErrInvalidPhase, "cannot submit a task in phase %q", spec.Phase)
	}
	if spec.Type == "" {
		spec.Type = "default"
	}
	maxRetries := DefaultMaxRetries
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return nil, domain.Errorf(domain.ErrInvalidTaskSpec, "max_retries must not be negative")
		}
		maxRetries = *spec.MaxRetries
	}
	if spec.PayloadVersion == 0 {
		spec.PayloadVersion = 1
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.TraceID == "" {
		spec.TraceID = uuid.NewString()
	}

	now := s.unix()
	t := &domain.Task{
		ID:               spec.ID,
		Priority:         spec.Priority,
		OriginalPriority: spec.Priority,
		State:            domain.TaskQueued,
		Phase:            spec.Phase,
		Type:             spec.Type,
		Payload:          spec.Payload,
		PayloadVersion:   spec.PayloadVersion,
		Specialization:   spec.Specialization,
		MaxRetries:       maxRetries,
		LockKey:          spec.LockKey,
		TraceID:          spec.TraceID,
		CreatedAt:        now,
		UpdatedAt:        now,
		LaneEnteredAt:    now,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.Tasks.Insert(ctx, tx, t); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, taskEvent(t, "intake", domain.EventTaskSubmitted, now, map[string]any{
			"priority": t.Priority,
			"type":     t.Type,
			"phase":    t.Phase,
		}))
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetTask returns the last committed state of a task.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := s.Tasks.Get(ctx, s.db, id)
	if err != nil {
		return nil, classify(err)
	}
	return t, nil
}

// ListTasks returns tasks matching f in scheduling order.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*domain.Task, error) {
	tasks, err := s.Tasks.List(ctx, s.db, f)
	if err != nil {
		return nil, classify(err)
	}
	return tasks, nil
}

// mutateTask loads a task inside one transaction, validates the edge to `to`
// (when set), and lets apply change it and append events. The row is written
// conditioned on its original state. Invalid transitions are recorded as
// TRANSITION_REJECTED before the error is returned.
func (s *Store) mutateTask(ctx context.Context, id, actor string, to domain.TaskState,
	apply func(tx *sql.Tx, t *domain.Task, now int64) error) (*domain.Task, error) {

	var result, snapshot *domain.Task
	var rejected error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, snapshot, rejected = nil, nil, nil
		t, err := s.Tasks.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		cp := *t
		snapshot = &cp
		if to != "" {
			if err := workflow.ValidateTransition(t.State, to); err != nil {
				rejected = err
				return err
			}
		}
		prev := t.State
		now := s.unix()
		if err := apply(tx, t, now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				rejected = err
			}
			return err
		}
		t.UpdatedAt = now
		if err := s.Tasks.Update(ctx, tx, t, prev); err != nil {
			return err
		}
		result = t
		return nil
	})
	if rejected != nil && snapshot != nil {
		return nil, s.rejectTransition(ctx, snapshot, actor, to, rejected)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// step moves t along one validated edge.
func step(t *domain.Task, to domain.TaskState) error {
	if err := workflow.ValidateTransition(t.State, to); err != nil {
		return err
	}
	t.State = to
	return nil
}

// CancelTask moves any non-terminal task to CANCELLED. The holding worker is
// set IDLE at once; its goroutine learns of the cancellation at its next
// heartbeat.
func (s *Store) CancelTask(ctx context.Context, id, actor, reason string) (*domain.Task, error) {
	return s.mutateTask(ctx, id, actor, domain.TaskCancelled, func(tx *sql.Tx, t *domain.Task, now int64) error {
		from := t.State
		t.State = domain.TaskCancelled
		t.ReviewerID = ""
		if err := s.releaseHolder(ctx, tx, t, now); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, taskEvent(t, actor, domain.EventTaskCancelled, now, map[string]any{
			"from":   from,
			"reason": reason,
		}))
	})
}

// EscalateTask routes a task to ESCALATED for external resolution.
func (s *Store) EscalateTask(ctx context.Context, id, actor, reason string) (*domain.Task, error) {
	return s.mutateTask(ctx, id, actor, domain.TaskEscalated, func(tx *sql.Tx, t *domain.Task, now int64) error {
		from := t.State
		t.State = domain.TaskEscalated
		t.ReviewerID = ""
		if err := s.releaseHolder(ctx, tx, t, now); err != nil {
			return err
		}
		history, err := s.rejectionHistory(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, taskEvent(t, actor, domain.EventTaskEscalated, now, map[string]any{
			"from":    from,
			"reason":  reason,
			"history": history,
		}))
	})
}

// PauseTask parks a queued, running or in-review task. The worker keeps its
// assignment so a resume can continue where it stopped.
func (s *Store) PauseTask(ctx context.Context, id, actor string) (*domain.Task, error) {
	return s.mutateTask(ctx, id, actor, domain.TaskPaused, func(tx *sql.Tx, t *domain.Task, now int64) error {
		t.PausedFrom = t.State
		t.State = domain.TaskPaused
		t.ReviewerID = ""
		t.ReviewStartedAt = 0
		return s.Events.Append(ctx, tx, taskEvent(t, actor, domain.EventTaskPaused, now, map[string]any{
			"from": t.PausedFrom,
		}))
	})
}

// ResumeTask leaves PAUSED. A task paused while running returns to RUNNING
// only if its worker is alive and still holds it; otherwise it is requeued.
func (s *Store) ResumeTask(ctx context.Context, id, actor string) (*domain.Task, error) {
	return s.mutateTask(ctx, id, actor, "", func(tx *sql.Tx, t *domain.Task, now int64) error {
		if t.State != domain.TaskPaused {
			return domain.Errorf(domain.ErrInvalidTransition, "task is %s, not PAUSED", t.State)
		}
		to := domain.TaskQueued
		switch t.PausedFrom {
		case domain.TaskRunning:
			if t.WorkerID != "" {
				w, err := s.Workers.Get(ctx, tx, t.WorkerID)
				if err == nil && w.CurrentTaskID == t.ID && w.Status != domain.WorkerDead && w.Status != domain.WorkerStale {
					to = domain.TaskRunning
				}
			}
		case domain.TaskReview:
			to = domain.TaskReview
		}
		if to == domain.TaskQueued && t.WorkerID != "" {
			if err := s.detachWorker(ctx, tx, t.WorkerID, t.ID, now); err != nil {
				return err
			}
			t.WorkerID = ""
			t.LaneEnteredAt = now
		}
		if to == domain.TaskRunning {
			t.LastActivityAt = now
		}
		if err := step(t, to); err != nil {
			return err
		}
		t.PausedFrom = ""
		return s.Events.Append(ctx, tx, taskEvent(t, actor, domain.EventTaskResumed, now, map[string]any{
			"to":        to,
			"worker_id": t.WorkerID,
		}))
	})
}

// RequeueTask resolves an ESCALATED task by putting it back in its lane with
// a fresh retry budget.
func (s *Store) RequeueTask(ctx context.Context, id, actor string) (*domain.Task, error) {
	return s.mutateTask(ctx, id, actor, domain.TaskQueued, func(tx *sql.Tx, t *domain.Task, now int64) error {
		if t.State != domain.TaskEscalated {
			return domain.Errorf(domain.ErrInvalidTransition, "only ESCALATED tasks can be requeued by an operator; task is %s", t.State)
		}
		t.State = domain.TaskQueued
		t.RetryCount = 0
		t.WorkerID = ""
		t.LaneEnteredAt = now
		return s.Events.Append(ctx, tx, taskEvent(t, actor, domain.EventTaskRequeued, now, map[string]any{
			"reason": "operator_resolution",
		}))
	})
}

// SetMaxRetries overrides the retry limit of a non-terminal task.
func (s *Store) SetMaxRetries(ctx context.Context, id, actor string, n int) (*domain.Task, error) {
	if n < 0 {
		return nil, domain.Errorf(domain.ErrInvalidTaskSpec, "max_retries must not be negative")
	}
	return s.mutateTask(ctx, id, actor, "", func(tx *sql.Tx, t *domain.Task, now int64) error {
		if t.State.Terminal() {
			return domain.Errorf(domain.ErrInvalidTransition, "task is %s (terminal); retry limit is frozen", t.State)
		}
		old := t.MaxRetries
		t.MaxRetries = n
		return s.Events.Append(ctx, tx, taskEvent(t, actor, domain.EventRetryLimitChanged, now, map[string]any{
			"from": old,
			"to":   n,
		}))
	})
}

// releaseHolder frees the worker and locks held for t. The task keeps its
// worker id so the worker's next heartbeat reports why it lost the task.
func (s *Store) releaseHolder(ctx context.Context, tx *sql.Tx, t *domain.Task, now int64) error {
	if t.WorkerID != "" {
		if err := s.detachWorker(ctx, tx, t.WorkerID, t.ID, now); err != nil {
			return err
		}
	}
	return s.Locks.ReleaseForTask(ctx, tx, t.ID)
}

// detachWorker returns a worker that still points at taskID to IDLE.
func (s *Store) detachWorker(ctx context.Context, q querier, workerID, taskID string, now int64) error {
	w, err := s.Workers.Get(ctx, q, workerID)
	if err != nil {
		if errors.Is(err, domain.ErrWorkerNotFound) {
			return nil
		}
		return err
	}
	if w.CurrentTaskID != taskID || w.Status == domain.WorkerDead {
		return nil
	}
	return s.Workers.SetStatus(ctx, q, workerID, domain.WorkerIdle, "", now)
}

func taskEvent(t *domain.Task, actor, typ string, now int64, payload map[string]any) domain.Event {
	return domain.Event{
		TaskID:      t.ID,
		Actor:       actor,
		Type:        typ,
		PayloadJSON: mustJSON(payload),
		TraceID:     t.TraceID,
		CreatedAt:   now,
	}
}

// Transition applies an operator action named by its target state.
// A PAUSED task asked to go RUNNING or QUEUED is resumed.
func (s *Store) Transition(ctx context.Context, id string, to domain.TaskState, actor, reason string) (*domain.Task, error) {
	switch to {
	case domain.TaskCancelled:
		return s.CancelTask(ctx, id, actor, reason)
	case domain.TaskEscalated:
		return s.EscalateTask(ctx, id, actor, reason)
	case domain.TaskPaused:
		return s.PauseTask(ctx, id, actor)
	case domain.TaskRunning:
		return s.ResumeTask(ctx, id, actor)
	case domain.TaskQueued:
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.State == domain.TaskPaused {
			return s.ResumeTask(ctx, id, actor)
		}
		return s.RequeueTask(ctx, id, actor)
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, s.rejectTransition(ctx, t, actor, to,
		domain.Errorf(domain.ErrInvalidTransition, "operators cannot move a task to %s", to))
}
