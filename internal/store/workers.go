package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/rogers-f/taskengine/internal/domain"
)

// RegisterWorker records a worker identity as IDLE. Anything a previous
// process left RUNNING under the same identity is recovered as a crash.
func (s *Store) RegisterWorker(ctx context.Context, id, specialization string) (*domain.Worker, []Recovery, error) {
	if id == "" {
		return nil, nil, domain.Errorf(domain.ErrInvalidTaskSpec, "worker id is required")
	}
	var out *domain.Worker
	var recovered []Recovery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out, recovered = nil, nil
		now := s.unix()
		prev, err := s.Workers.Get(ctx, tx, id)
		if err != nil && !errors.Is(err, domain.ErrWorkerNotFound) {
			return err
		}
		if prev != nil {
			recovered, err = s.abandonWorkerTasks(ctx, tx, id, "worker_restarted", now)
			if err != nil {
				return err
			}
		}
		w := &domain.Worker{
			ID:             id,
			Specialization: specialization,
			Status:         domain.WorkerIdle,
			LastHeartbeat:  now,
			RegisteredAt:   now,
			UpdatedAt:      now,
		}
		if err := s.Workers.Upsert(ctx, tx, w); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, domain.Event{
			Actor:       id,
			Type:        domain.EventWorkerRegistered,
			PayloadJSON: mustJSON(map[string]any{"worker_id": id, "specialization": specialization, "recovered": len(recovered)}),
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		out, err = s.Workers.Get(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, recovered, nil
}

// DeregisterWorker removes a worker identity. A worker still holding a
// RUNNING task cannot be removed.
func (s *Store) DeregisterWorker(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		held, err := s.Tasks.List(ctx, tx, TaskFilter{States: []domain.TaskState{domain.TaskRunning}, WorkerID: id, Limit: 1})
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return domain.Errorf(domain.ErrWorkerRunning, "worker %s still runs task %s", id, held[0].ID)
		}
		if err := s.Workers.Delete(ctx, tx, id); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, domain.Event{
			Actor:       id,
			Type:        domain.EventWorkerDeregistered,
			PayloadJSON: mustJSON(map[string]any{"worker_id": id}),
			CreatedAt:   s.unix(),
		})
	})
}

// SetWorkerStatus records a worker-reported status. Moving to IDLE clears
// the current task.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status domain.WorkerStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		w, err := s.Workers.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if w.Status == domain.WorkerDead {
			return domain.Errorf(domain.ErrWorkerDead, "worker %s is dead", id)
		}
		taskID := w.CurrentTaskID
		if status == domain.WorkerIdle {
			taskID = ""
		}
		now := s.unix()
		if err := s.Workers.SetStatus(ctx, tx, id, status, taskID, now); err != nil {
			return err
		}
		return s.Workers.Touch(ctx, tx, id, now)
	})
}

// GetWorker returns a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id string) (*domain.Worker, error) {
	w, err := s.Workers.Get(ctx, s.db, id)
	if err != nil {
		return nil, classify(err)
	}
	return w, nil
}

// ListWorkers returns workers with any of the given statuses, or all.
func (s *Store) ListWorkers(ctx context.Context, statuses ...domain.WorkerStatus) ([]*domain.Worker, error) {
	ws, err := s.Workers.List(ctx, s.db, statuses...)
	if err != nil {
		return nil, classify(err)
	}
	return ws, nil
}
