package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/workflow"
)

// Recovery describes one task taken back from a silent or dead worker.
type Recovery struct {
	TaskID     string           `json:"task_id"`
	WorkerID   string           `json:"worker_id"`
	To         domain.TaskState `json:"to"`
	RetryCount int              `json:"retry_count"`
}

// recoverTask moves a RUNNING task through TIMEOUT back to its lane, or to
// ESCALATED once retries are exhausted. The progress marker is kept.
func (s *Store) recoverTask(ctx context.Context, tx *sql.Tx, t *domain.Task, actor, cause string, now int64) (Recovery, error) {
	prevWorker := t.WorkerID
	if err := step(t, domain.TaskTimeout); err != nil {
		return Recovery{}, err
	}
	if err := s.Events.Append(ctx, tx, taskEvent(t, actor, domain.EventTaskTimedOut, now, map[string]any{
		"worker_id":     prevWorker,
		"cause":         cause,
		"last_activity": t.LastActivityAt,
	})); err != nil {
		return Recovery{}, err
	}

	to, n := workflow.RetryOutcome(t.RetryCount, t.MaxRetries, domain.TaskEscalated)
	if err := step(t, to); err != nil {
		return Recovery{}, err
	}
	t.RetryCount = n
	t.WorkerID = ""
	t.PreemptRequested = 0
	t.LastError = cause
	t.UpdatedAt = now
	if to == domain.TaskQueued {
		t.LaneEnteredAt = now
	}
	if err := s.Tasks.Update(ctx, tx, t, domain.TaskRunning); err != nil {
		return Recovery{}, err
	}
	if err := s.Locks.ReleaseForTask(ctx, tx, t.ID); err != nil {
		return Recovery{}, err
	}

	typ := domain.EventTaskRequeued
	payload := map[string]any{"reason": cause, "retry_count": n}
	if to == domain.TaskEscalated {
		typ = domain.EventTaskEscalated
		payload["reason"] = domain.ErrMaxRetriesExceeded.Error()
		payload["cause"] = cause
	}
	if err := s.Events.Append(ctx, tx, taskEvent(t, actor, typ, now, payload)); err != nil {
		return Recovery{}, err
	}
	return Recovery{TaskID: t.ID, WorkerID: prevWorker, To: to, RetryCount: n}, nil
}

// RecoverIdleTasks requeues RUNNING tasks that expired reports idle for too
// long, marking their workers STALE.
func (s *Store) RecoverIdleTasks(ctx context.Context, expired func(t *domain.Task, now time.Time) bool) ([]Recovery, error) {
	var out []Recovery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		nowT := s.now()
		now := nowT.Unix()
		running, err := s.Tasks.ListIdle(ctx, tx, now)
		if err != nil {
			return err
		}
		for _, t := range running {
			if !expired(t, nowT) {
				continue
			}
			rec, err := s.recoverTask(ctx, tx, t, "reaper", "timeout", now)
			if err != nil {
				return err
			}
			if rec.WorkerID != "" {
				if err := s.markWorker(ctx, tx, rec.WorkerID, domain.WorkerStale, domain.EventWorkerStale, now); err != nil {
					return err
				}
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkDeadWorkers declares workers that have not heartbeat since cutoff DEAD
// and recovers whatever they held.
func (s *Store) MarkDeadWorkers(ctx context.Context, cutoff time.Time) ([]string, []Recovery, error) {
	var dead []string
	var recovered []Recovery
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		dead, recovered = nil, nil
		now := s.unix()
		silent, err := s.Workers.ListSilent(ctx, tx, cutoff.Unix())
		if err != nil {
			return err
		}
		for _, w := range silent {
			recs, err := s.abandonWorkerTasks(ctx, tx, w.ID, "worker_dead", now)
			if err != nil {
				return err
			}
			recovered = append(recovered, recs...)
			if err := s.markWorker(ctx, tx, w.ID, domain.WorkerDead, domain.EventWorkerDead, now); err != nil {
				return err
			}
			dead = append(dead, w.ID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return dead, recovered, nil
}

// abandonWorkerTasks recovers RUNNING tasks of workerID and detaches it from
// tasks it parked in PAUSED.
func (s *Store) abandonWorkerTasks(ctx context.Context, tx *sql.Tx, workerID, cause string, now int64) ([]Recovery, error) {
	held, err := s.Tasks.List(ctx, tx, TaskFilter{
		States:   []domain.TaskState{domain.TaskRunning, domain.TaskPaused},
		WorkerID: workerID,
	})
	if err != nil {
		return nil, err
	}
	var out []Recovery
	for _, t := range held {
		if t.State == domain.TaskPaused {
			t.WorkerID = ""
			t.PausedFrom = domain.TaskQueued
			t.UpdatedAt = now
			if err := s.Tasks.Update(ctx, tx, t, domain.TaskPaused); err != nil {
				return nil, err
			}
			continue
		}
		rec, err := s.recoverTask(ctx, tx, t, "reaper", cause, now)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) markWorker(ctx context.Context, tx *sql.Tx, workerID string, status domain.WorkerStatus, eventType string, now int64) error {
	w, err := s.Workers.Get(ctx, tx, workerID)
	if err != nil {
		return err
	}
	if w.Status == status {
		return nil
	}
	if err := s.Workers.SetStatus(ctx, tx, workerID, status, "", now); err != nil {
		return err
	}
	return s.Events.Append(ctx, tx, domain.Event{
		Actor:       "reaper",
		Type:        eventType,
		PayloadJSON: mustJSON(map[string]any{"worker_id": workerID, "previous": w.Status, "last_heartbeat": w.LastHeartbeat}),
		CreatedAt:   now,
	})
}

// ReleaseOrphanedLocks drops every lock acquired at or before cutoff.
func (s *Store) ReleaseOrphanedLocks(ctx context.Context, cutoff time.Time) ([]domain.Lock, error) {
	var out []domain.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.unix()
		locks, err := s.Locks.ListOlderThan(ctx, tx, cutoff.Unix())
		if err != nil {
			return err
		}
		out = locks
		for _, l := range locks {
			if err := s.Locks.Release(ctx, tx, l.Name); err != nil {
				return err
			}
			if err := s.Events.Append(ctx, tx, domain.Event{
				TaskID:      l.TaskID,
				Actor:       "reaper",
				Type:        domain.EventLockReleased,
				PayloadJSON: mustJSON(map[string]any{"name": l.Name, "worker_id": l.WorkerID, "acquired_at": l.AcquiredAt}),
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReclaimStuckReviews returns REVIEW tasks whose reviewer claimed them at or
// before cutoff to the unclaimed review pool.
func (s *Store) ReclaimStuckReviews(ctx context.Context, cutoff time.Time) ([]string, error) {
	var out []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		now := s.unix()
		stuck, err := s.Tasks.query(ctx, tx, `SELECT `+taskColumns+` FROM tasks
WHERE state = ? AND reviewer_id != '' AND review_started_at <= ? ORDER BY review_started_at ASC`,
			string(domain.TaskReview), cutoff.Unix())
		if err != nil {
			return err
		}
		for _, t := range stuck {
			reviewer := t.ReviewerID
			t.ReviewerID = ""
			t.ReviewStartedAt = 0
			t.UpdatedAt = now
			if err := s.Tasks.Update(ctx, tx, t, domain.TaskReview); err != nil {
				return err
			}
			if err := s.Events.Append(ctx, tx, taskEvent(t, "reaper", domain.EventReviewReclaimed, now, map[string]any{
				"reviewer_id": reviewer,
			})); err != nil {
				return err
			}
			out = append(out, t.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Promotion records one anti-starvation boost.
type Promotion struct {
	TaskID     string          `json:"task_id"`
	From       domain.Priority `json:"from"`
	To         domain.Priority `json:"to"`
	BoostCount int             `json:"boost_count"`
}

// PromoteStarved moves queued tasks that have waited in their lane longer
// than the lane's threshold up one lane. A task moves at most one lane per
// call. Lanes without a positive threshold are skipped. Promotion keeps the
// original creation time, so a promoted task is ordered ahead of newer tasks
// already in its new lane.
func (s *Store) PromoteStarved(ctx context.Context, thresholds map[domain.Priority]time.Duration) ([]Promotion, error) {
	var out []Promotion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		nowT := s.now()
		now := nowT.Unix()
		for _, lane := range []domain.Priority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow} {
			limit := thresholds[lane]
			if limit <= 0 {
				continue
			}
			starved, err := s.Tasks.ListStarved(ctx, tx, lane, nowT.Add(-limit).Unix())
			if err != nil {
				return err
			}
			for _, t := range starved {
				from := t.Priority
				t.Priority = from.Next()
				t.BoostCount++
				t.LaneEnteredAt = now
				t.UpdatedAt = now
				if err := s.Tasks.Update(ctx, tx, t, domain.TaskQueued); err != nil {
					return err
				}
				if err := s.Events.Append(ctx, tx, taskEvent(t, "scheduler", domain.EventTaskPromoted, now, map[string]any{
					"from":        from,
					"to":          t.Priority,
					"boost_count": t.BoostCount,
				})); err != nil {
					return err
				}
				out = append(out, Promotion{TaskID: t.ID, From: from, To: t.Priority, BoostCount: t.BoostCount})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
