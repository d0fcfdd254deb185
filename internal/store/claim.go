package store

import (
	"context"
	"database/sql"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/workflow"
)

// ClaimTask atomically hands the most urgent matching queued task to
// workerID. Exactly one of any number of concurrent claimers wins a given
// task. It returns ErrNoTask when nothing matches and ErrBudgetPaused while
// the governor has claims paused.
func (s *Store) ClaimTask(ctx context.Context, workerID string, f domain.ClaimFilter) (*domain.Task, error) {
	var claimed *domain.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		w, err := s.Workers.Get(ctx, tx, workerID)
		if err != nil {
			return err
		}
		if w.Status == domain.WorkerDead {
			return domain.Errorf(domain.ErrWorkerDead, "worker %s is dead; re-register before claiming", workerID)
		}
		paused, reason, err := s.Governor.IsPaused(ctx, tx)
		if err != nil {
			return err
		}
		if paused {
			return domain.Errorf(domain.ErrBudgetPaused, "claims paused (%s)", reason)
		}

		t, err := s.Tasks.NextClaimable(ctx, tx, f)
		if err != nil {
			return err
		}
		if t == nil {
			return domain.ErrNoTask
		}
		if err := workflow.ValidateTransition(t.State, domain.TaskRunning); err != nil {
			return err
		}

		now := s.unix()
		t.State = domain.TaskRunning
		t.WorkerID = workerID
		t.LastActivityAt = now
		t.PreemptRequested = 0
		t.UpdatedAt = now
		if err := s.Tasks.Update(ctx, tx, t, domain.TaskQueued); err != nil {
			return err
		}
		if t.LockKey != "" {
			if err := s.Locks.Acquire(ctx, tx, domain.Lock{Name: t.LockKey, WorkerID: workerID, TaskID: t.ID, AcquiredAt: now}); err != nil {
				return err
			}
		}
		if err := s.Workers.SetStatus(ctx, tx, workerID, domain.WorkerBusy, t.ID, now); err != nil {
			return err
		}
		if err := s.Workers.Touch(ctx, tx, workerID, now); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, taskEvent(t, workerID, domain.EventTaskClaimed, now, map[string]any{
			"worker_id":       workerID,
			"priority":        t.Priority,
			"retry_count":     t.RetryCount,
			"progress_marker": t.ProgressMarker,
		})); err != nil {
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ownedRunning checks that workerID still holds t as a RUNNING task and
// returns the error the worker should act on otherwise.
func ownedRunning(t *domain.Task, workerID string) error {
	if t.WorkerID != workerID {
		return domain.Errorf(domain.ErrClaimLost, "task %s is no longer held by %s", t.ID, workerID)
	}
	switch t.State {
	case domain.TaskRunning:
		return nil
	case domain.TaskPaused:
		return domain.Errorf(domain.ErrTaskPaused, "task %s paused", t.ID)
	case domain.TaskCancelled:
		return domain.Errorf(domain.ErrTaskCancelled, "task %s cancelled", t.ID)
	}
	return domain.Errorf(domain.ErrClaimLost, "task %s is %s", t.ID, t.State)
}

// Heartbeat records worker liveness and, when taskID is set, task activity.
// The heartbeat itself is always committed; the returned error tells the
// worker whether it still holds the task (ErrClaimLost, ErrTaskPaused,
// ErrTaskCancelled).
func (s *Store) Heartbeat(ctx context.Context, workerID, taskID string) error {
	return s.touchTask(ctx, workerID, taskID, nil)
}

// ReportProgress records a resumable progress marker for a running task.
// It doubles as a heartbeat.
func (s *Store) ReportProgress(ctx context.Context, workerID, taskID, marker string) error {
	return s.touchTask(ctx, workerID, taskID, &marker)
}

func (s *Store) touchTask(ctx context.Context, workerID, taskID string, marker *string) error {
	var observed error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		observed = nil
		now := s.unix()
		if err := s.Workers.Touch(ctx, tx, workerID, now); err != nil {
			return err
		}
		if taskID == "" {
			return nil
		}
		t, err := s.Tasks.Get(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := ownedRunning(t, workerID); err != nil {
			observed = err
			return nil
		}
		t.LastActivityAt = now
		t.UpdatedAt = now
		if marker != nil {
			t.ProgressMarker = *marker
		}
		return s.Tasks.Update(ctx, tx, t, domain.TaskRunning)
	})
	if err != nil {
		return err
	}
	return observed
}

// ReleaseTask gives a running task back to its lane. Failure-like reasons
// consume a retry and fail the task once the limit is reached; preemption,
// budget, kill and shutdown do not.
func (s *Store) ReleaseTask(ctx context.Context, taskID, workerID string, reason domain.ReleaseReason, detail string) (*domain.Task, error) {
	var out *domain.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		t, err := s.Tasks.Get(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := s.unix()

		// A worker parked on a paused task gives up its hold; resume then requeues.
		if t.State == domain.TaskPaused && t.WorkerID == workerID {
			t.WorkerID = ""
			t.PausedFrom = domain.TaskQueued
			t.UpdatedAt = now
			if err := s.Tasks.Update(ctx, tx, t, domain.TaskPaused); err != nil {
				return err
			}
			out = t
			return s.Workers.SetStatus(ctx, tx, workerID, domain.WorkerIdle, "", now)
		}
		if err := ownedRunning(t, workerID); err != nil {
			return err
		}

		to := domain.TaskQueued
		if reason.CountsRetry() {
			to, t.RetryCount = workflow.RetryOutcome(t.RetryCount, t.MaxRetries, domain.TaskFailed)
			t.LastError = detail
		}
		if err := step(t, to); err != nil {
			return err
		}
		t.WorkerID = ""
		t.PreemptRequested = 0
		t.UpdatedAt = now
		if to == domain.TaskQueued {
			t.LaneEnteredAt = now
		}
		if err := s.Tasks.Update(ctx, tx, t, domain.TaskRunning); err != nil {
			return err
		}
		if err := s.Locks.ReleaseForTask(ctx, tx, t.ID); err != nil {
			return err
		}
		if err := s.Workers.SetStatus(ctx, tx, workerID, domain.WorkerIdle, "", now); err != nil {
			return err
		}

		payload := map[string]any{
			"reason":          reason,
			"detail":          detail,
			"retry_count":     t.RetryCount,
			"progress_marker": t.ProgressMarker,
		}
		typ := domain.EventTaskReleased
		switch {
		case to == domain.TaskFailed:
			typ = domain.EventTaskFailed
			payload["error"] = domain.ErrMaxRetriesExceeded.Error()
		case reason == domain.ReleasePreempted:
			typ = domain.EventTaskPreempted
		}
		if err := s.Events.Append(ctx, tx, taskEvent(t, workerID, typ, now, payload)); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitForReview moves a running task to REVIEW with its result and the
// artifacts produced for the current phase.
func (s *Store) SubmitForReview(ctx context.Context, taskID, workerID string, res domain.WorkResult) (*domain.Task, error) {
	var out *domain.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		t, err := s.Tasks.Get(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := ownedRunning(t, workerID); err != nil {
			return err
		}
		if err := step(t, domain.TaskReview); err != nil {
			return err
		}
		now := s.unix()
		t.Implementer = res.Resource
		t.ResultRef = res.ResultRef
		t.WorkerID = ""
		t.PreemptRequested = 0
		t.ReviewerID = ""
		t.ReviewStartedAt = 0
		t.UpdatedAt = now
		if err := s.Tasks.Update(ctx, tx, t, domain.TaskRunning); err != nil {
			return err
		}
		for _, a := range res.Artifacts {
			a.TaskID = t.ID
			a.Phase = t.Phase
			a.CreatedAt = now
			if err := s.Artifacts.Save(ctx, tx, a); err != nil {
				return err
			}
		}
		if err := s.Locks.ReleaseForTask(ctx, tx, t.ID); err != nil {
			return err
		}
		if err := s.Workers.SetStatus(ctx, tx, workerID, domain.WorkerIdle, "", now); err != nil {
			return err
		}
		if err := s.Workers.IncrementCompleted(ctx, tx, workerID); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, taskEvent(t, workerID, domain.EventTaskSubmittedReview, now, map[string]any{
			"implementer": res.Resource,
			"result_ref":  res.ResultRef,
			"summary":     res.Summary,
			"artifacts":   len(res.Artifacts),
		})); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RequestPreemption marks a running task for preemption on behalf of a
// waiting CRITICAL task. It reports false when the task is no longer running
// or already has a pending request.
func (s *Store) RequestPreemption(ctx context.Context, taskID, forTaskID string) (*domain.Task, bool, error) {
	var out *domain.Task
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out, ok = nil, false
		t, err := s.Tasks.Get(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.State != domain.TaskRunning || t.PreemptRequested != 0 || t.Priority == domain.PriorityCritical {
			return nil
		}
		now := s.unix()
		t.PreemptRequested = now
		t.UpdatedAt = now
		if err := s.Tasks.Update(ctx, tx, t, domain.TaskRunning); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, taskEvent(t, "scheduler", domain.EventTaskPreemptRequested, now, map[string]any{
			"worker_id": t.WorkerID,
			"for_task":  forTaskID,
		})); err != nil {
			return err
		}
		out, ok = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

// PreemptTask releases a running task for a waiting CRITICAL task. Progress
// is kept and no retry is consumed.
func (s *Store) PreemptTask(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	return s.ReleaseTask(ctx, taskID, workerID, domain.ReleasePreempted, "")
}
