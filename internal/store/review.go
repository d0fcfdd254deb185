package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/workflow"
)

// ClaimReview hands the oldest unclaimed REVIEW task to reviewerID.
// It returns ErrNoTask when no review is waiting.
func (s *Store) ClaimReview(ctx context.Context, reviewerID string) (*domain.Task, error) {
	return s.claimReview(ctx, reviewerID, "")
}

// ClaimReviewOf claims the review of one task. It returns ErrNoTask when
// the task is not waiting for review or another reviewer holds it.
func (s *Store) ClaimReviewOf(ctx context.Context, reviewerID, taskID string) (*domain.Task, error) {
	return s.claimReview(ctx, reviewerID, taskID)
}

func (s *Store) claimReview(ctx context.Context, reviewerID, taskID string) (*domain.Task, error) {
	var out *domain.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		query := `SELECT ` + taskColumns + ` FROM tasks WHERE state = ? AND reviewer_id = ''`
		args := []any{string(domain.TaskReview)}
		if taskID != "" {
			query += ` AND task_id = ?`
			args = append(args, taskID)
		}
		query += ` ORDER BY priority_rank DESC, updated_at ASC, rowid ASC LIMIT 1`
		t, err := scanTask(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNoTask
			}
			return fmt.Errorf("select review: %w", err)
		}
		now := s.unix()
		t.ReviewerID = reviewerID
		t.ReviewStartedAt = now
		t.UpdatedAt = now
		if err := s.Tasks.Update(ctx, tx, t, domain.TaskReview); err != nil {
			return err
		}
		if err := s.Events.Append(ctx, tx, taskEvent(t, reviewerID, domain.EventReviewStarted, now, nil)); err != nil {
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

// ApplyReview applies a consensus outcome to a REVIEW task held by
// reviewerID. Compound moves (approve then complete or advance, reject then
// requeue or escalate) commit as one transaction with one event per edge.
func (s *Store) ApplyReview(ctx context.Context, taskID, reviewerID string, o domain.ReviewOutcome) (*domain.Task, error) {
	return s.mutateTask(ctx, taskID, reviewerID, "", func(tx *sql.Tx, t *domain.Task, now int64) error {
		if t.State != domain.TaskReview || t.ReviewerID != reviewerID {
			return domain.Errorf(domain.ErrClaimLost, "review of %s is no longer held by %s", t.ID, reviewerID)
		}
		t.ReviewerID = ""
		t.ReviewStartedAt = 0
		emit := func(typ string, payload map[string]any) error {
			return s.Events.Append(ctx, tx, taskEvent(t, reviewerID, typ, now, payload))
		}

		switch o.Verdict {
		case domain.VerdictApprove:
			if err := step(t, domain.TaskApproved); err != nil {
				return err
			}
			if err := emit(domain.EventTaskApproved, map[string]any{"phase": t.Phase}); err != nil {
				return err
			}
			switch {
			case o.Complete:
				from := t.Phase
				if err := step(t, domain.TaskCompleted); err != nil {
					return err
				}
				if t.Phase != domain.PhaseNone {
					t.Phase = domain.PhaseComplete
					if err := emit(domain.EventPhaseAdvanced, map[string]any{"from": from, "to": t.Phase}); err != nil {
						return err
					}
				}
				return emit(domain.EventTaskCompleted, nil)
			case o.NextPhase != "":
				if !workflow.ValidPhase(o.NextPhase) {
					return domain.Errorf(domain.ErrInvalidPhase, "unknown phase %q", o.NextPhase)
				}
				from := t.Phase
				if err := step(t, domain.TaskQueued); err != nil {
					return err
				}
				t.Phase = o.NextPhase
				t.RetryCount = 0
				t.Feedback = ""
				t.ProgressMarker = ""
				t.LaneEnteredAt = now
				if err := emit(domain.EventPhaseAdvanced, map[string]any{"from": from, "to": t.Phase}); err != nil {
					return err
				}
				return emit(domain.EventTaskRequeued, map[string]any{"reason": "phase_advanced"})
			default:
				if err := step(t, domain.TaskCompleted); err != nil {
					return err
				}
				return emit(domain.EventTaskCompleted, nil)
			}

		case domain.VerdictReject:
			if err := step(t, domain.TaskRejected); err != nil {
				return err
			}
			t.Feedback = o.Feedback
			to, n := workflow.RetryOutcome(t.RetryCount, t.MaxRetries, domain.TaskEscalated)
			t.RetryCount = n
			if err := emit(domain.EventTaskRejected, map[string]any{
				"feedback":    json.RawMessage(feedbackJSON(o.Feedback)),
				"retry_count": n,
			}); err != nil {
				return err
			}
			if err := step(t, to); err != nil {
				return err
			}
			if to == domain.TaskQueued {
				t.LaneEnteredAt = now
				return emit(domain.EventTaskRequeued, map[string]any{"reason": "rejected", "retry_count": n})
			}
			history, err := s.rejectionHistory(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			return emit(domain.EventTaskEscalated, map[string]any{
				"reason":  domain.ErrMaxRetriesExceeded.Error(),
				"history": history,
			})

		case domain.VerdictEscalate:
			if err := step(t, domain.TaskEscalated); err != nil {
				return err
			}
			t.Feedback = o.Feedback
			history, err := s.rejectionHistory(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			reason := o.Reason
			if reason == "" {
				reason = "review_escalated"
			}
			return emit(domain.EventTaskEscalated, map[string]any{
				"reason":   reason,
				"feedback": json.RawMessage(feedbackJSON(o.Feedback)),
				"history":  history,
			})
		}
		return domain.Errorf(domain.ErrVoteInvalid, "unknown review verdict %q", o.Verdict)
	})
}

// ReleaseReview gives up reviewerID's claim on a REVIEW task without a
// verdict. The task returns to the unclaimed review pool with a
// REVIEW_RECLAIMED event naming reason.
func (s *Store) ReleaseReview(ctx context.Context, taskID, reviewerID, reason string) (*domain.Task, error) {
	return s.mutateTask(ctx, taskID, reviewerID, "", func(tx *sql.Tx, t *domain.Task, now int64) error {
		if t.State != domain.TaskReview || t.ReviewerID != reviewerID {
			return domain.Errorf(domain.ErrClaimLost, "review of %s is no longer held by %s", t.ID, reviewerID)
		}
		t.ReviewerID = ""
		t.ReviewStartedAt = 0
		return s.Events.Append(ctx, tx, taskEvent(t, reviewerID, domain.EventReviewReclaimed, now, map[string]any{
			"reviewer_id": reviewerID,
			"reason":      reason,
		}))
	})
}

// feedbackJSON returns fb when it is a JSON document, or fb quoted as a string.
func feedbackJSON(fb string) string {
	if fb != "" && json.Valid([]byte(fb)) {
		return fb
	}
	b, _ := json.Marshal(fb)
	return string(b)
}

// rejectionHistory collects the rejection feedback payloads of a task in order.
func (s *Store) rejectionHistory(ctx context.Context, q querier, taskID string) ([]json.RawMessage, error) {
	events, err := s.Events.List(ctx, q, EventFilter{TaskID: taskID, Types: []string{domain.EventTaskRejected}})
	if err != nil {
		return nil, err
	}
	history := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		history = append(history, json.RawMessage(e.PayloadJSON))
	}
	return history, nil
}

// RejectionHistory returns the TASK_REJECTED events of a task.
func (s *Store) RejectionHistory(ctx context.Context, taskID string) ([]domain.Event, error) {
	return s.ListEvents(ctx, EventFilter{TaskID: taskID, Types: []string{domain.EventTaskRejected}})
}

// ListEvents reads the event log.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	events, err := s.Events.List(ctx, s.db, f)
	if err != nil {
		return nil, classify(err)
	}
	return events, nil
}

// RecordVote stores one immutable consensus vote.
func (s *Store) RecordVote(ctx context.Context, v domain.ConsensusVote) error {
	if v.CreatedAt == 0 {
		v.CreatedAt = s.unix()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.Votes.Create(ctx, tx, v)
	})
}

// ListVotes returns every vote cast on a task.
func (s *Store) ListVotes(ctx context.Context, taskID string) ([]domain.ConsensusVote, error) {
	votes, err := s.Votes.ListByTask(ctx, s.db, taskID)
	if err != nil {
		return nil, classify(err)
	}
	return votes, nil
}

// AddArtifact records an artifact for a task phase.
func (s *Store) AddArtifact(ctx context.Context, a domain.Artifact) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = s.unix()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.Tasks.Get(ctx, tx, a.TaskID); err != nil {
			return err
		}
		return s.Artifacts.Save(ctx, tx, a)
	})
}

// ListArtifacts returns the artifacts recorded for a task phase.
func (s *Store) ListArtifacts(ctx context.Context, taskID string, phase domain.Phase) ([]domain.Artifact, error) {
	arts, err := s.Artifacts.List(ctx, s.db, taskID, phase)
	if err != nil {
		return nil, classify(err)
	}
	return arts, nil
}
