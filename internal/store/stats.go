package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// QueueStats reports lane depths, state counts, boosted tasks and wait times.
func (s *Store) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	byState, depth, err := s.Tasks.Counts(ctx, s.db)
	if err != nil {
		return nil, classify(err)
	}
	st := &domain.QueueStats{Depth: depth, ByState: byState}

	var boosted int
	var avgCreated sql.NullFloat64
	var oldest sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT
	COALESCE(SUM(CASE WHEN boost_count > 0 THEN 1 ELSE 0 END), 0), AVG(created_at), MIN(created_at)
FROM tasks WHERE state = ?`, string(domain.TaskQueued)).Scan(&boosted, &avgCreated, &oldest)
	if err != nil {
		return nil, classify(fmt.Errorf("queue stats: %w", err))
	}
	st.Boosted = boosted
	if avgCreated.Valid {
		st.AvgWaitSec = float64(s.unix()) - avgCreated.Float64
	}
	if oldest.Valid {
		st.OldestQueuedAt = oldest.Int64
	}
	return st, nil
}

// ReviewStats counts review verdicts from the audit log and consensus
// approvals per voting round from the votes table.
func (s *Store) ReviewStats(ctx context.Context) (*domain.ReviewStats, error) {
	st := &domain.ReviewStats{}
	err := s.db.QueryRowContext(ctx, `SELECT
	COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN event_type = ? AND json_extract(payload_json, '$.reason') = ? THEN 1 ELSE 0 END), 0)
FROM events WHERE event_type IN (?, ?, ?)`,
		domain.EventTaskApproved, domain.EventTaskRejected, domain.EventTaskEscalated,
		domain.EventTaskEscalated, domain.EscalateInconclusive,
		domain.EventTaskApproved, domain.EventTaskRejected, domain.EventTaskEscalated,
	).Scan(&st.Approved, &st.Rejected, &st.Escalated, &st.Inconclusive)
	if err != nil {
		return nil, classify(fmt.Errorf("review stats: %w", err))
	}
	if decided := st.Approved + st.Rejected + st.Escalated; decided > 0 {
		st.ApprovalRate = float64(st.Approved) / float64(decided)
	}

	var approvals int
	err = s.db.QueryRowContext(ctx, `SELECT
	COUNT(DISTINCT task_id || ':' || round),
	COALESCE(SUM(CASE WHEN decision = ? THEN 1 ELSE 0 END), 0)
FROM votes`, string(domain.VoteApprove)).Scan(&st.Rounds, &approvals)
	if err != nil {
		return nil, classify(fmt.Errorf("vote stats: %w", err))
	}
	if st.Rounds > 0 {
		st.AvgApprovals = float64(approvals) / float64(st.Rounds)
	}
	return st, nil
}
