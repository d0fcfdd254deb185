package store

import (
	"context"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// VoteRepo handles persistence for ConsensusVote records.
type VoteRepo struct{}

// Create inserts a vote. Votes are never updated.
func (r *VoteRepo) Create(ctx context.Context, q querier, v domain.ConsensusVote) error {
	const stmt = `INSERT INTO votes (task_id, gate_id, round, voter, provider, decision, confidence, category, rationale, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, stmt, v.TaskID, v.GateID, v.Round, v.Voter, v.Provider, string(v.Decision),
		v.Confidence, v.Category, v.Rationale, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("create vote: %w", err)
	}
	return nil
}

// ListByTask returns all votes for a task ordered by round then insertion.
func (r *VoteRepo) ListByTask(ctx context.Context, q querier, taskID string) ([]domain.ConsensusVote, error) {
	const query = `SELECT id, task_id, gate_id, round, voter, provider, decision, confidence, category, rationale, created_at
FROM votes WHERE task_id = ? ORDER BY round ASC, id ASC`
	rows, err := q.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	var votes []domain.ConsensusVote
	for rows.Next() {
		var v domain.ConsensusVote
		var decision string
		if err := rows.Scan(&v.ID, &v.TaskID, &v.GateID, &v.Round, &v.Voter, &v.Provider, &decision,
			&v.Confidence, &v.Category, &v.Rationale, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Decision = domain.VoteDecision(decision)
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
