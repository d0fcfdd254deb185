package store

import (
	"context"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// GovernorRepo handles persistence for the singleton budget row.
type GovernorRepo struct{}

// Get reads the governor row.
func (r *GovernorRepo) Get(ctx context.Context, q querier) (*domain.GovernorState, error) {
	var g domain.GovernorState
	var paused, warned int
	var reason string
	err := q.QueryRowContext(ctx, `SELECT paused, pause_reason, paused_at, day_start, session_start, last_rate, warned, updated_at
FROM governor WHERE id = 1`).Scan(&paused, &reason, &g.PausedAt, &g.DayStart, &g.SessionStart, &g.LastRate, &warned, &g.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get governor: %w", err)
	}
	g.Paused = paused != 0
	g.Warned = warned != 0
	g.Reason = domain.PauseReason(reason)
	return &g, nil
}

// Save writes the governor row.
func (r *GovernorRepo) Save(ctx context.Context, q querier, g *domain.GovernorState) error {
	_, err := q.ExecContext(ctx, `UPDATE governor SET paused = ?, pause_reason = ?, paused_at = ?, day_start = ?,
	session_start = ?, last_rate = ?, warned = ?, updated_at = ? WHERE id = 1`,
		boolInt(g.Paused), string(g.Reason), g.PausedAt, g.DayStart, g.SessionStart, g.LastRate, boolInt(g.Warned), g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save governor: %w", err)
	}
	return nil
}

// IsPaused reads only the paused flag.
func (r *GovernorRepo) IsPaused(ctx context.Context, q querier) (bool, domain.PauseReason, error) {
	var paused int
	var reason string
	if err := q.QueryRowContext(ctx, `SELECT paused, pause_reason FROM governor WHERE id = 1`).Scan(&paused, &reason); err != nil {
		return false, "", fmt.Errorf("read pause flag: %w", err)
	}
	return paused != 0, domain.PauseReason(reason), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
