package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rogers-f/taskengine/internal/domain"
)

// BreakerRepo handles persistence for per-resource circuit breaker rows.
type BreakerRepo struct{}

const breakerColumns = `resource, state, consecutive_failures, streak_started_at, short_circuit_count,
	last_failure_at, last_success_at, opened_at, trial_started_at, updated_at`

func scanBreaker(row scanner) (*domain.BreakerState, error) {
	var b domain.BreakerState
	var state string
	if err := row.Scan(&b.Resource, &state, &b.ConsecutiveFailures, &b.StreakStartedAt, &b.ShortCircuitCount,
		&b.LastFailureAt, &b.LastSuccessAt, &b.OpenedAt, &b.TrialStartedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.State = domain.CircuitState(state)
	return &b, nil
}

// Get returns the breaker row for resource, or a fresh CLOSED state when none exists.
func (r *BreakerRepo) Get(ctx context.Context, q querier, resource string) (*domain.BreakerState, error) {
	row := q.QueryRowContext(ctx, `SELECT `+breakerColumns+` FROM breakers WHERE resource = ?`, resource)
	b, err := scanBreaker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.BreakerState{Resource: resource, State: domain.CircuitClosed}, nil
		}
		return nil, fmt.Errorf("get breaker: %w", err)
	}
	return b, nil
}

// Save upserts the breaker row.
func (r *BreakerRepo) Save(ctx context.Context, q querier, b *domain.BreakerState) error {
	const stmt = `INSERT INTO breakers (resource, state, consecutive_failures, streak_started_at, short_circuit_count,
	last_failure_at, last_success_at, opened_at, trial_started_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(resource) DO UPDATE SET
	state = excluded.state,
	consecutive_failures = excluded.consecutive_failures,
	streak_started_at = excluded.streak_started_at,
	short_circuit_count = excluded.short_circuit_count,
	last_failure_at = excluded.last_failure_at,
	last_success_at = excluded.last_success_at,
	opened_at = excluded.opened_at,
	trial_started_at = excluded.trial_started_at,
	updated_at = excluded.updated_at`
	_, err := q.ExecContext(ctx, stmt, b.Resource, string(b.State), b.ConsecutiveFailures, b.StreakStartedAt,
		b.ShortCircuitCount, b.LastFailureAt, b.LastSuccessAt, b.OpenedAt, b.TrialStartedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save breaker: %w", err)
	}
	return nil
}

// List returns every persisted breaker row ordered by resource.
func (r *BreakerRepo) List(ctx context.Context, q querier) ([]domain.BreakerState, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+breakerColumns+` FROM breakers ORDER BY resource ASC`)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()

	var out []domain.BreakerState
	for rows.Next() {
		b, err := scanBreaker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan breaker: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
