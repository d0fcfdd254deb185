package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
)

// RecordSpend appends an immutable spend sample.
func (s *Store) RecordSpend(ctx context.Context, rec domain.SpendRecord) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.unix()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.Spend.Create(ctx, tx, rec)
	})
}

// SpendSince sums spend recorded at or after from.
func (s *Store) SpendSince(ctx context.Context, from time.Time) (float64, error) {
	total, err := s.Spend.SumSince(ctx, s.db, from.Unix())
	if err != nil {
		return 0, classify(err)
	}
	return total, nil
}

// ListSpend returns the spend records of one task.
func (s *Store) ListSpend(ctx context.Context, taskID string) ([]domain.SpendRecord, error) {
	recs, err := s.Spend.ListByTask(ctx, s.db, taskID)
	if err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// GovernorState reads the governor row.
func (s *Store) GovernorState(ctx context.Context) (*domain.GovernorState, error) {
	g, err := s.Governor.Get(ctx, s.db)
	if err != nil {
		return nil, classify(err)
	}
	return g, nil
}

// SpendWindows is a consistent snapshot of spend for the governor's windows.
type SpendWindows struct {
	Rate    float64
	Daily   float64
	Session float64
}

// UpdateGovernor runs a read-modify-write of the governor row in one
// transaction. fn receives the current state and the spend totals for the
// rate window and the daily and session windows, mutates the state, and
// returns the events to append.
func (s *Store) UpdateGovernor(ctx context.Context, rateWindow time.Duration,
	fn func(g *domain.GovernorState, spend SpendWindows, now time.Time) ([]domain.Event, error)) (*domain.GovernorState, error) {

	var out *domain.GovernorState
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		g, err := s.Governor.Get(ctx, tx)
		if err != nil {
			return err
		}
		nowT := s.now()
		var w SpendWindows
		if rateWindow > 0 {
			if w.Rate, err = s.Spend.SumSince(ctx, tx, nowT.Add(-rateWindow).Unix()); err != nil {
				return err
			}
		}
		if w.Daily, err = s.Spend.SumSince(ctx, tx, g.DayStart); err != nil {
			return err
		}
		if w.Session, err = s.Spend.SumSince(ctx, tx, g.SessionStart); err != nil {
			return err
		}
		events, err := fn(g, w, nowT)
		if err != nil {
			return err
		}
		g.UpdatedAt = nowT.Unix()
		if err := s.Governor.Save(ctx, tx, g); err != nil {
			return err
		}
		for _, ev := range events {
			if ev.CreatedAt == 0 {
				ev.CreatedAt = g.UpdatedAt
			}
			if ev.Actor == "" {
				ev.Actor = "governor"
			}
			if err := s.Events.Append(ctx, tx, ev); err != nil {
				return err
			}
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
