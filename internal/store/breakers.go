package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
)

// UpdateBreaker runs a read-modify-write of one resource's breaker row.
// fn mutates the state and returns the events to append plus a verdict.
// The row is persisted even when the verdict is an error, so a rejected
// call still records its short-circuit count; the verdict is returned after
// commit.
func (s *Store) UpdateBreaker(ctx context.Context, resource string,
	fn func(b *domain.BreakerState, now time.Time) ([]domain.Event, error)) (*domain.BreakerState, error) {

	var out *domain.BreakerState
	var verdict error
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out, verdict = nil, nil
		b, err := s.Breakers.Get(ctx, tx, resource)
		if err != nil {
			return err
		}
		nowT := s.now()
		events, v := fn(b, nowT)
		verdict = v
		b.UpdatedAt = nowT.Unix()
		if err := s.Breakers.Save(ctx, tx, b); err != nil {
			return err
		}
		for _, ev := range events {
			if ev.CreatedAt == 0 {
				ev.CreatedAt = b.UpdatedAt
			}
			if ev.Actor == "" {
				ev.Actor = "breaker"
			}
			if err := s.Events.Append(ctx, tx, ev); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, verdict
}

// GetBreaker returns the breaker row for resource.
func (s *Store) GetBreaker(ctx context.Context, resource string) (*domain.BreakerState, error) {
	b, err := s.Breakers.Get(ctx, s.db, resource)
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

// ListBreakers returns every persisted breaker row.
func (s *Store) ListBreakers(ctx context.Context) ([]domain.BreakerState, error) {
	bs, err := s.Breakers.List(ctx, s.db)
	if err != nil {
		return nil, classify(err)
	}
	return bs, nil
}
