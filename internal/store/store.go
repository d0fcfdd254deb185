package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/retry"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetry overrides the contention retry policy.
func WithRetry(p retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

// Store is the single source of truth for tasks, workers, events, votes,
// spend, breaker and governor state. Every mutating operation runs in one
// IMMEDIATE transaction: read, conditional write, commit.
type Store struct {
	db    *sql.DB
	now   func() time.Time
	retry retry.Policy

	Tasks     *TaskRepo
	Workers   *WorkerRepo
	Events    *EventRepo
	Votes     *VoteRepo
	Spend     *SpendRepo
	Breakers  *BreakerRepo
	Governor  *GovernorRepo
	Artifacts *ArtifactRepo
	Locks     *LockRepo
}

// Open opens the database at path and returns a Store over it.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := NewDB(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db, opts...), nil
}

// New wraps an already-migrated database.
func New(db *sql.DB, opts ...Option) *Store {
	p := retry.Default()
	p.Retryable = isBusy
	s := &Store{
		db:        db,
		now:       time.Now,
		retry:     p,
		Tasks:     &TaskRepo{},
		Workers:   &WorkerRepo{},
		Events:    &EventRepo{},
		Votes:     &VoteRepo{},
		Spend:     &SpendRepo{},
		Breakers:  &BreakerRepo{},
		Governor:  &GovernorRepo{},
		Artifacts: &ArtifactRepo{},
		Locks:     &LockRepo{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) unix() int64 { return s.now().Unix() }

// withTx runs fn inside one IMMEDIATE transaction, retrying lock contention.
// Errors that are not EngineErrors are reported as ErrStoreUnavailable.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.retry.Do(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("commit", err)
		}
		return nil
	})
}

func classify(err error) error {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return storeErr("", err)
}

func storeErr(op string, err error) error {
	return domain.WrapEngineError(domain.ErrStoreUnavailable, op, err)
}

// RecordEvent appends an event on its own. Failure is reported to the caller.
func (s *Store) RecordEvent(ctx context.Context, ev domain.Event) error {
	if ev.CreatedAt == 0 {
		ev.CreatedAt = s.unix()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.Events.Append(ctx, tx, ev)
	})
}

// rejectTransition records a TRANSITION_REJECTED event in a separate write,
// then returns cause. A failure to record wins over the policy error.
func (s *Store) rejectTransition(ctx context.Context, t *domain.Task, actor string, to domain.TaskState, cause error) error {
	ev := domain.Event{
		TaskID: t.ID,
		Actor:  actor,
		Type:   domain.EventTransitionRejected,
		PayloadJSON: mustJSON(map[string]any{
			"from":  t.State,
			"to":    to,
			"error": cause.Error(),
		}),
		TraceID: t.TraceID,
	}
	if err := s.RecordEvent(ctx, ev); err != nil {
		return err
	}
	return cause
}

// mustJSON marshals v to a JSON string, returning "{}" on error.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
