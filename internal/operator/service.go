// Package operator implements the operator control surface shared by the
// HTTP API and the CLI.
package operator

import (
	"context"
	"log/slog"
	"time"

	"github.com/rogers-f/taskengine/internal/breaker"
	"github.com/rogers-f/taskengine/internal/budget"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/review"
	"github.com/rogers-f/taskengine/internal/scheduler"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
)

// DefaultActor is recorded on events when a request names no actor.
const DefaultActor = "operator"

// Options configures a Service. Pool and Reviewer may be nil when the
// process only serves reads and intake.
type Options struct {
	Store    *store.Store
	Governor *budget.Governor
	Breaker  *breaker.Breaker
	Pool     *scheduler.Pool
	Reviewer *review.Engine
	Bus      signal.Bus
	Logger   *slog.Logger
}

// Service carries out operator commands against the engine.
type Service struct {
	store    *store.Store
	governor *budget.Governor
	breaker  *breaker.Breaker
	pool     *scheduler.Pool
	reviewer *review.Engine
	bus      signal.Bus
	logger   *slog.Logger
}

// New creates a Service.
func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:    opts.Store,
		governor: opts.Governor,
		breaker:  opts.Breaker,
		pool:     opts.Pool,
		reviewer: opts.Reviewer,
		bus:      opts.Bus,
		logger:   opts.Logger,
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return DefaultActor
	}
	return actor
}

// Submit is work intake.
func (s *Service) Submit(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error) {
	t, err := s.store.SubmitTask(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task submitted", "task_id", t.ID, "priority", t.Priority, "type", t.Type, "trace_id", t.TraceID)
	return t, nil
}

// Task returns one task.
func (s *Service) Task(ctx context.Context, id string) (*domain.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Tasks lists tasks in scheduling order.
func (s *Service) Tasks(ctx context.Context, f store.TaskFilter) ([]*domain.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// Events replays the audit log.
func (s *Service) Events(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	return s.store.ListEvents(ctx, f)
}

// Votes returns every recorded vote for a task.
func (s *Service) Votes(ctx context.Context, taskID string) ([]domain.ConsensusVote, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, taskID)
}

// Pause stops new dispatches. In-flight calls run to completion.
func (s *Service) Pause(ctx context.Context, actor string) (*domain.GovernorState, error) {
	return s.governor.Pause(ctx, actorOr(actor))
}

// Kill stops new dispatches and interrupts in-flight calls.
func (s *Service) Kill(ctx context.Context, actor string) (*domain.GovernorState, error) {
	return s.governor.Kill(ctx, actorOr(actor))
}

// Resume clears any governor pause.
func (s *Service) Resume(ctx context.Context, actor string) (*domain.GovernorState, error) {
	return s.governor.Resume(ctx, actorOr(actor))
}

// ResetSession starts a new session spend window.
func (s *Service) ResetSession(ctx context.Context, actor string) (*domain.GovernorState, error) {
	return s.governor.ResetSession(ctx, actorOr(actor))
}

// Cancel moves a task to CANCELLED and tells its worker to drop the result.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*domain.Task, error) {
	prev, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := s.store.CancelTask(ctx, id, actorOr(actor), reason)
	if err != nil {
		return nil, err
	}
	s.abortHolder(ctx, prev)
	s.logger.Info("task cancelled", "task_id", id, "actor", actorOr(actor), "from", prev.State)
	return t, nil
}

// Escalate routes a task to a human.
func (s *Service) Escalate(ctx context.Context, id, actor, reason string) (*domain.Task, error) {
	prev, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := s.store.EscalateTask(ctx, id, actorOr(actor), reason)
	if err != nil {
		return nil, err
	}
	s.abortHolder(ctx, prev)
	s.logger.Info("task escalated", "task_id", id, "actor", actorOr(actor), "from", prev.State)
	return t, nil
}

// Requeue resolves an ESCALATED task with a fresh retry budget.
func (s *Service) Requeue(ctx context.Context, id, actor string) (*domain.Task, error) {
	return s.store.RequeueTask(ctx, id, actorOr(actor))
}

// PauseTask parks a single task.
func (s *Service) PauseTask(ctx context.Context, id, actor string) (*domain.Task, error) {
	return s.store.PauseTask(ctx, id, actorOr(actor))
}

// ResumeTask unparks a single task.
func (s *Service) ResumeTask(ctx context.Context, id, actor string) (*domain.Task, error) {
	return s.store.ResumeTask(ctx, id, actorOr(actor))
}

// SetMaxRetries overrides a task's retry limit.
func (s *Service) SetMaxRetries(ctx context.Context, id, actor string, n int) (*domain.Task, error) {
	return s.store.SetMaxRetries(ctx, id, actorOr(actor), n)
}

// abortHolder sends abort to the worker that was running prev.
func (s *Service) abortHolder(ctx context.Context, prev *domain.Task) {
	if s.bus == nil || prev.State != domain.TaskRunning || prev.WorkerID == "" {
		return
	}
	sig := signal.Signal{Kind: signal.Abort, TaskID: prev.ID, Reason: "operator"}
	if err := s.bus.Publish(ctx, prev.WorkerID, sig); err != nil {
		s.logger.Warn("abort not delivered", "task_id", prev.ID, "worker_id", prev.WorkerID, "error", err)
	}
}

// StartWorker adds a worker to the running pool.
func (s *Service) StartWorker(_ context.Context, spec config.WorkerConfig) error {
	if s.pool == nil {
		return domain.ErrPoolStopped
	}
	return s.pool.Start(spec)
}

// StopWorker drains a worker and waits for it to deregister.
func (s *Service) StopWorker(ctx context.Context, id string) error {
	if s.pool == nil {
		return domain.ErrPoolStopped
	}
	return s.pool.Stop(ctx, id)
}

// ReviewNow reviews a task in REVIEW immediately instead of waiting for
// the next review cycle.
func (s *Service) ReviewNow(ctx context.Context, taskID string) (*review.Decision, error) {
	if s.reviewer == nil {
		return nil, domain.Errorf(domain.ErrConsensusMisconfigured, "review engine is not running")
	}
	return s.reviewer.Review(ctx, taskID)
}

// Breaker returns the circuit state of one resource.
func (s *Service) Breaker(ctx context.Context, resource string) (*domain.BreakerState, error) {
	return s.breaker.State(ctx, resource)
}

// Spend is money spent so far.
type Spend struct {
	RatePerMin float64 `json:"rate_per_min"`
	TodayUSD   float64 `json:"today_usd"`
	SessionUSD float64 `json:"session_usd"`
}

// Status is the operator's view of the whole engine.
type Status struct {
	Queue       *domain.QueueStats    `json:"queue"`
	Workers     []*domain.Worker      `json:"workers"`
	Pool        []string              `json:"pool,omitempty"`
	Spend       Spend                 `json:"spend"`
	Governor    *domain.GovernorState `json:"governor"`
	Breakers    []domain.BreakerState `json:"breakers"`
	Review      *domain.ReviewStats   `json:"review"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// Status collects queue depth, worker health, spend, governor and breaker
// state. Every figure is read from committed state.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	q, err := s.store.QueueStats(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	gov, err := s.store.GovernorState(ctx)
	if err != nil {
		return nil, err
	}
	breakers, err := s.store.ListBreakers(ctx)
	if err != nil {
		return nil, err
	}
	today, err := s.store.SpendSince(ctx, time.Unix(gov.DayStart, 0))
	if err != nil {
		return nil, err
	}
	session, err := s.store.SpendSince(ctx, time.Unix(gov.SessionStart, 0))
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ReviewStats(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Queue:       q,
		Workers:     workers,
		Spend:       Spend{RatePerMin: gov.LastRate, TodayUSD: today, SessionUSD: session},
		Governor:    gov,
		Breakers:    breakers,
		Review:      reviews,
		GeneratedAt: s.store.Now().UTC(),
	}
	if s.pool != nil {
		st.Pool = s.pool.Running()
	}
	return st, nil
}
