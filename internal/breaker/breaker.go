// Package breaker guards calls to external resources with persisted
// per-resource circuit breakers.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/telemetry"
)

// Breaker tracks consecutive failures per resource and opens the circuit
// when the threshold is reached inside the failure window. After the
// cooldown one trial call is let through; its result closes or reopens
// the circuit. State lives in the store so every worker shares it.
type Breaker struct {
	store   *store.Store
	cfg     config.Breaker
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Breaker over st.
func New(st *store.Store, cfg config.Breaker, logger *slog.Logger, m *telemetry.Metrics) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{store: st, cfg: cfg, logger: logger, metrics: m}
}

// Execute runs fn against resource if the circuit allows it and records
// the outcome. Returns ErrCircuitOpen without calling fn otherwise.
func (b *Breaker) Execute(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	if err := b.Allow(ctx, resource); err != nil {
		return err
	}
	callErr := fn(ctx)
	if err := b.Record(context.WithoutCancel(ctx), resource, callErr); err != nil {
		b.logger.Error("record breaker outcome", "resource", resource, "error", err)
	}
	return callErr
}

// Allow asks permission for one call. In HALF_OPEN the caller that gets
// permission holds the single trial slot until it records an outcome or
// the slot goes stale after one cooldown.
func (b *Breaker) Allow(ctx context.Context, resource string) error {
	var from domain.CircuitState
	st, err := b.store.UpdateBreaker(ctx, resource, func(s *domain.BreakerState, now time.Time) ([]domain.Event, error) {
		from = s.State
		switch s.State {
		case domain.CircuitOpen:
			if !b.cooledDown(s.OpenedAt, now) {
				s.ShortCircuitCount++
				return nil, b.openErr(resource)
			}
			s.State = domain.CircuitHalfOpen
			s.TrialStartedAt = now.Unix()
			return []domain.Event{breakerEvent(domain.EventBreakerHalfOpen, resource, s)}, nil
		case domain.CircuitHalfOpen:
			if s.TrialStartedAt != 0 && !b.cooledDown(s.TrialStartedAt, now) {
				s.ShortCircuitCount++
				return nil, b.openErr(resource)
			}
			s.TrialStartedAt = now.Unix()
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) {
			b.metrics.ShortCircuited(ctx, resource)
		}
		return err
	}
	b.observe(ctx, resource, from, st.State)
	return nil
}

// Record applies a call outcome. Context cancellation is neutral: it
// frees a held trial slot without counting as success or failure.
func (b *Breaker) Record(ctx context.Context, resource string, callErr error) error {
	var from domain.CircuitState
	st, err := b.store.UpdateBreaker(ctx, resource, func(s *domain.BreakerState, now time.Time) ([]domain.Event, error) {
		from = s.State
		ts := now.Unix()
		switch {
		case Neutral(callErr):
			if s.State == domain.CircuitHalfOpen {
				s.TrialStartedAt = 0
			}
			return nil, nil
		case callErr == nil:
			s.LastSuccessAt = ts
			s.ConsecutiveFailures = 0
			s.StreakStartedAt = 0
			s.TrialStartedAt = 0
			if s.State != domain.CircuitClosed {
				s.State = domain.CircuitClosed
				s.OpenedAt = 0
				return []domain.Event{breakerEvent(domain.EventBreakerClosed, resource, s)}, nil
			}
			return nil, nil
		}

		s.LastFailureAt = ts
		if s.StreakStartedAt == 0 || (b.cfg.Window > 0 && now.Sub(time.Unix(s.StreakStartedAt, 0)) > b.cfg.Window) {
			s.StreakStartedAt = ts
			s.ConsecutiveFailures = 0
		}
		s.ConsecutiveFailures++
		if s.State == domain.CircuitHalfOpen || (s.State == domain.CircuitClosed && s.ConsecutiveFailures >= b.cfg.FailureThreshold) {
			s.State = domain.CircuitOpen
			s.OpenedAt = ts
			s.TrialStartedAt = 0
			ev := breakerEvent(domain.EventBreakerOpened, resource, s)
			return []domain.Event{ev}, nil
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	if st.State == domain.CircuitOpen && from != domain.CircuitOpen {
		b.logger.Warn("circuit opened", "resource", resource, "failures", st.ConsecutiveFailures, "error", callErr)
	}
	b.observe(ctx, resource, from, st.State)
	return nil
}

// Select returns the first of primary and fallbacks whose next call would
// be allowed. It does not take a trial slot; the caller's Execute does.
func (b *Breaker) Select(ctx context.Context, primary string, fallbacks []string) (string, error) {
	candidates := append([]string{primary}, fallbacks...)
	now := b.store.Now()
	for _, r := range candidates {
		if r == "" {
			continue
		}
		s, err := b.store.GetBreaker(ctx, r)
		if err != nil {
			return "", err
		}
		if b.wouldAllow(s, now) {
			if r != primary {
				b.logger.Info("falling back to resource", "primary", primary, "resource", r)
			}
			return r, nil
		}
	}
	return "", domain.Errorf(domain.ErrCircuitOpen, "circuit open for %v", candidates)
}

// State returns the persisted breaker row of resource.
func (b *Breaker) State(ctx context.Context, resource string) (*domain.BreakerState, error) {
	return b.store.GetBreaker(ctx, resource)
}

// Neutral reports whether err says nothing about resource health.
func Neutral(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

func (b *Breaker) wouldAllow(s *domain.BreakerState, now time.Time) bool {
	switch s.State {
	case domain.CircuitOpen:
		return b.cooledDown(s.OpenedAt, now)
	case domain.CircuitHalfOpen:
		return s.TrialStartedAt == 0 || b.cooledDown(s.TrialStartedAt, now)
	}
	return true
}

func (b *Breaker) cooledDown(since int64, now time.Time) bool {
	return now.Sub(time.Unix(since, 0)) >= b.cfg.Cooldown
}

func (b *Breaker) openErr(resource string) error {
	return domain.Errorf(domain.ErrCircuitOpen, "circuit open for %s", resource)
}

func (b *Breaker) observe(ctx context.Context, resource string, from, to domain.CircuitState) {
	if from == to || from == "" {
		return
	}
	b.metrics.BreakerMoved(ctx, resource, string(to))
	b.logger.Info("breaker state changed", "resource", resource, "from", from, "to", to)
}

func breakerEvent(typ, resource string, s *domain.BreakerState) domain.Event {
	payload, _ := json.Marshal(map[string]any{
		"resource":             resource,
		"state":                s.State,
		"consecutive_failures": s.ConsecutiveFailures,
	})
	return domain.Event{Type: typ, PayloadJSON: string(payload)}
}
