// Package budget enforces spend limits across the whole worker pool.
package budget

import (
	"context"
	"log/slog"
	"time"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/telemetry"
)

// Governor computes the rolling spend rate and holds the persisted paused
// flag. Pausing and resuming are pushed to every known worker over the
// signal bus.
type Governor struct {
	store   *store.Store
	cfg     config.Budget
	bus     signal.Bus
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewGovernor creates a governor with the given thresholds.
func NewGovernor(st *store.Store, cfg config.Budget, bus signal.Bus, logger *slog.Logger, m *telemetry.Metrics) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{store: st, cfg: cfg, bus: bus, logger: logger, metrics: m}
}

// Allow returns ErrBudgetPaused while dispatch is paused.
func (g *Governor) Allow(ctx context.Context) error {
	s, err := g.store.GovernorState(ctx)
	if err != nil {
		return err
	}
	if s.Paused {
		return domain.Errorf(domain.ErrBudgetPaused, "dispatch paused (%s)", s.Reason)
	}
	return nil
}

// State returns the persisted governor row.
func (g *Governor) State(ctx context.Context) (*domain.GovernorState, error) {
	return g.store.GovernorState(ctx)
}

// Record stores one spend sample.
func (g *Governor) Record(ctx context.Context, rec domain.SpendRecord) error {
	if err := g.store.RecordSpend(ctx, rec); err != nil {
		return err
	}
	g.metrics.Spent(ctx, rec.Resource, rec.CostUSD)
	return nil
}

// Run evaluates the budget every interval until ctx ends.
func (g *Governor) Run(ctx context.Context) error {
	interval := g.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := g.Evaluate(ctx); err != nil && ctx.Err() == nil {
			g.logger.Error("budget evaluation failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Evaluate recomputes the rate and applies the thresholds in one
// transaction, then pushes pause or resume if the flag changed.
func (g *Governor) Evaluate(ctx context.Context) (*domain.GovernorState, error) {
	windowMin := g.cfg.Window.Minutes()
	var wasPaused bool
	st, err := g.store.UpdateGovernor(ctx, g.cfg.Window, func(s *domain.GovernorState, spend store.SpendWindows, now time.Time) ([]domain.Event, error) {
		wasPaused = s.Paused
		var events []domain.Event

		if s.SessionStart == 0 {
			s.SessionStart = now.Unix()
		}
		day := DayStart(now, g.cfg.DailyResetHour).Unix()
		if s.DayStart == 0 {
			s.DayStart = day
		} else if day > s.DayStart {
			s.DayStart = day
			// The daily total was summed from the old boundary.
			spend.Daily = 0
			if s.Paused && s.Reason == domain.PauseDailyCap {
				resume(s)
				events = append(events, governorEvent(domain.EventBudgetResume, map[string]any{"reason": "daily_reset"}))
			}
		}

		rate := 0.0
		if windowMin > 0 {
			rate = spend.Rate / windowMin
		}
		s.LastRate = rate

		if g.cfg.WarnRate > 0 {
			switch {
			case rate >= g.cfg.WarnRate && !s.Warned:
				s.Warned = true
				events = append(events, governorEvent(domain.EventBudgetWarning, map[string]any{
					"rate_per_min": rate, "warn_rate": g.cfg.WarnRate,
				}))
			case rate < g.cfg.WarnRate:
				s.Warned = false
			}
		}

		if s.Paused && s.Reason == domain.PauseRate && rate < g.cfg.KillRate/2 {
			if reason := g.capExceeded(spend); reason != domain.PauseNone {
				s.Reason = reason
			} else {
				resume(s)
				events = append(events, governorEvent(domain.EventBudgetResume, map[string]any{
					"reason": "rate_recovered", "rate_per_min": rate,
				}))
			}
		}

		if !s.Paused {
			var reason domain.PauseReason
			if rate >= g.cfg.KillRate {
				reason = domain.PauseRate
			} else {
				reason = g.capExceeded(spend)
			}
			if reason != domain.PauseNone {
				pause(s, reason, now)
				events = append(events, governorEvent(domain.EventBudgetPause, map[string]any{
					"reason":       reason,
					"rate_per_min": rate,
					"daily_usd":    spend.Daily,
					"session_usd":  spend.Session,
				}))
			}
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case st.Paused && !wasPaused:
		g.logger.Warn("budget pause", "reason", st.Reason, "rate_per_min", st.LastRate)
		g.metrics.Paused(ctx, string(st.Reason))
		g.push(ctx, signal.Signal{Kind: signal.Pause, Reason: string(st.Reason)})
	case !st.Paused && wasPaused:
		g.logger.Info("budget resume", "rate_per_min", st.LastRate)
		g.push(ctx, signal.Signal{Kind: signal.Resume})
	}
	if st.Warned {
		g.logger.Debug("spend rate above warning", "rate_per_min", st.LastRate, "warn_rate", g.cfg.WarnRate)
	}
	return st, nil
}

func (g *Governor) capExceeded(spend store.SpendWindows) domain.PauseReason {
	if g.cfg.DailyCapUSD > 0 && spend.Daily >= g.cfg.DailyCapUSD {
		return domain.PauseDailyCap
	}
	if g.cfg.SessionCapUSD > 0 && spend.Session >= g.cfg.SessionCapUSD {
		return domain.PauseSessionCap
	}
	return domain.PauseNone
}

// Pause sets the operator pause. It never clears on its own.
func (g *Governor) Pause(ctx context.Context, actor string) (*domain.GovernorState, error) {
	return g.operatorPause(ctx, actor, domain.PauseOperator, signal.Pause)
}

// Kill pauses dispatch and tells every worker to abandon its in-flight call.
func (g *Governor) Kill(ctx context.Context, actor string) (*domain.GovernorState, error) {
	return g.operatorPause(ctx, actor, domain.PauseKill, signal.Kill)
}

func (g *Governor) operatorPause(ctx context.Context, actor string, reason domain.PauseReason, kind signal.Kind) (*domain.GovernorState, error) {
	st, err := g.store.UpdateGovernor(ctx, 0, func(s *domain.GovernorState, _ store.SpendWindows, now time.Time) ([]domain.Event, error) {
		if s.Paused && s.Reason == reason {
			return nil, nil
		}
		prev := s.Reason
		pause(s, reason, now)
		return []domain.Event{{
			Actor: actor,
			Type:  domain.EventBudgetPause,
			PayloadJSON: mustJSON(map[string]any{
				"reason":   reason,
				"replaces": prev,
			}),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	g.logger.Warn("dispatch paused by operator", "actor", actor, "reason", reason)
	g.metrics.Paused(ctx, string(reason))
	g.push(ctx, signal.Signal{Kind: kind, Reason: string(reason)})
	return st, nil
}

// Resume clears any pause. This is the explicit operator override.
func (g *Governor) Resume(ctx context.Context, actor string) (*domain.GovernorState, error) {
	var was bool
	st, err := g.store.UpdateGovernor(ctx, 0, func(s *domain.GovernorState, _ store.SpendWindows, _ time.Time) ([]domain.Event, error) {
		was = s.Paused
		if !s.Paused {
			return nil, nil
		}
		prev := s.Reason
		resume(s)
		return []domain.Event{{
			Actor:       actor,
			Type:        domain.EventBudgetResume,
			PayloadJSON: mustJSON(map[string]any{"reason": "operator", "cleared": prev}),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	if was {
		g.logger.Info("dispatch resumed by operator", "actor", actor)
		g.push(ctx, signal.Signal{Kind: signal.Resume})
	}
	return st, nil
}

// ResetSession starts a new spend session and lifts a session-cap pause.
func (g *Governor) ResetSession(ctx context.Context, actor string) (*domain.GovernorState, error) {
	var lifted bool
	st, err := g.store.UpdateGovernor(ctx, 0, func(s *domain.GovernorState, _ store.SpendWindows, now time.Time) ([]domain.Event, error) {
		lifted = false
		s.SessionStart = now.Unix()
		events := []domain.Event{{Actor: actor, Type: domain.EventBudgetSessionReset}}
		if s.Paused && s.Reason == domain.PauseSessionCap {
			resume(s)
			lifted = true
			events = append(events, domain.Event{
				Actor:       actor,
				Type:        domain.EventBudgetResume,
				PayloadJSON: mustJSON(map[string]any{"reason": "session_reset"}),
			})
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	if lifted {
		g.push(ctx, signal.Signal{Kind: signal.Resume})
	}
	return st, nil
}

// push delivers sig to every registered, live worker.
func (g *Governor) push(ctx context.Context, sig signal.Signal) {
	if g.bus == nil {
		return
	}
	workers, err := g.store.ListWorkers(ctx)
	if err != nil {
		g.logger.Error("list workers for signal", "kind", sig.Kind, "error", err)
		return
	}
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		if w.Status != domain.WorkerDead {
			ids = append(ids, w.ID)
		}
	}
	if err := signal.Broadcast(ctx, g.bus, ids, sig); err != nil {
		g.logger.Error("broadcast budget signal", "kind", sig.Kind, "error", err)
	}
}

func pause(s *domain.GovernorState, reason domain.PauseReason, now time.Time) {
	s.Paused = true
	s.Reason = reason
	s.PausedAt = now.Unix()
}

func resume(s *domain.GovernorState) {
	s.Paused = false
	s.Reason = domain.PauseNone
	s.PausedAt = 0
}

// DayStart returns the most recent daily reset boundary at or before now,
// at hour o'clock UTC.
func DayStart(now time.Time, hour int) time.Time {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), hour, 0, 0, 0, time.UTC)
	if start.After(u) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}
