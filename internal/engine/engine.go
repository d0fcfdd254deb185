// Package engine assembles the task engine and runs its long-lived loops.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/taskengine/internal/agent"
	"github.com/rogers-f/taskengine/internal/breaker"
	"github.com/rogers-f/taskengine/internal/budget"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/guard"
	"github.com/rogers-f/taskengine/internal/ipc"
	"github.com/rogers-f/taskengine/internal/operator"
	"github.com/rogers-f/taskengine/internal/reaper"
	"github.com/rogers-f/taskengine/internal/retry"
	"github.com/rogers-f/taskengine/internal/review"
	"github.com/rogers-f/taskengine/internal/scheduler"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/telemetry"
	"github.com/rogers-f/taskengine/internal/workflow"
)

// Engine owns every component of a running engine.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	Store     *store.Store
	Bus       signal.Bus
	Metrics   *telemetry.Metrics
	Breaker   *breaker.Breaker
	Governor  *budget.Governor
	Guard     *guard.Guard
	Scheduler *scheduler.Scheduler
	Reaper    *reaper.Reaper
	Reviewer  *review.Engine
	Pool      *scheduler.Pool
	Service   *operator.Service
	Server    *ipc.Server

	shutdownTelemetry telemetry.ShutdownFunc
}

// Options overrides collaborators, mainly for tests. Nil fields are built
// from configuration.
type Options struct {
	Executor agent.Executor
	Bus      signal.Bus
}

// New builds an Engine from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *Engine, err error) {
	e := &Engine{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	e.shutdownTelemetry, err = telemetry.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if e.Metrics, err = telemetry.NewMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	e.Store, err = store.Open(ctx, cfg.Store.Path, store.WithRetry(retry.Default()))
	if err != nil {
		return nil, err
	}

	e.Bus = opts.Bus
	if e.Bus == nil {
		if cfg.Signal.NATSURL != "" {
			nb, err := signal.ConnectNATS(cfg.Signal.NATSURL, cfg.Signal.Subject, logger)
			if err != nil {
				return nil, fmt.Errorf("signal bus: %w", err)
			}
			e.Bus = nb
		} else {
			e.Bus = signal.NewLocalBus()
		}
	}

	e.Breaker = breaker.New(e.Store, cfg.Breaker, logger.With("component", "breaker"), e.Metrics)
	e.Governor = budget.NewGovernor(e.Store, cfg.Budget, e.Bus, logger.With("component", "governor"), e.Metrics)
	e.Guard = guard.New(e.Governor, e.Breaker, cfg.Dispatch)

	registry, err := agent.RegistryFromConfig(cfg.Resources)
	if err != nil {
		return nil, err
	}
	exec := opts.Executor
	if exec == nil {
		exec = agent.NewCommandExecutor(registry, logger.With("component", "agent"))
	}

	consensus, err := review.ConsensusFromConfig(cfg.Review, registry)
	if err != nil {
		return nil, err
	}
	e.Reviewer = review.NewEngine(review.Options{
		Store:     e.Store,
		Breaker:   e.Breaker,
		Budget:    e.Governor,
		Consensus: consensus,
		Gates:     review.GatesFromConfig(cfg.Review, registry),
		Phases:    workflow.NewPhaseGateRegistry(review.Requirements(cfg.Phases)),
		Providers: review.Providers(cfg.Resources),
		Config:    cfg.Review,
		Logger:    logger.With("component", "review"),
		Metrics:   e.Metrics,
	})

	e.Scheduler = scheduler.New(e.Store, e.Bus, cfg.Scheduler, logger.With("component", "scheduler"), e.Metrics)
	e.Reaper = reaper.New(e.Store, e.Bus, cfg.Reaper, logger.With("component", "reaper"), e.Metrics)
	e.Pool = scheduler.NewPool(scheduler.Deps{
		Store:    e.Store,
		Bus:      e.Bus,
		Guard:    e.Guard,
		Governor: e.Governor,
		Executor: exec,
		Logger:   logger.With("component", "worker"),
		Metrics:  e.Metrics,
		Retry:    retry.Default(),
	}, cfg.Pool)

	e.Service = operator.New(operator.Options{
		Store:    e.Store,
		Governor: e.Governor,
		Breaker:  e.Breaker,
		Pool:     e.Pool,
		Reviewer: e.Reviewer,
		Bus:      e.Bus,
		Logger:   logger.With("component", "operator"),
	})
	if cfg.HTTP.Listen != "" {
		e.Server = ipc.NewServer(&ipc.Handler{Service: e.Service, Logger: logger.With("component", "http")}, cfg.HTTP.Listen)
	}
	return e, nil
}

// Run recovers work left by a previous process, then runs every loop
// until ctx is done or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	rep, err := e.Reaper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if !rep.Empty() {
		e.logger.Warn("startup recovery", "timed_out", len(rep.TimedOut), "dead_workers", len(rep.DeadWorkers),
			"orphaned", len(rep.Orphaned), "locks", len(rep.ReleasedLocks), "reviews", len(rep.ReclaimedReview))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Governor.Run(ctx) })
	g.Go(func() error { return e.Scheduler.Run(ctx) })
	g.Go(func() error { return e.Reaper.Run(ctx) })
	g.Go(func() error { return e.Reviewer.Run(ctx) })
	g.Go(func() error { return e.Pool.Run(ctx, e.cfg.WorkerSlots()) })
	if e.Server != nil {
		g.Go(func() error { return e.Server.Run(ctx) })
		e.logger.Info("operator api listening", "addr", e.cfg.HTTP.Listen)
	}
	e.logger.Info("engine started", "workers", e.cfg.Pool.Size, "primary", e.cfg.Dispatch.Primary)

	err = g.Wait()
	e.logger.Info("engine stopped", "error", err)
	return err
}

// Close releases the store, the signal bus and telemetry.
func (e *Engine) Close() error {
	var errs []error
	if e.Bus != nil {
		errs = append(errs, e.Bus.Close())
	}
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	if e.shutdownTelemetry != nil {
		errs = append(errs, e.shutdownTelemetry(context.Background()))
	}
	return errors.Join(errs...)
}
