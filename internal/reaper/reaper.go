// Package reaper recovers work abandoned by silent or crashed workers.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/telemetry"
)

// Report summarizes one sweep.
type Report struct {
	TimedOut        []store.Recovery `json:"timed_out"`
	DeadWorkers     []string         `json:"dead_workers"`
	Orphaned        []store.Recovery `json:"orphaned"`
	ReleasedLocks   []domain.Lock    `json:"released_locks"`
	ReclaimedReview []string         `json:"reclaimed_reviews"`
}

// Empty reports whether the sweep changed nothing.
func (r Report) Empty() bool {
	return len(r.TimedOut)+len(r.DeadWorkers)+len(r.Orphaned)+len(r.ReleasedLocks)+len(r.ReclaimedReview) == 0
}

// Reaper runs the soft-timeout policy for RUNNING tasks. Workers never
// enforce their own timeout, so a stuck worker cannot suppress recovery.
type Reaper struct {
	store   *store.Store
	bus     signal.Bus
	cfg     config.Reaper
	logger  *slog.Logger
	metrics *telemetry.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Reaper with defaults filled in for zero-value config fields.
func New(st *store.Store, bus signal.Bus, cfg config.Reaper, logger *slog.Logger, m *telemetry.Metrics) *Reaper {
	def := config.Defaults().Reaper
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.WorkerGrace <= 0 {
		cfg.WorkerGrace = def.WorkerGrace
	}
	if cfg.LockMaxAge <= 0 {
		cfg.LockMaxAge = def.LockMaxAge
	}
	if cfg.ReviewTimeout <= 0 {
		cfg.ReviewTimeout = def.ReviewTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{store: st, bus: bus, cfg: cfg, logger: logger, metrics: m, stopCh: make(chan struct{})}
}

// TimeoutFor returns the soft timeout of a task type before the factor.
func (r *Reaper) TimeoutFor(taskType string) time.Duration {
	if d, ok := r.cfg.Timeouts[taskType]; ok && d > 0 {
		return d
	}
	return r.cfg.DefaultTimeout
}

// Expired reports whether t has been idle longer than factor times its
// type timeout.
func (r *Reaper) Expired(t *domain.Task, now time.Time) bool {
	limit := time.Duration(float64(r.TimeoutFor(t.Type)) * r.cfg.Factor)
	return now.Sub(time.Unix(t.LastActivityAt, 0)) > limit
}

// Sweep runs every recovery pass once. A failing pass does not stop the
// ones after it; their errors are joined.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error
	now := r.store.Now()

	timedOut, err := r.store.RecoverIdleTasks(ctx, r.Expired)
	if err != nil {
		errs = append(errs, err)
	}
	rep.TimedOut = timedOut
	r.abort(ctx, timedOut)
	r.metrics.Recovered(ctx, "timeout", len(timedOut))

	dead, orphaned, err := r.store.MarkDeadWorkers(ctx, now.Add(-r.cfg.WorkerGrace))
	if err != nil {
		errs = append(errs, err)
	}
	rep.DeadWorkers, rep.Orphaned = dead, orphaned
	r.abort(ctx, orphaned)
	r.metrics.Recovered(ctx, "worker_dead", len(orphaned))

	locks, err := r.store.ReleaseOrphanedLocks(ctx, now.Add(-r.cfg.LockMaxAge))
	if err != nil {
		errs = append(errs, err)
	}
	rep.ReleasedLocks = locks

	reviews, err := r.store.ReclaimStuckReviews(ctx, now.Add(-r.cfg.ReviewTimeout))
	if err != nil {
		errs = append(errs, err)
	}
	rep.ReclaimedReview = reviews
	r.metrics.Recovered(ctx, "review_stuck", len(reviews))

	if !rep.Empty() {
		r.logger.Warn("reaper recovered work",
			"timed_out", len(rep.TimedOut),
			"dead_workers", len(rep.DeadWorkers),
			"orphaned", len(rep.Orphaned),
			"locks", len(rep.ReleasedLocks),
			"reviews", len(rep.ReclaimedReview))
	}
	return rep, errors.Join(errs...)
}

// abort tells the previous owner of each recovered task to drop its result.
func (r *Reaper) abort(ctx context.Context, recs []store.Recovery) {
	if r.bus == nil {
		return
	}
	for _, rec := range recs {
		if rec.WorkerID == "" {
			continue
		}
		sig := signal.Signal{Kind: signal.Abort, TaskID: rec.TaskID, Reason: "reaped"}
		if err := r.bus.Publish(ctx, rec.WorkerID, sig); err != nil {
			r.logger.Warn("abort signal not delivered", "worker_id", rec.WorkerID, "task_id", rec.TaskID, "error", err)
		}
	}
}

// Run sweeps every interval until ctx is done or Stop is called.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reaper sweep", "error", err)
			}
		}
	}
}

// Stop ends Run. Safe to call multiple times.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
