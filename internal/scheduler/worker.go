package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rogers-f/taskengine/internal/agent"
	"github.com/rogers-f/taskengine/internal/budget"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/guard"
	"github.com/rogers-f/taskengine/internal/logger"
	"github.com/rogers-f/taskengine/internal/retry"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/telemetry"
)

// Deps are the collaborators shared by every worker of a pool.
type Deps struct {
	Store    *store.Store
	Bus      signal.Bus
	Guard    *guard.Guard
	Governor *budget.Governor
	Executor agent.Executor
	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Retry    retry.Policy
}

// disposition is what a worker does with a dispatch once it returns.
type disposition int

const (
	keepResult disposition = iota
	preempted
	killed
	discarded
	unparked
)

var errInterrupted = errors.New("dispatch interrupted")

// Worker is one logical executor identity. All of its state is owned by
// the goroutine running Run.
type Worker struct {
	id     string
	spec   config.WorkerConfig
	cfg    config.Pool
	deps   Deps
	log    *slog.Logger
	drain  <-chan struct{}
	paused bool
}

func newWorker(spec config.WorkerConfig, cfg config.Pool, deps Deps, drain <-chan struct{}) *Worker {
	return &Worker{
		id:    spec.ID,
		spec:  spec,
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With("worker_id", spec.ID),
		drain: drain,
	}
}

func (w *Worker) filter() domain.ClaimFilter {
	return domain.ClaimFilter{Specialization: w.spec.Specialization, TaskTypes: w.spec.TaskTypes}
}

// Run registers the worker and claims work until ctx is done or the worker
// is told to stop, then deregisters it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	sigs, unsubscribe, err := w.deps.Bus.Subscribe(ctx, w.id)
	if err != nil {
		return err
	}
	defer unsubscribe()
	defer w.deregister(ctx)

	lastBeat := time.Now()
	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-w.drain:
			return nil
		default:
		}

		if !w.paused {
			t, err := w.deps.Store.ClaimTask(ctx, w.id, w.filter())
			switch {
			case err == nil:
				w.deps.Metrics.Claimed(ctx, string(t.Priority))
				stop := w.work(ctx, t, sigs)
				lastBeat = time.Now()
				if stop {
					return nil
				}
				continue
			case errors.Is(err, domain.ErrNoTask):
				w.deps.Metrics.EmptyClaim(ctx)
			case errors.Is(err, domain.ErrBudgetPaused):
				w.paused = true
			case errors.Is(err, domain.ErrWorkerDead), errors.Is(err, domain.ErrWorkerNotFound):
				w.log.Warn("worker identity lost, re-registering", "error", err)
				if err := w.register(ctx); err != nil {
					return err
				}
				continue
			default:
				if ctx.Err() == nil {
					w.log.Error("claim failed", "error", err)
				}
			}
		} else if w.governorClear(ctx) {
			w.paused = false
			continue
		}

		if time.Since(lastBeat) >= w.cfg.HeartbeatInterval {
			if err := w.deps.Store.Heartbeat(ctx, w.id, ""); err != nil && ctx.Err() == nil {
				w.log.Warn("idle heartbeat failed", "error", err)
			}
			lastBeat = time.Now()
		}

		timer := time.NewTimer(w.cfg.IdlePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-w.drain:
			timer.Stop()
			return nil
		case sig, ok := <-sigs:
			timer.Stop()
			if !ok {
				return nil
			}
			if w.idleSignal(sig) {
				return nil
			}
		case <-timer.C:
		}
	}
}

// idleSignal applies a control signal received with no task held. It
// reports whether the worker should stop.
func (w *Worker) idleSignal(sig signal.Signal) bool {
	switch sig.Kind {
	case signal.Pause, signal.Kill:
		w.paused = true
	case signal.Resume, signal.Wake:
		w.paused = false
	case signal.Stop:
		return true
	}
	return false
}

// governorClear reports whether claims are allowed again. A worker that
// missed a resume signal picks the change up here.
func (w *Worker) governorClear(ctx context.Context) bool {
	if w.deps.Governor == nil {
		return true
	}
	return w.deps.Governor.Allow(ctx) == nil
}

type outcome struct {
	res      *agent.Result
	resource string
	err      error
}

// work runs one claimed task to a committed outcome. It reports whether
// the worker should stop afterwards.
func (w *Worker) work(ctx context.Context, t *domain.Task, sigs <-chan signal.Signal) bool {
	if t.TraceID != "" {
		ctx = logger.WithTraceID(ctx, t.TraceID)
	}
	log := logger.ForTask(ctx, w.log, t.ID)
	log.Info("task claimed", "priority", t.Priority, "retry_count", t.RetryCount)

	dctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	results := make(chan outcome, 1)
	go func() {
		res, resource, err := w.dispatch(dctx, t)
		results <- outcome{res: res, resource: resource, err: err}
	}()

	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	disp := keepResult
	stopAfter := false
	var out outcome
wait:
	for {
		select {
		case out = <-results:
			break wait
		case <-heartbeat.C:
			err := w.deps.Store.Heartbeat(ctx, w.id, t.ID)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrTaskPaused):
				disp = unparked
				cancel(err)
			case errors.Is(err, domain.ErrClaimLost), errors.Is(err, domain.ErrTaskCancelled):
				log.Warn("task no longer held, discarding result", "error", err)
				disp = discarded
				cancel(err)
			default:
				if ctx.Err() == nil {
					log.Warn("heartbeat failed", "error", err)
				}
			}
		case <-w.drain:
			stopAfter = true
			w.drain = nil
		case sig, ok := <-sigs:
			if !ok {
				sigs = nil
				continue
			}
			if sig.TaskID != "" && sig.TaskID != t.ID && sig.Kind != signal.Pause && sig.Kind != signal.Resume {
				continue
			}
			switch sig.Kind {
			case signal.Preempt:
				if disp == keepResult {
					disp = preempted
					cancel(errInterrupted)
				}
			case signal.Kill:
				disp = killed
				w.paused = true
				cancel(errInterrupted)
			case signal.Abort:
				disp = discarded
				cancel(errInterrupted)
			case signal.Stop:
				stopAfter = true
			case signal.Pause:
				w.paused = true
			case signal.Resume:
				w.paused = false
			}
		}
	}

	// Commit with a context that outlives shutdown so a task is never left
	// RUNNING by a worker that is going away.
	cctx := context.WithoutCancel(ctx)
	switch {
	case disp == preempted:
		if _, err := w.deps.Store.PreemptTask(cctx, t.ID, w.id); err != nil {
			log.Warn("preempt release failed", "error", err)
		} else {
			log.Info("task preempted", "progress_marker", t.ProgressMarker)
		}
	case disp == killed:
		w.release(cctx, log, t, domain.ReleaseKilled, "killed by operator")
	case disp == unparked:
		w.release(cctx, log, t, domain.ReleaseShutdown, "task paused")
	case disp == discarded:
	case out.err != nil && ctx.Err() != nil:
		w.release(cctx, log, t, domain.ReleaseShutdown, "worker shutting down")
	default:
		w.commit(cctx, log, t, out)
	}
	return stopAfter || ctx.Err() != nil
}

// commit submits a successful dispatch for review or releases the task
// with the reason the error maps to.
func (w *Worker) commit(ctx context.Context, log *slog.Logger, t *domain.Task, out outcome) {
	if out.err == nil {
		res := domain.WorkResult{
			Resource:  out.resource,
			ResultRef: out.res.ResultRef,
			Summary:   out.res.Summary,
			Artifacts: out.res.Artifacts,
		}
		err := w.deps.Retry.Do(ctx, func() error {
			_, err := w.deps.Store.SubmitForReview(ctx, t.ID, w.id, res)
			return err
		})
		switch {
		case err == nil:
			log.Info("task submitted for review", "resource", out.resource, "result_ref", res.ResultRef)
		case errors.Is(err, domain.ErrTaskPaused):
			w.release(ctx, log, t, domain.ReleaseShutdown, "task paused")
		case errors.Is(err, domain.ErrClaimLost), errors.Is(err, domain.ErrTaskCancelled):
			log.Warn("result discarded", "error", err)
		default:
			log.Error("submit for review failed", "error", err)
		}
		return
	}

	switch {
	case errors.Is(out.err, domain.ErrBudgetPaused):
		w.paused = true
		w.release(ctx, log, t, domain.ReleaseBudget, out.err.Error())
	case errors.Is(out.err, domain.ErrRateLimited):
		w.release(ctx, log, t, domain.ReleaseRateLimited, out.err.Error())
	case errors.Is(out.err, domain.ErrCircuitOpen):
		w.release(ctx, log, t, domain.ReleaseCircuitOpen, "CIRCUIT_OPEN: "+out.err.Error())
	case errors.Is(out.err, domain.ErrStoreUnavailable):
		log.Error("dispatch spend not recorded", "resource", out.resource, "error", out.err)
		w.release(ctx, log, t, domain.ReleaseStoreError, out.err.Error())
	default:
		log.Warn("dispatch failed", "resource", out.resource, "error", out.err)
		w.release(ctx, log, t, domain.ReleaseFailure, out.err.Error())
	}
}

func (w *Worker) release(ctx context.Context, log *slog.Logger, t *domain.Task, reason domain.ReleaseReason, detail string) {
	err := w.deps.Retry.Do(ctx, func() error {
		_, err := w.deps.Store.ReleaseTask(ctx, t.ID, w.id, reason, detail)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrClaimLost) || errors.Is(err, domain.ErrTaskCancelled) {
			log.Info("release skipped, task no longer held", "reason", reason, "error", err)
			return
		}
		log.Error("release failed", "reason", reason, "error", err)
		return
	}
	log.Info("task released", "reason", reason)
}

// dispatch calls the executor through the guard under the hard timeout
// and records the spend of every call, failed ones included. A spend that
// cannot be recorded fails the dispatch with ErrStoreUnavailable.
func (w *Worker) dispatch(ctx context.Context, t *domain.Task) (*agent.Result, string, error) {
	if w.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.DispatchTimeout)
		defer cancel()
	}
	req := agent.Request{
		TaskID:         t.ID,
		TraceID:        t.TraceID,
		Type:           t.Type,
		Phase:          t.Phase,
		Payload:        t.Payload,
		PayloadVersion: t.PayloadVersion,
		ProgressMarker: t.ProgressMarker,
		Feedback:       t.Feedback,
		Attempt:        t.RetryCount + 1,
		OnProgress: func(marker string) {
			t.ProgressMarker = marker
			if err := w.deps.Store.ReportProgress(ctx, w.id, t.ID, marker); err != nil && ctx.Err() == nil {
				w.log.Warn("progress not recorded", "task_id", t.ID, "error", err)
			}
		},
	}

	var res *agent.Result
	var spendErr error
	resource, err := w.deps.Guard.Dispatch(ctx, func(ctx context.Context, resource string) error {
		ctx, span := telemetry.StartDispatchSpan(ctx, t.ID, w.id, resource)
		defer span.End()
		start := time.Now()
		r, err := w.deps.Executor.Dispatch(ctx, resource, req)
		elapsed := time.Since(start)

		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
		}
		w.deps.Metrics.Dispatched(ctx, resource, result, elapsed.Seconds())
		if r != nil && r.Duration == 0 {
			r.Duration = elapsed
		}
		if serr := w.recordSpend(ctx, t, resource, r, elapsed); serr != nil && spendErr == nil {
			spendErr = serr
		}
		res = r
		return err
	})
	if spendErr != nil {
		return res, resource, spendErr
	}
	if err == nil && res == nil {
		err = domain.Errorf(domain.ErrAgentInvalidResponse, "resource %s returned no result", resource)
	}
	if cause := context.Cause(ctx); cause != nil && errors.Is(err, context.Canceled) {
		err = errors.Join(err, cause)
	}
	return res, resource, err
}

// recordSpend writes one spend sample for a call to resource. r may be nil
// when the executor failed without reporting anything.
func (w *Worker) recordSpend(ctx context.Context, t *domain.Task, resource string, r *agent.Result, elapsed time.Duration) error {
	if w.deps.Governor == nil {
		return nil
	}
	rec := domain.SpendRecord{Resource: resource, TaskID: t.ID, DurationMS: elapsed.Milliseconds()}
	if r != nil {
		rec.InputSize = r.InputSize
		rec.OutputSize = r.OutputSize
		rec.CostUSD = r.CostUSD
		rec.DurationMS = r.Duration.Milliseconds()
	}
	if err := w.deps.Governor.Record(context.WithoutCancel(ctx), rec); err != nil {
		return domain.WrapEngineError(domain.ErrStoreUnavailable, "record spend", err)
	}
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	return w.deps.Retry.Do(ctx, func() error {
		_, recovered, err := w.deps.Store.RegisterWorker(ctx, w.id, w.spec.Specialization)
		if err == nil && len(recovered) > 0 {
			w.log.Warn("recovered tasks left by a previous run", "count", len(recovered))
			w.deps.Metrics.Recovered(ctx, "worker_restarted", len(recovered))
		}
		return err
	})
}

func (w *Worker) deregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Store.DeregisterWorker(ctx, w.id); err != nil {
		w.log.Warn("deregister failed", "error", err)
		return
	}
	w.log.Info("worker deregistered")
}
