// Package scheduler runs the scheduling cycle and the worker pool.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/telemetry"
)

// Scheduler promotes starved tasks and arranges preemption for waiting
// CRITICAL work. Claiming itself is done by the workers.
type Scheduler struct {
	store   *store.Store
	bus     signal.Bus
	cfg     config.Scheduler
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// New creates a Scheduler.
func New(st *store.Store, bus signal.Bus, cfg config.Scheduler, logger *slog.Logger, m *telemetry.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.Defaults().Scheduler.Interval
	}
	return &Scheduler{store: st, bus: bus, cfg: cfg, logger: logger, metrics: m}
}

// Preemption is one running task asked to yield to a CRITICAL task.
type Preemption struct {
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	ForTaskID string `json:"for_task_id"`
}

// CycleReport summarizes one scheduling cycle.
type CycleReport struct {
	Promotions  []store.Promotion `json:"promotions"`
	Preemptions []Preemption      `json:"preemptions"`
	Woken       []string          `json:"woken"`
}

// Run executes a cycle every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Cycle(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler cycle", "error", err)
			}
		}
	}
}

// Cycle promotes starved tasks, then matches waiting CRITICAL tasks
// against idle workers or preemptible running tasks.
func (s *Scheduler) Cycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport
	promos, err := s.store.PromoteStarved(ctx, s.cfg.Promotion)
	if err != nil {
		return rep, err
	}
	rep.Promotions = promos
	byLane := make(map[domain.Priority]int)
	for _, p := range promos {
		byLane[p.To]++
		s.logger.Info("task promoted", "task_id", p.TaskID, "from", p.From, "to", p.To, "boost_count", p.BoostCount)
	}
	for lane, n := range byLane {
		s.metrics.Promoted(ctx, string(lane), n)
	}

	if err := s.matchCritical(ctx, &rep); err != nil {
		return rep, err
	}
	return rep, nil
}

func (s *Scheduler) matchCritical(ctx context.Context, rep *CycleReport) error {
	critical, err := s.store.ListTasks(ctx, store.TaskFilter{
		States:   []domain.TaskState{domain.TaskQueued},
		Priority: domain.PriorityCritical,
	})
	if err != nil || len(critical) == 0 {
		return err
	}
	workers, err := s.store.ListWorkers(ctx, domain.WorkerIdle, domain.WorkerBusy)
	if err != nil {
		return err
	}
	running, err := s.store.ListTasks(ctx, store.TaskFilter{States: []domain.TaskState{domain.TaskRunning}})
	if err != nil {
		return err
	}
	byID := make(map[string]*domain.Worker, len(workers))
	for _, w := range workers {
		byID[w.ID] = w
	}

	// Least urgent first; among equals the most recently claimed loses
	// the least work.
	sort.SliceStable(running, func(i, j int) bool {
		ri, rj := running[i].Priority.Rank(), running[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return running[i].UpdatedAt > running[j].UpdatedAt
	})

	usedWorker := make(map[string]bool)
	usedVictim := make(map[string]bool)
	for _, c := range critical {
		if w := idleFor(c, workers, usedWorker); w != nil {
			usedWorker[w.ID] = true
			s.publish(ctx, w.ID, signal.Signal{Kind: signal.Wake, TaskID: c.ID, Reason: "critical task queued"})
			rep.Woken = append(rep.Woken, w.ID)
			continue
		}
		victim := victimFor(c, running, byID, usedVictim)
		if victim == nil {
			continue
		}
		usedVictim[victim.ID] = true
		usedWorker[victim.WorkerID] = true

		if victim.PreemptRequested == 0 {
			_, ok, err := s.store.RequestPreemption(ctx, victim.ID, c.ID)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			s.metrics.Preempted(ctx)
			s.logger.Info("preemption requested", "task_id", victim.ID, "worker_id", victim.WorkerID, "for_task", c.ID)
			rep.Preemptions = append(rep.Preemptions, Preemption{TaskID: victim.ID, WorkerID: victim.WorkerID, ForTaskID: c.ID})
		}
		// Pending requests are re-signalled every cycle; the worker ignores
		// a preempt for a task it no longer holds.
		s.publish(ctx, victim.WorkerID, signal.Signal{Kind: signal.Preempt, TaskID: victim.ID, Reason: "critical task " + c.ID})
	}
	return nil
}

func (s *Scheduler) publish(ctx context.Context, workerID string, sig signal.Signal) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, workerID, sig); err != nil {
		s.logger.Warn("signal not delivered", "worker_id", workerID, "kind", sig.Kind, "error", err)
	}
}

// capable reports whether w may run t.
func capable(w *domain.Worker, t *domain.Task) bool {
	return domain.ClaimFilter{Specialization: w.Specialization}.Accepts(t)
}

func idleFor(t *domain.Task, workers []*domain.Worker, used map[string]bool) *domain.Worker {
	for _, w := range workers {
		if w.Status == domain.WorkerIdle && !used[w.ID] && capable(w, t) {
			return w
		}
	}
	return nil
}

func victimFor(t *domain.Task, running []*domain.Task, workers map[string]*domain.Worker, used map[string]bool) *domain.Task {
	for _, r := range running {
		if r.Priority == domain.PriorityCritical || used[r.ID] {
			continue
		}
		w, ok := workers[r.WorkerID]
		if !ok || !capable(w, t) {
			continue
		}
		return r
	}
	return nil
}
