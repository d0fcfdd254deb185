package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/retry"
)

// Pool runs a fixed set of workers and lets the operator start and stop
// individual ones.
type Pool struct {
	deps Deps
	cfg  config.Pool

	mu      sync.Mutex
	base    context.Context
	workers map[string]*handle
	wg      sync.WaitGroup
}

type handle struct {
	spec      config.WorkerConfig
	cancel    context.CancelFunc
	drain     chan struct{}
	drainOnce sync.Once
	done      chan struct{}
}

func (h *handle) requestDrain() { h.drainOnce.Do(func() { close(h.drain) }) }

// NewPool creates a pool with defaults filled in for zero-value config fields.
func NewPool(deps Deps, cfg config.Pool) *Pool {
	def := config.Defaults().Pool
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = def.IdlePoll
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retry.MaxTries == 0 {
		deps.Retry = retry.Default()
	}
	return &Pool{deps: deps, cfg: cfg, workers: make(map[string]*handle)}
}

// Run starts one worker per slot and blocks until ctx is done and every
// worker has released its task and deregistered.
func (p *Pool) Run(ctx context.Context, slots []config.WorkerConfig) error {
	p.mu.Lock()
	p.base = ctx
	p.mu.Unlock()

	for _, s := range slots {
		if err := p.Start(s); err != nil {
			return err
		}
	}
	<-ctx.Done()
	// Start refuses new workers once ctx is done; taking the lock here
	// lets any Start already past that check finish its wg.Add first.
	p.mu.Lock()
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

// Start launches a worker. It fails with ErrWorkerRunning when that id is
// already running and ErrPoolStopped outside Run.
func (p *Pool) Start(spec config.WorkerConfig) error {
	if spec.ID == "" {
		return domain.Errorf(domain.ErrInvalidTaskSpec, "worker id is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base == nil || p.base.Err() != nil {
		return domain.ErrPoolStopped
	}
	if _, ok := p.workers[spec.ID]; ok {
		return domain.Errorf(domain.ErrWorkerRunning, "worker %s is already running", spec.ID)
	}

	ctx, cancel := context.WithCancel(p.base)
	h := &handle{spec: spec, cancel: cancel, drain: make(chan struct{}), done: make(chan struct{})}
	p.workers[spec.ID] = h
	w := newWorker(spec, p.cfg, p.deps, h.drain)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(h.done)
		defer cancel()
		if err := w.Run(ctx); err != nil {
			p.deps.Logger.Error("worker exited", "worker_id", spec.ID, "error", err)
		}
		p.mu.Lock()
		if p.workers[spec.ID] == h {
			delete(p.workers, spec.ID)
		}
		p.mu.Unlock()
	}()
	p.deps.Logger.Info("worker started", "worker_id", spec.ID, "specialization", spec.Specialization)
	return nil
}

// Stop drains a worker: its current task finishes and is submitted, then
// it deregisters. If ctx ends first the task is released with reason
// shutdown instead.
func (p *Pool) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	h, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.ErrWorkerNotFound, "worker %s is not running", id)
	}

	h.requestDrain()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
	}
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-time.After(10 * time.Second):
		return domain.Errorf(domain.ErrWorkerRunning, "worker %s did not stop", id)
	}
}

// Running returns the ids of the running workers in order.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Spec returns the configuration a running worker was started with.
func (p *Pool) Spec(id string) (config.WorkerConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.workers[id]
	if !ok {
		return config.WorkerConfig{}, false
	}
	return h.spec, true
}
