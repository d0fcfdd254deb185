package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	return openTestStoreAt(t, filepath.Join(t.TempDir(), "engine.db"), clock)
}

func openTestStoreAt(t *testing.T, path string, clock *fakeClock) *Store {
	t.Helper()
	var opts []Option
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	s, err := Open(context.Background(), path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSubmit(t *testing.T, s *Store, spec domain.TaskSpec) *domain.Task {
	t.Helper()
	task, err := s.SubmitTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	return task
}

func mustRegister(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, _, err := s.RegisterWorker(context.Background(), id, ""); err != nil {
		t.Fatalf("RegisterWorker(%s): %v", id, err)
	}
}

func intPtr(n int) *int { return &n }

func hasEvent(t *testing.T, s *Store, taskID, typ string) bool {
	t.Helper()
	events, err := s.ListEvents(context.Background(), EventFilter{TaskID: taskID, Types: []string{typ}})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	return len(events) > 0
}

func TestOpen_CreatesTables(t *testing.T) {
	s := openTestStore(t, nil)
	for _, table := range []string{"tasks", "workers", "events", "votes", "spend", "breakers", "governor", "artifacts", "locks"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	s1, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	task := mustSubmit(t, s1, domain.TaskSpec{Type: "build"})
	s1.Close()

	s2 := openTestStoreAt(t, path, nil)
	got, err := s2.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if got.State != domain.TaskQueued {
		t.Errorf("State = %s, want QUEUED", got.State)
	}
}

func TestSubmitTask_Defaults(t *testing.T) {
	s := openTestStore(t, nil)
	task := mustSubmit(t, s, domain.TaskSpec{})
	if task.Priority != domain.PriorityMedium {
		t.Errorf("Priority = %s, want MEDIUM", task.Priority)
	}
	if task.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", task.MaxRetries, DefaultMaxRetries)
	}
	if task.ID == "" || task.TraceID == "" {
		t.Error("expected generated id and trace id")
	}
	if !hasEvent(t, s, task.ID, domain.EventTaskSubmitted) {
		t.Error("expected TASK_SUBMITTED event")
	}
}

func TestSubmitTask_Rejects(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.SubmitTask(ctx, domain.TaskSpec{Priority: "URGENT"}); !errors.Is(err, domain.ErrInvalidPriority) {
		t.Errorf("unknown priority: got %v", err)
	}
	if _, err := s.SubmitTask(ctx, domain.TaskSpec{Phase: "SHIP"}); !errors.Is(err, domain.ErrInvalidPhase) {
		t.Errorf("unknown phase: got %v", err)
	}
	if _, err := s.SubmitTask(ctx, domain.TaskSpec{MaxRetries: intPtr(-1)}); !errors.Is(err, domain.ErrInvalidTaskSpec) {
		t.Errorf("negative retries: got %v", err)
	}
	mustSubmit(t, s, domain.TaskSpec{ID: "dup"})
	if _, err := s.SubmitTask(ctx, domain.TaskSpec{ID: "dup"}); !errors.Is(err, domain.ErrInvalidTaskSpec) {
		t.Errorf("duplicate id: got %v", err)
	}
}

func TestClaimTask_LaneOrder(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")

	for _, p := range []domain.Priority{domain.PriorityLow, domain.PriorityMedium, domain.PriorityCritical, domain.PriorityHigh, domain.PriorityCritical} {
		mustSubmit(t, s, domain.TaskSpec{ID: string(p) + clock.Now().Format("150405"), Priority: p})
		clock.Advance(time.Second)
	}

	want := []domain.Priority{domain.PriorityCritical, domain.PriorityCritical, domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow}
	var prevCritical int64
	for i, p := range want {
		task, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{})
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if task.Priority != p {
			t.Errorf("claim %d priority = %s, want %s", i, task.Priority, p)
		}
		if p == domain.PriorityCritical {
			if task.CreatedAt < prevCritical {
				t.Error("CRITICAL tasks not claimed FIFO")
			}
			prevCritical = task.CreatedAt
		}
		if _, err := s.SubmitForReview(ctx, task.ID, "w1", domain.WorkResult{Resource: "local"}); err != nil {
			t.Fatalf("SubmitForReview: %v", err)
		}
	}
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); !errors.Is(err, domain.ErrNoTask) {
		t.Errorf("empty queue: got %v, want ErrNoTask", err)
	}
}

func TestClaimTask_ConcurrentClaimersNeverShare(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.db")
	a := openTestStoreAt(t, path, nil)
	b := openTestStoreAt(t, path, nil)
	ctx := context.Background()

	const tasks = 20
	for i := 0; i < tasks; i++ {
		mustSubmit(t, a, domain.TaskSpec{Type: "build"})
	}
	stores := []*Store{a, b}
	workers := []string{"w0", "w1", "w2", "w3", "w4", "w5"}
	for i, id := range workers {
		mustRegister(t, stores[i%2], id)
	}

	var mu sync.Mutex
	owner := make(map[string]string)
	var wg sync.WaitGroup
	errs := make(chan error, len(workers))
	for i, id := range workers {
		wg.Add(1)
		go func(s *Store, workerID string) {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(ctx, workerID, domain.ClaimFilter{})
				if errors.Is(err, domain.ErrNoTask) {
					return
				}
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				if prev, ok := owner[task.ID]; ok {
					mu.Unlock()
					errs <- errors.New("task " + task.ID + " claimed by " + prev + " and " + workerID)
					return
				}
				owner[task.ID] = workerID
				mu.Unlock()
				if _, err := s.SubmitForReview(ctx, task.ID, workerID, domain.WorkResult{Resource: "local"}); err != nil {
					errs <- err
					return
				}
			}
		}(stores[i%2], id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if len(owner) != tasks {
		t.Errorf("claimed %d distinct tasks, want %d", len(owner), tasks)
	}
}

func TestClaimTask_Filter(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustSubmit(t, s, domain.TaskSpec{ID: "gpu", Specialization: "gpu"})
	mustSubmit(t, s, domain.TaskSpec{ID: "lint", Type: "lint"})

	task, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{Specialization: "cpu"})
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task.ID != "lint" {
		t.Errorf("claimed %s, want lint", task.ID)
	}
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{TaskTypes: []string{"build"}}); !errors.Is(err, domain.ErrNoTask) {
		t.Errorf("type filter: got %v, want ErrNoTask", err)
	}
}

func TestClaimTask_LockKeyExclusive(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustRegister(t, s, "w2")
	mustSubmit(t, s, domain.TaskSpec{ID: "a", LockKey: "repo"})
	mustSubmit(t, s, domain.TaskSpec{ID: "b", LockKey: "repo"})

	first, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "w2", domain.ClaimFilter{}); !errors.Is(err, domain.ErrNoTask) {
		t.Fatalf("second claim while lock held: got %v", err)
	}
	if _, err := s.SubmitForReview(ctx, first.ID, "w1", domain.WorkResult{Resource: "local"}); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	second, err := s.ClaimTask(ctx, "w2", domain.ClaimFilter{})
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if second.ID != "b" {
		t.Errorf("claimed %s, want b", second.ID)
	}
}

func TestClaimTask_BudgetPaused(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustSubmit(t, s, domain.TaskSpec{})

	_, err := s.UpdateGovernor(ctx, 0, func(g *domain.GovernorState, _ SpendWindows, now time.Time) ([]domain.Event, error) {
		g.Paused = true
		g.Reason = domain.PauseOperator
		return nil, nil
	})
	if err != nil {
		t.Fatalf("UpdateGovernor: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); !errors.Is(err, domain.ErrBudgetPaused) {
		t.Errorf("got %v, want ErrBudgetPaused", err)
	}
}

func TestClaimTask_DeadWorker(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustSubmit(t, s, domain.TaskSpec{})

	clock.Advance(time.Hour)
	if _, _, err := s.MarkDeadWorkers(ctx, clock.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("MarkDeadWorkers: %v", err)
	}
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); !errors.Is(err, domain.ErrWorkerDead) {
		t.Errorf("got %v, want ErrWorkerDead", err)
	}
}

func TestReleaseTask_RetriesThenFails(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{MaxRetries: intPtr(2)})

	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	got, err := s.ReleaseTask(ctx, task.ID, "w1", domain.ReleaseFailure, "exit 1")
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if got.State != domain.TaskQueued || got.RetryCount != 1 {
		t.Fatalf("after first failure: %s/%d, want QUEUED/1", got.State, got.RetryCount)
	}

	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	got, err = s.ReleaseTask(ctx, task.ID, "w1", domain.ReleaseFailure, "exit 1")
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if got.State != domain.TaskFailed || got.RetryCount != 2 {
		t.Fatalf("after second failure: %s/%d, want FAILED/2", got.State, got.RetryCount)
	}
	if got.LastError != "exit 1" {
		t.Errorf("LastError = %q", got.LastError)
	}
	if !hasEvent(t, s, task.ID, domain.EventTaskFailed) {
		t.Error("expected TASK_FAILED event")
	}
	w, err := s.GetWorker(ctx, "w1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if w.Status != domain.WorkerIdle || w.CurrentTaskID != "" {
		t.Errorf("worker = %s/%q, want IDLE with no task", w.Status, w.CurrentTaskID)
	}
}

func TestReleaseTask_PreemptedKeepsProgressAndRetries(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{Priority: domain.PriorityLow})

	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.ReportProgress(ctx, "w1", task.ID, "step-3"); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	if _, ok, err := s.RequestPreemption(ctx, task.ID, "urgent"); err != nil || !ok {
		t.Fatalf("RequestPreemption: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := s.RequestPreemption(ctx, task.ID, "urgent"); ok {
		t.Error("second preemption request should be refused while one is pending")
	}

	got, err := s.ReleaseTask(ctx, task.ID, "w1", domain.ReleasePreempted, "")
	if err != nil {
		t.Fatalf("ReleaseTask: %v", err)
	}
	if got.State != domain.TaskQueued || got.RetryCount != 0 || got.ProgressMarker != "step-3" || got.PreemptRequested != 0 {
		t.Errorf("after preemption: %+v", got)
	}
	if !hasEvent(t, s, task.ID, domain.EventTaskPreempted) {
		t.Error("expected TASK_PREEMPTED event")
	}
}

func TestReleaseTask_NotOwner(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustRegister(t, s, "w2")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.ReleaseTask(ctx, task.ID, "w2", domain.ReleaseFailure, ""); !errors.Is(err, domain.ErrClaimLost) {
		t.Errorf("got %v, want ErrClaimLost", err)
	}
}

func TestHeartbeat_ReportsTaskState(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.Heartbeat(ctx, "w1", task.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	if _, err := s.PauseTask(ctx, task.ID, "operator"); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	if err := s.Heartbeat(ctx, "w1", task.ID); !errors.Is(err, domain.ErrTaskPaused) {
		t.Errorf("paused: got %v", err)
	}

	resumed, err := s.ResumeTask(ctx, task.ID, "operator")
	if err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	if resumed.State != domain.TaskRunning || resumed.WorkerID != "w1" {
		t.Errorf("resume = %s/%s, want RUNNING on w1", resumed.State, resumed.WorkerID)
	}

	if _, err := s.CancelTask(ctx, task.ID, "operator", "not needed"); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if err := s.Heartbeat(ctx, "w1", task.ID); !errors.Is(err, domain.ErrTaskCancelled) {
		t.Errorf("cancelled: got %v", err)
	}
}

func TestResumeTask_RequeuesWhenWorkerGone(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.PauseTask(ctx, task.ID, "operator"); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	if _, err := s.ReleaseTask(ctx, task.ID, "w1", domain.ReleaseShutdown, ""); err != nil {
		t.Fatalf("ReleaseTask on paused: %v", err)
	}
	got, err := s.ResumeTask(ctx, task.ID, "operator")
	if err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	if got.State != domain.TaskQueued || got.WorkerID != "" {
		t.Errorf("resume = %s/%q, want QUEUED unassigned", got.State, got.WorkerID)
	}
}

func TestTransitionRejected_RecordsEvent(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.CancelTask(ctx, task.ID, "operator", ""); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	_, err := s.CancelTask(ctx, task.ID, "operator", "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
	if !hasEvent(t, s, task.ID, domain.EventTransitionRejected) {
		t.Error("expected TRANSITION_REJECTED event")
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.State != domain.TaskCancelled {
		t.Errorf("State = %s, want CANCELLED", got.State)
	}
}

func TestRequeueTask_OnlyFromEscalated(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.RequeueTask(ctx, task.ID, "operator"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("requeue of QUEUED: got %v", err)
	}
	if _, err := s.EscalateTask(ctx, task.ID, "operator", "manual"); err != nil {
		t.Fatalf("EscalateTask: %v", err)
	}
	got, err := s.RequeueTask(ctx, task.ID, "operator")
	if err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	if got.State != domain.TaskQueued || got.RetryCount != 0 {
		t.Errorf("requeued = %s/%d", got.State, got.RetryCount)
	}
}

func TestSetMaxRetries(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	task := mustSubmit(t, s, domain.TaskSpec{})
	got, err := s.SetMaxRetries(ctx, task.ID, "operator", 7)
	if err != nil {
		t.Fatalf("SetMaxRetries: %v", err)
	}
	if got.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d", got.MaxRetries)
	}
	if !hasEvent(t, s, task.ID, domain.EventRetryLimitChanged) {
		t.Error("expected RETRY_LIMIT_CHANGED")
	}
}

func TestPromoteStarved_KeepsOriginalOrder(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")

	old := mustSubmit(t, s, domain.TaskSpec{ID: "old-low", Priority: domain.PriorityLow})
	clock.Advance(3 * time.Hour)
	mustSubmit(t, s, domain.TaskSpec{ID: "new-medium", Priority: domain.PriorityMedium})
	clock.Advance(90 * time.Minute)

	thresholds := map[domain.Priority]time.Duration{
		domain.PriorityLow:    4 * time.Hour,
		domain.PriorityMedium: 8 * time.Hour,
		domain.PriorityHigh:   24 * time.Hour,
	}
	promos, err := s.PromoteStarved(ctx, thresholds)
	if err != nil {
		t.Fatalf("PromoteStarved: %v", err)
	}
	if len(promos) != 1 || promos[0].TaskID != old.ID || promos[0].To != domain.PriorityMedium {
		t.Fatalf("promotions = %+v", promos)
	}
	if again, _ := s.PromoteStarved(ctx, thresholds); len(again) != 0 {
		t.Errorf("second pass promoted %d tasks; lane clock should have reset", len(again))
	}

	got, err := s.GetTask(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.OriginalPriority != domain.PriorityLow || got.BoostCount != 1 {
		t.Errorf("promoted task = %s/%d", got.OriginalPriority, got.BoostCount)
	}

	first, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if first.ID != old.ID {
		t.Errorf("first claim = %s, want the promoted task", first.ID)
	}
}

func TestPromoteStarved_AgedLowBeatsLaterHigh(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")

	low := mustSubmit(t, s, domain.TaskSpec{ID: "aged-low", Priority: domain.PriorityLow})
	clock.Advance(time.Minute)
	mustSubmit(t, s, domain.TaskSpec{ID: "later-high", Priority: domain.PriorityHigh})

	thresholds := map[domain.Priority]time.Duration{
		domain.PriorityLow:    4 * time.Hour,
		domain.PriorityMedium: 8 * time.Hour,
		domain.PriorityHigh:   24 * time.Hour,
	}
	steps := []struct {
		wait time.Duration
		to   domain.Priority
	}{
		{4*time.Hour + time.Second, domain.PriorityMedium},
		{8*time.Hour + time.Second, domain.PriorityHigh},
	}
	for _, step := range steps {
		clock.Advance(step.wait)
		promos, err := s.PromoteStarved(ctx, thresholds)
		if err != nil {
			t.Fatalf("PromoteStarved: %v", err)
		}
		if len(promos) != 1 || promos[0].TaskID != low.ID || promos[0].To != step.to {
			t.Fatalf("promotions to %s = %+v", step.to, promos)
		}
	}

	first, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{})
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if first.ID != low.ID {
		t.Errorf("first claim = %s, want the aged LOW task ahead of the later HIGH one", first.ID)
	}
	if first.OriginalPriority != domain.PriorityLow || first.BoostCount != 2 {
		t.Errorf("claimed task = %s/%d boosts", first.OriginalPriority, first.BoostCount)
	}
}

func TestCancelTask_DetachesWorker(t *testing.T) {
	tests := []struct {
		name  string
		apply func(s *Store, id string) error
		want  error
	}{
		{"cancel", func(s *Store, id string) error {
			_, err := s.CancelTask(context.Background(), id, "operator", "not needed")
			return err
		}, domain.ErrTaskCancelled},
		{"escalate", func(s *Store, id string) error {
			_, err := s.EscalateTask(context.Background(), id, "operator", "needs a human")
			return err
		}, domain.ErrClaimLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t, nil)
			ctx := context.Background()
			mustRegister(t, s, "w1")
			task := mustSubmit(t, s, domain.TaskSpec{LockKey: "repo-a"})
			if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
				t.Fatalf("ClaimTask: %v", err)
			}
			if err := tt.apply(s, task.ID); err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}

			w, err := s.GetWorker(ctx, "w1")
			if err != nil {
				t.Fatalf("GetWorker: %v", err)
			}
			if w.Status != domain.WorkerIdle || w.CurrentTaskID != "" {
				t.Errorf("worker = %s/%q, want IDLE with no task", w.Status, w.CurrentTaskID)
			}
			if err := s.Heartbeat(ctx, "w1", task.ID); !errors.Is(err, tt.want) {
				t.Errorf("heartbeat: got %v, want %v", err, tt.want)
			}

			next := mustSubmit(t, s, domain.TaskSpec{LockKey: "repo-a"})
			got, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{})
			if err != nil {
				t.Fatalf("ClaimTask after %s: %v", tt.name, err)
			}
			if got.ID != next.ID {
				t.Errorf("claimed %s, want %s", got.ID, next.ID)
			}
		})
	}
}

func TestApplyReview_ApproveCompletes(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.SubmitForReview(ctx, task.ID, "w1", domain.WorkResult{Resource: "claude"}); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if _, err := s.ApplyReview(ctx, task.ID, "rev", domain.ReviewOutcome{Verdict: domain.VerdictApprove}); !errors.Is(err, domain.ErrClaimLost) {
		t.Fatalf("apply without claim: got %v", err)
	}
	if _, err := s.ClaimReview(ctx, "rev"); err != nil {
		t.Fatalf("ClaimReview: %v", err)
	}
	got, err := s.ApplyReview(ctx, task.ID, "rev", domain.ReviewOutcome{Verdict: domain.VerdictApprove, Complete: true})
	if err != nil {
		t.Fatalf("ApplyReview: %v", err)
	}
	if got.State != domain.TaskCompleted {
		t.Errorf("State = %s, want COMPLETED", got.State)
	}
	if !hasEvent(t, s, task.ID, domain.EventTaskApproved) || !hasEvent(t, s, task.ID, domain.EventTaskCompleted) {
		t.Error("expected TASK_APPROVED and TASK_COMPLETED events")
	}
}

func TestApplyReview_RejectionsEscalate(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{MaxRetries: intPtr(2)})

	for round := 1; round <= 2; round++ {
		if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
			t.Fatalf("round %d ClaimTask: %v", round, err)
		}
		if _, err := s.SubmitForReview(ctx, task.ID, "w1", domain.WorkResult{Resource: "claude"}); err != nil {
			t.Fatalf("round %d SubmitForReview: %v", round, err)
		}
		if _, err := s.ClaimReview(ctx, "rev"); err != nil {
			t.Fatalf("round %d ClaimReview: %v", round, err)
		}
		got, err := s.ApplyReview(ctx, task.ID, "rev", domain.ReviewOutcome{
			Verdict:  domain.VerdictReject,
			Feedback: `{"failed_gates":["tests"]}`,
		})
		if err != nil {
			t.Fatalf("round %d ApplyReview: %v", round, err)
		}
		want := domain.TaskQueued
		if round == 2 {
			want = domain.TaskEscalated
		}
		if got.State != want || got.RetryCount != round {
			t.Errorf("round %d: %s/%d, want %s/%d", round, got.State, got.RetryCount, want, round)
		}
		if got.Feedback == "" {
			t.Errorf("round %d: feedback not kept", round)
		}
	}

	history, err := s.RejectionHistory(ctx, task.ID)
	if err != nil {
		t.Fatalf("RejectionHistory: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history has %d rejections, want 2", len(history))
	}
	if !hasEvent(t, s, task.ID, domain.EventTaskEscalated) {
		t.Error("expected TASK_ESCALATED")
	}
}

func TestApplyReview_EscalateReason(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.SubmitForReview(ctx, task.ID, "w1", domain.WorkResult{Resource: "claude"}); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if _, err := s.ClaimReview(ctx, "rev"); err != nil {
		t.Fatalf("ClaimReview: %v", err)
	}
	got, err := s.ApplyReview(ctx, task.ID, "rev", domain.ReviewOutcome{Verdict: domain.VerdictEscalate, Reason: "consensus_inconclusive"})
	if err != nil {
		t.Fatalf("ApplyReview: %v", err)
	}
	if got.State != domain.TaskEscalated {
		t.Fatalf("State = %s, want ESCALATED", got.State)
	}

	events, err := s.ListEvents(ctx, EventFilter{TaskID: task.ID, Types: []string{domain.EventTaskEscalated}})
	if err != nil || len(events) != 1 {
		t.Fatalf("ListEvents = %v, %v", events, err)
	}
	var payload struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(events[0].PayloadJSON), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Reason != "consensus_inconclusive" {
		t.Errorf("reason = %q, want consensus_inconclusive", payload.Reason)
	}
}

func TestReleaseReview(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.SubmitForReview(ctx, task.ID, "w1", domain.WorkResult{Resource: "claude"}); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if _, err := s.ClaimReview(ctx, "rev"); err != nil {
		t.Fatalf("ClaimReview: %v", err)
	}
	if _, err := s.ReleaseReview(ctx, task.ID, "other", "review_failed"); !errors.Is(err, domain.ErrClaimLost) {
		t.Fatalf("release by non-holder: got %v, want ErrClaimLost", err)
	}

	got, err := s.ReleaseReview(ctx, task.ID, "rev", "review_failed")
	if err != nil {
		t.Fatalf("ReleaseReview: %v", err)
	}
	if got.State != domain.TaskReview || got.ReviewerID != "" || got.ReviewStartedAt != 0 {
		t.Errorf("released task = %s/%q/%d", got.State, got.ReviewerID, got.ReviewStartedAt)
	}
	if !hasEvent(t, s, task.ID, domain.EventReviewReclaimed) {
		t.Error("expected REVIEW_RECLAIMED")
	}
	if _, err := s.ClaimReview(ctx, "rev2"); err != nil {
		t.Errorf("reclaim after release: %v", err)
	}
	if _, err := s.ReleaseReview(ctx, task.ID, "rev", "review_failed"); !errors.Is(err, domain.ErrClaimLost) {
		t.Errorf("stale release: got %v, want ErrClaimLost", err)
	}
}

func TestApplyReview_AdvancesPhase(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{Phase: domain.PhaseBrainstorm})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	res := domain.WorkResult{Resource: "claude", Artifacts: []domain.Artifact{{Kind: "brainstorm", Ref: "notes.md"}}}
	if _, err := s.SubmitForReview(ctx, task.ID, "w1", res); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	arts, err := s.ListArtifacts(ctx, task.ID, domain.PhaseBrainstorm)
	if err != nil || len(arts) != 1 {
		t.Fatalf("ListArtifacts = %v, %v", arts, err)
	}
	if _, err := s.ClaimReview(ctx, "rev"); err != nil {
		t.Fatalf("ClaimReview: %v", err)
	}
	got, err := s.ApplyReview(ctx, task.ID, "rev", domain.ReviewOutcome{Verdict: domain.VerdictApprove, NextPhase: domain.PhaseDocument})
	if err != nil {
		t.Fatalf("ApplyReview: %v", err)
	}
	if got.State != domain.TaskQueued || got.Phase != domain.PhaseDocument {
		t.Errorf("after advance: %s/%s", got.State, got.Phase)
	}
}

func TestRecoverIdleTasks(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{Type: "lint", MaxRetries: intPtr(3)})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.ReportProgress(ctx, "w1", task.ID, "half"); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}

	expired := func(tk *domain.Task, now time.Time) bool {
		return now.Unix()-tk.LastActivityAt > int64((5 * time.Minute).Seconds())
	}
	clock.Advance(time.Minute)
	if recs, _ := s.RecoverIdleTasks(ctx, expired); len(recs) != 0 {
		t.Fatalf("recovered %d tasks too early", len(recs))
	}
	clock.Advance(10 * time.Minute)
	recs, err := s.RecoverIdleTasks(ctx, expired)
	if err != nil {
		t.Fatalf("RecoverIdleTasks: %v", err)
	}
	if len(recs) != 1 || recs[0].To != domain.TaskQueued || recs[0].RetryCount != 1 {
		t.Fatalf("recoveries = %+v", recs)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.ProgressMarker != "half" || got.WorkerID != "" {
		t.Errorf("recovered task = %+v", got)
	}
	w, _ := s.GetWorker(ctx, "w1")
	if w.Status != domain.WorkerStale {
		t.Errorf("worker status = %s, want STALE", w.Status)
	}
	if err := s.Heartbeat(ctx, "w1", task.ID); !errors.Is(err, domain.ErrClaimLost) {
		t.Errorf("stale worker heartbeat: got %v, want ErrClaimLost", err)
	}
	w, _ = s.GetWorker(ctx, "w1")
	if w.Status != domain.WorkerIdle {
		t.Errorf("worker status after heartbeat = %s, want IDLE", w.Status)
	}
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Errorf("revived worker cannot claim: %v", err)
	}
}

func TestMarkDeadWorkers_RecoversTasks(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustRegister(t, s, "w2")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := s.Heartbeat(ctx, "w2", ""); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	dead, recs, err := s.MarkDeadWorkers(ctx, clock.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("MarkDeadWorkers: %v", err)
	}
	if len(dead) != 1 || dead[0] != "w1" {
		t.Errorf("dead = %v, want [w1]", dead)
	}
	if len(recs) != 1 || recs[0].TaskID != task.ID {
		t.Errorf("recoveries = %+v", recs)
	}
}

func TestRegisterWorker_RecoversCrashedTask(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	_, recs, err := s.RegisterWorker(ctx, "w1", "")
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("recoveries = %+v", recs)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.State != domain.TaskQueued || got.RetryCount != 1 {
		t.Errorf("task = %s/%d, want QUEUED/1", got.State, got.RetryCount)
	}
}

func TestDeregisterWorker_RefusesWhileRunning(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.DeregisterWorker(ctx, "w1"); !errors.Is(err, domain.ErrWorkerRunning) {
		t.Errorf("got %v, want ErrWorkerRunning", err)
	}
}

func TestReleaseOrphanedLocks(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	mustSubmit(t, s, domain.TaskSpec{LockKey: "deploy"})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	clock.Advance(2 * time.Hour)
	released, err := s.ReleaseOrphanedLocks(ctx, clock.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReleaseOrphanedLocks: %v", err)
	}
	if len(released) != 1 || released[0].Name != "deploy" {
		t.Errorf("released = %+v", released)
	}
}

func TestReclaimStuckReviews(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	mustRegister(t, s, "w1")
	task := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if _, err := s.SubmitForReview(ctx, task.ID, "w1", domain.WorkResult{Resource: "a"}); err != nil {
		t.Fatalf("SubmitForReview: %v", err)
	}
	if _, err := s.ClaimReview(ctx, "rev-1"); err != nil {
		t.Fatalf("ClaimReview: %v", err)
	}
	clock.Advance(30 * time.Minute)
	ids, err := s.ReclaimStuckReviews(ctx, clock.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStuckReviews: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("reclaimed = %v", ids)
	}
	again, err := s.ClaimReview(ctx, "rev-2")
	if err != nil {
		t.Fatalf("ClaimReview after reclaim: %v", err)
	}
	if again.ID != task.ID {
		t.Errorf("claimed %s", again.ID)
	}
}

func TestUpdateBreaker_PersistsRejectedCalls(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	_, err := s.UpdateBreaker(ctx, "claude", func(b *domain.BreakerState, now time.Time) ([]domain.Event, error) {
		b.State = domain.CircuitOpen
		b.ShortCircuitCount++
		return nil, domain.ErrCircuitOpen
	})
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("verdict = %v, want ErrCircuitOpen", err)
	}
	b, err := s.GetBreaker(ctx, "claude")
	if err != nil {
		t.Fatalf("GetBreaker: %v", err)
	}
	if b.State != domain.CircuitOpen || b.ShortCircuitCount != 1 {
		t.Errorf("breaker = %+v", b)
	}
}

func TestSpendSince(t *testing.T) {
	clock := newFakeClock()
	s := openTestStore(t, clock)
	ctx := context.Background()
	start := clock.Now()
	for _, c := range []float64{0.5, 1.25} {
		if err := s.RecordSpend(ctx, domain.SpendRecord{Resource: "claude", CostUSD: c}); err != nil {
			t.Fatalf("RecordSpend: %v", err)
		}
		clock.Advance(time.Minute)
	}
	total, err := s.SpendSince(ctx, start)
	if err != nil {
		t.Fatalf("SpendSince: %v", err)
	}
	if total != 1.75 {
		t.Errorf("total = %v, want 1.75", total)
	}
	later, _ := s.SpendSince(ctx, start.Add(30*time.Second))
	if later != 1.25 {
		t.Errorf("windowed total = %v, want 1.25", later)
	}
}

func TestQueueStats(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustSubmit(t, s, domain.TaskSpec{Priority: domain.PriorityHigh})
	mustSubmit(t, s, domain.TaskSpec{Priority: domain.PriorityHigh})
	mustSubmit(t, s, domain.TaskSpec{Priority: domain.PriorityLow})

	st, err := s.QueueStats(ctx)
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if st.Depth[domain.PriorityHigh] != 2 || st.Depth[domain.PriorityLow] != 1 || st.Depth[domain.PriorityCritical] != 0 {
		t.Errorf("depth = %v", st.Depth)
	}
	if st.ByState[domain.TaskQueued] != 3 {
		t.Errorf("by state = %v", st.ByState)
	}
}

func TestReviewStats(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()
	mustRegister(t, s, "w1")

	review := func(o domain.ReviewOutcome, approvals int) {
		t.Helper()
		task := mustSubmit(t, s, domain.TaskSpec{})
		if _, err := s.ClaimTask(ctx, "w1", domain.ClaimFilter{}); err != nil {
			t.Fatalf("ClaimTask: %v", err)
		}
		if _, err := s.SubmitForReview(ctx, task.ID, "w1", domain.WorkResult{Resource: "claude"}); err != nil {
			t.Fatalf("SubmitForReview: %v", err)
		}
		if _, err := s.ClaimReview(ctx, "rev"); err != nil {
			t.Fatalf("ClaimReview: %v", err)
		}
		for i, voter := range []string{"a", "b", "c"} {
			d := domain.VoteReject
			if i < approvals {
				d = domain.VoteApprove
			}
			if err := s.RecordVote(ctx, domain.ConsensusVote{TaskID: task.ID, GateID: "consensus", Voter: voter, Decision: d}); err != nil {
				t.Fatalf("RecordVote: %v", err)
			}
		}
		if _, err := s.ApplyReview(ctx, task.ID, "rev", o); err != nil {
			t.Fatalf("ApplyReview: %v", err)
		}
	}
	review(domain.ReviewOutcome{Verdict: domain.VerdictApprove, Complete: true}, 3)
	review(domain.ReviewOutcome{Verdict: domain.VerdictApprove, Complete: true}, 2)
	review(domain.ReviewOutcome{Verdict: domain.VerdictEscalate, Reason: domain.EscalateInconclusive}, 1)

	operatorEscalated := mustSubmit(t, s, domain.TaskSpec{})
	if _, err := s.EscalateTask(ctx, operatorEscalated.ID, "operator", "manual"); err != nil {
		t.Fatalf("EscalateTask: %v", err)
	}

	st, err := s.ReviewStats(ctx)
	if err != nil {
		t.Fatalf("ReviewStats: %v", err)
	}
	if st.Approved != 2 || st.Rejected != 0 || st.Escalated != 2 || st.Inconclusive != 1 {
		t.Errorf("counts = %+v", st)
	}
	if st.ApprovalRate != 0.5 {
		t.Errorf("approval rate = %v, want 0.5", st.ApprovalRate)
	}
	if st.Rounds != 3 || st.AvgApprovals != 2 {
		t.Errorf("rounds = %d, avg approvals = %v", st.Rounds, st.AvgApprovals)
	}
}
