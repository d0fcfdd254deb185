package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/taskengine/internal/breaker"
	"github.com/rogers-f/taskengine/internal/budget"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/logger"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/storetest"
)

type fixture struct {
	svc *Service
	st  *store.Store
	bus *signal.LocalBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.Open(t, storetest.NewClock())
	bus := signal.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	cfg := config.Defaults()
	svc := New(Options{
		Store:    st,
		Governor: budget.NewGovernor(st, cfg.Budget, bus, logger.Discard(), nil),
		Breaker:  breaker.New(st, cfg.Breaker, logger.Discard(), nil),
		Bus:      bus,
		Logger:   logger.Discard(),
	})
	return &fixture{svc: svc, st: st, bus: bus}
}

func TestService_SubmitAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, err := f.svc.Submit(ctx, domain.TaskSpec{Type: "build", Priority: domain.PriorityLow})
	require.NoError(t, err)
	high, err := f.svc.Submit(ctx, domain.TaskSpec{Type: "build", Priority: domain.PriorityHigh})
	require.NoError(t, err)
	assert.NotEmpty(t, low.TraceID)

	tasks, err := f.svc.Tasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, high.ID, tasks[0].ID)

	_, err = f.svc.Submit(ctx, domain.TaskSpec{Type: "build", Priority: "URGENT"})
	assert.ErrorIs(t, err, domain.ErrInvalidPriority)
	assert.Equal(t, 2, domain.ExitCode(err))
}

func TestService_CancelRunningTaskAbortsWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.Register(t, f.st, "w1", "")
	sigs, unsubscribe, err := f.bus.Subscribe(ctx, "w1")
	require.NoError(t, err)
	defer unsubscribe()

	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})
	_, err = f.st.ClaimTask(ctx, "w1", domain.ClaimFilter{})
	require.NoError(t, err)

	got, err := f.svc.Cancel(ctx, task.ID, "", "not needed")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.State)

	select {
	case sig := <-sigs:
		assert.Equal(t, signal.Abort, sig.Kind)
		assert.Equal(t, task.ID, sig.TaskID)
	case <-time.After(2 * time.Second):
		t.Fatal("no abort signal")
	}

	evs, err := f.svc.Events(ctx, store.EventFilter{TaskID: task.ID, Types: []string{domain.EventTaskCancelled}})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, DefaultActor, evs[0].Actor)

	_, err = f.svc.Cancel(ctx, task.ID, "alice", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestService_EscalateThenRequeue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})

	_, err := f.svc.Requeue(ctx, task.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := f.svc.Escalate(ctx, task.ID, "alice", "needs a human")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskEscalated, got.State)

	got, err = f.svc.Requeue(ctx, task.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, got.State)
	assert.Equal(t, 0, got.RetryCount)
}

func TestService_SetMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})

	got, err := f.svc.SetMaxRetries(ctx, task.ID, "", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxRetries)

	_, err = f.svc.SetMaxRetries(ctx, task.ID, "", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidTaskSpec)
}

func TestService_PauseAndResumeTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})

	got, err := f.svc.PauseTask(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPaused, got.State)

	got, err = f.svc.ResumeTask(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, got.State)
}

func TestService_KillRefusesClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.Register(t, f.st, "w1", "")
	storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})

	gs, err := f.svc.Kill(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, gs.Paused)
	assert.Equal(t, domain.PauseKill, gs.Reason)

	_, err = f.st.ClaimTask(ctx, "w1", domain.ClaimFilter{})
	assert.ErrorIs(t, err, domain.ErrBudgetPaused)

	gs, err = f.svc.Resume(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, gs.Paused)
	_, err = f.st.ClaimTask(ctx, "w1", domain.ClaimFilter{})
	assert.NoError(t, err)
}

func TestService_Status(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.Register(t, f.st, "w1", "")
	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build", Priority: domain.PriorityHigh})
	storetest.Submit(t, f.st, domain.TaskSpec{Type: "build", Priority: domain.PriorityLow})
	require.NoError(t, f.st.RecordSpend(ctx, domain.SpendRecord{Resource: "claude", TaskID: task.ID, CostUSD: 1.5}))

	st, err := f.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Queue.Depth[domain.PriorityHigh])
	assert.Equal(t, 1, st.Queue.Depth[domain.PriorityLow])
	require.Len(t, st.Workers, 1)
	assert.Equal(t, "w1", st.Workers[0].ID)
	assert.InDelta(t, 1.5, st.Spend.TodayUSD, 1e-9)
	assert.InDelta(t, 1.5, st.Spend.SessionUSD, 1e-9)
	assert.False(t, st.Governor.Paused)
	assert.Empty(t, st.Pool)
}

func TestService_WithoutPoolOrReviewer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.StartWorker(ctx, config.WorkerConfig{ID: "w9"}), domain.ErrPoolStopped)
	assert.ErrorIs(t, f.svc.StopWorker(ctx, "w9"), domain.ErrPoolStopped)
	_, err := f.svc.ReviewNow(ctx, "t1")
	assert.Error(t, err)
}

func TestService_VotesForUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Votes(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}
