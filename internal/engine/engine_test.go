package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/taskengine/internal/agent"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.HTTP.Listen = ""
	cfg.Resources = map[string]config.ResourceConfig{"claude": {Provider: "anthropic", Command: "true"}}
	cfg.Dispatch.Primary = "claude"
	cfg.Pool.Size = 2
	cfg.Pool.IdlePoll = 10 * time.Millisecond
	cfg.Pool.HeartbeatInterval = 50 * time.Millisecond
	cfg.Scheduler.Interval = 20 * time.Millisecond
	cfg.Budget.Interval = 20 * time.Millisecond
	cfg.Reaper.Interval = 50 * time.Millisecond
	cfg.Review.Interval = 20 * time.Millisecond
	cfg.Review.GatesOnly = true
	return &cfg
}

func startEngine(t *testing.T, exec agent.Executor) *Engine {
	t.Helper()
	e, err := New(context.Background(), testConfig(t), logger.Discard(), Options{Executor: exec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("engine did not stop")
		}
		assert.NoError(t, e.Close())
	})
	return e
}

func TestEngine_TaskRunsToCompletion(t *testing.T) {
	exec := agent.ExecutorFunc(func(_ context.Context, _ string, req agent.Request) (*agent.Result, error) {
		return &agent.Result{ResultRef: "ref-" + req.TaskID, CostUSD: 0.01}, nil
	})
	e := startEngine(t, exec)
	ctx := context.Background()

	task, err := e.Service.Submit(ctx, domain.TaskSpec{Type: "build", Priority: domain.PriorityHigh})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := e.Store.GetTask(ctx, task.ID)
		return err == nil && got.State == domain.TaskCompleted
	}, 10*time.Second, 20*time.Millisecond)

	got, err := e.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "ref-"+task.ID, got.ResultRef)
	assert.Equal(t, "claude", got.Implementer)

	status, err := e.Service.Status(ctx)
	require.NoError(t, err)
	assert.Len(t, status.Workers, 2)
	assert.InDelta(t, 0.01, status.Spend.TodayUSD, 1e-9)
}

func TestEngine_KillStopsClaims(t *testing.T) {
	exec := agent.ExecutorFunc(func(context.Context, string, agent.Request) (*agent.Result, error) {
		return &agent.Result{ResultRef: "ref"}, nil
	})
	e := startEngine(t, exec)
	ctx := context.Background()

	_, err := e.Service.Kill(ctx, "")
	require.NoError(t, err)

	task, err := e.Service.Submit(ctx, domain.TaskSpec{Type: "build"})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	got, err := e.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, got.State)

	_, err = e.Service.Resume(ctx, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := e.Store.GetTask(ctx, task.ID)
		return err == nil && got.State == domain.TaskCompleted
	}, 10*time.Second, 20*time.Millisecond)
}

func TestNew_InvalidNATSURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signal.NATSURL = "nats://127.0.0.1:1"
	_, err := New(context.Background(), cfg, logger.Discard(), Options{})
	require.Error(t, err)
}
