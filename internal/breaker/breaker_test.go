package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/logger"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/storetest"
)

var errBoom = errors.New("boom")

func newBreaker(t *testing.T) (*Breaker, *store.Store, *storetest.Clock) {
	t.Helper()
	clk := storetest.NewClock()
	st := storetest.Open(t, clk)
	cfg := config.Breaker{FailureThreshold: 3, Window: 5 * time.Minute, Cooldown: time.Minute}
	return New(st, cfg, logger.Discard(), nil), st, clk
}

func fail(ctx context.Context) error { return errBoom }
func ok(ctx context.Context) error   { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, st, _ := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(ctx, "claude", fail), errBoom)
	}
	s, err := b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, s.State)

	called := false
	err = b.Execute(ctx, "claude", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.False(t, called, "open circuit must not call through")
	assert.Equal(t, 4, domain.ExitCode(err))

	s, err = b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ShortCircuitCount)
	assert.Equal(t, 3, s.ConsecutiveFailures, "short circuit changes nothing else")

	evs, err := st.ListEvents(ctx, store.EventFilter{Types: []string{domain.EventBreakerOpened}})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b, _, _ := newBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, "claude", fail)
	_ = b.Execute(ctx, "claude", fail)
	require.NoError(t, b.Execute(ctx, "claude", ok))
	_ = b.Execute(ctx, "claude", fail)

	s, err := b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, s.State)
	assert.Equal(t, 1, s.ConsecutiveFailures)
}

func TestBreaker_WindowExpiryRestartsStreak(t *testing.T) {
	b, _, clk := newBreaker(t)
	ctx := context.Background()

	_ = b.Execute(ctx, "claude", fail)
	_ = b.Execute(ctx, "claude", fail)
	clk.Advance(6 * time.Minute)
	_ = b.Execute(ctx, "claude", fail)

	s, err := b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, s.State)
	assert.Equal(t, 1, s.ConsecutiveFailures)
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b, _, clk := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "claude", fail)
	}
	clk.Advance(time.Minute)

	require.NoError(t, b.Allow(ctx, "claude"), "first caller after cooldown gets the trial call")
	s, err := b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitHalfOpen, s.State)

	assert.ErrorIs(t, b.Allow(ctx, "claude"), domain.ErrCircuitOpen, "second caller waits for the trial call")

	require.NoError(t, b.Record(ctx, "claude", nil))
	s, err = b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, s.State)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	b, _, clk := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "claude", fail)
	}
	clk.Advance(time.Minute)

	assert.ErrorIs(t, b.Execute(ctx, "claude", fail), errBoom)
	s, err := b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, s.State)
	assert.Equal(t, clk.Now().Unix(), s.OpenedAt, "cooldown restarts")
}

func TestBreaker_StaleTrialReleased(t *testing.T) {
	b, _, clk := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "claude", fail)
	}
	clk.Advance(time.Minute)
	require.NoError(t, b.Allow(ctx, "claude"))

	clk.Advance(time.Minute)
	assert.NoError(t, b.Allow(ctx, "claude"), "a trial call that never reported goes stale")
}

func TestBreaker_CancellationIsNeutral(t *testing.T) {
	b, _, clk := newBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, "claude", func(context.Context) error { return context.Canceled })
	}
	s, err := b.State(ctx, "claude")
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, s.State)
	assert.Zero(t, s.ConsecutiveFailures)

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "claude", fail)
	}
	clk.Advance(time.Minute)
	require.NoError(t, b.Allow(ctx, "claude"))
	require.NoError(t, b.Record(ctx, "claude", context.Canceled))
	assert.NoError(t, b.Allow(ctx, "claude"), "cancelled trial call frees the slot")
}

func TestBreaker_SelectFallsBack(t *testing.T) {
	b, _, clk := newBreaker(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "claude", fail)
	}

	got, err := b.Select(ctx, "claude", []string{"codex", "gemini"})
	require.NoError(t, err)
	assert.Equal(t, "codex", got)

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, "codex", fail)
		_ = b.Execute(ctx, "gemini", fail)
	}
	_, err = b.Select(ctx, "claude", []string{"codex", "gemini"})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, domain.KindResource, domain.KindOf(err))

	clk.Advance(time.Minute)
	got, err = b.Select(ctx, "claude", []string{"codex", "gemini"})
	require.NoError(t, err)
	assert.Equal(t, "claude", got, "primary is preferred once it may take a trial call")
}
