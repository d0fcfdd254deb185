package signal

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig, ok := <-ch:
		require.True(t, ok, "channel closed")
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
	return Signal{}
}

func TestLocalBus_PublishReachesSubscriber(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	ch, cancel, err := bus.Subscribe(context.Background(), "w1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), "w1", Signal{Kind: Preempt, TaskID: "t1"}))
	got := receive(t, ch)
	assert.Equal(t, Preempt, got.Kind)
	assert.Equal(t, "t1", got.TaskID)
}

func TestLocalBus_OtherWorkerNotDelivered(t *testing.T) {
	bus := NewLocalBus()
	ch, cancel, err := bus.Subscribe(context.Background(), "w1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(context.Background(), "w2", Signal{Kind: Kill}))
	select {
	case sig := <-ch:
		t.Fatalf("unexpected signal %v", sig)
	default:
	}
}

func TestLocalBus_CancelClosesChannel(t *testing.T) {
	bus := NewLocalBus()
	ch, cancel, err := bus.Subscribe(context.Background(), "w1")
	require.NoError(t, err)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NoError(t, bus.Publish(context.Background(), "w1", Signal{Kind: Wake}))
}

func TestLocalBus_ContextEndUnsubscribes(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, _, err := bus.Subscribe(ctx, "w1")
	require.NoError(t, err)
	cancelCtx()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context end")
	}
}

func TestLocalBus_FullBufferDrops(t *testing.T) {
	bus := NewLocalBus()
	_, cancel, err := bus.Subscribe(context.Background(), "w1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < bufferSize+3; i++ {
		require.NoError(t, bus.Publish(context.Background(), "w1", Signal{Kind: Wake}))
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Equal(t, 3, bus.Dropped)
}

func TestBroadcast(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()
	ids := []string{"w1", "w2", "w3"}
	chans := make([]<-chan Signal, len(ids))
	for i, id := range ids {
		ch, _, err := bus.Subscribe(context.Background(), id)
		require.NoError(t, err)
		chans[i] = ch
	}

	require.NoError(t, Broadcast(context.Background(), bus, ids, Signal{Kind: Pause, Reason: "rate"}))
	for _, ch := range chans {
		assert.Equal(t, Pause, receive(t, ch).Kind)
	}
}

func TestLocalBus_Closed(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), "w1", Signal{Kind: Wake}), ErrClosed)
	_, _, err := bus.Subscribe(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNATSBus_RoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set, skipping NATS integration test")
	}
	bus, err := ConnectNATS(url, "taskengine.test", slog.Default())
	require.NoError(t, err)
	defer bus.Close()

	ctx := context.Background()
	ch, cancel, err := bus.Subscribe(ctx, "w1")
	require.NoError(t, err)
	defer cancel()
	require.NoError(t, bus.nc.Flush())

	require.NoError(t, bus.Publish(ctx, "w1", Signal{Kind: Abort, TaskID: "t9"}))
	got := receive(t, ch)
	assert.Equal(t, Abort, got.Kind)
	assert.Equal(t, "t9", got.TaskID)
}
