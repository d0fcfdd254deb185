// Package storetest provides test helpers for packages built on the store.
package storetest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/store"
)

// Epoch is the starting time of every Clock.
var Epoch = time.Unix(1_700_000_000, 0)

// Clock is a manually advanced clock safe for concurrent use.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock set to Epoch.
func NewClock() *Clock { return &Clock{t: Epoch} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Open creates a migrated store in t.TempDir() driven by clk.
func Open(t *testing.T, clk *Clock) *store.Store {
	t.Helper()
	var opts []store.Option
	if clk != nil {
		opts = append(opts, store.WithClock(clk.Now))
	}
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Submit inserts a task or fails the test.
func Submit(t *testing.T, st *store.Store, spec domain.TaskSpec) *domain.Task {
	t.Helper()
	if spec.Priority == "" {
		spec.Priority = domain.PriorityMedium
	}
	task, err := st.SubmitTask(context.Background(), spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

// Register registers a worker or fails the test.
func Register(t *testing.T, st *store.Store, id, specialization string) *domain.Worker {
	t.Helper()
	w, _, err := st.RegisterWorker(context.Background(), id, specialization)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return w
}

// Events returns the event types recorded for taskID, in order.
func Events(t *testing.T, st *store.Store, taskID string) []string {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), store.EventFilter{TaskID: taskID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

// CountEvents returns how many events of typ exist.
func CountEvents(t *testing.T, st *store.Store, typ string) int {
	t.Helper()
	evs, err := st.ListEvents(context.Background(), store.EventFilter{Types: []string{typ}})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return len(evs)
}
