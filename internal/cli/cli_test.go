package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogers-f/taskengine/internal/breaker"
	"github.com/rogers-f/taskengine/internal/budget"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/ipc"
	"github.com/rogers-f/taskengine/internal/logger"
	"github.com/rogers-f/taskengine/internal/operator"
	"github.com/rogers-f/taskengine/internal/signal"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/storetest"
)

type fixture struct {
	st   *store.Store
	addr string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.Open(t, nil)
	bus := signal.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	cfg := config.Defaults()
	svc := operator.New(operator.Options{
		Store:    st,
		Governor: budget.NewGovernor(st, cfg.Budget, bus, logger.Discard(), nil),
		Breaker:  breaker.New(st, cfg.Breaker, logger.Discard(), nil),
		Bus:      bus,
		Logger:   logger.Discard(),
	})
	srv := httptest.NewServer(ipc.NewRouter(&ipc.Handler{Service: svc, Logger: logger.Discard()}))
	t.Cleanup(srv.Close)
	return &fixture{st: st, addr: srv.URL}
}

// run executes the root command against the fixture's server.
func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--addr", f.addr, "--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitAndList(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "submit", "--type", "build", "--priority", "high", "--json", "--payload", `{"repo":"api"}`)
	require.NoError(t, err)
	var task domain.Task
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	assert.Equal(t, domain.PriorityHigh, task.Priority)
	assert.JSONEq(t, `{"repo":"api"}`, string(task.Payload))

	out, err = f.run(t, "tasks", "--state", "queued")
	require.NoError(t, err)
	assert.Contains(t, out, task.ID)
	assert.Contains(t, out, "HIGH")

	out, err = f.run(t, "task", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "State:")
	assert.Contains(t, out, "QUEUED")
}

func TestSubmit_MaxRetriesOnlyWhenSet(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "submit", "--type", "build", "--max-retries", "0", "--json")
	require.NoError(t, err)
	var task domain.Task
	require.NoError(t, json.Unmarshal([]byte(out), &task))
	assert.Equal(t, 0, task.MaxRetries)
}

func TestTask_NotFoundIsPolicyError(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "task", "missing")
	require.ErrorIs(t, err, domain.ErrTaskNotFound)
	assert.Equal(t, 2, domain.ExitCode(err))
}

func TestTaskActions(t *testing.T) {
	f := newFixture(t)
	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})

	out, err := f.run(t, "escalate", task.ID, "--reason", "needs a human", "--actor", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "ESCALATED")

	out, err = f.run(t, "requeue", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUED")

	out, err = f.run(t, "set-retries", task.ID, "7")
	require.NoError(t, err)
	assert.Contains(t, out, "retries 0/7")

	_, err = f.run(t, "set-retries", task.ID, "lots")
	require.Error(t, err)

	out, err = f.run(t, "pause-task", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "PAUSED")

	out, err = f.run(t, "resume-task", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "QUEUED")

	_, err = f.run(t, "cancel", task.ID)
	require.NoError(t, err)
	_, err = f.run(t, "cancel", task.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	events, err := f.st.ListEvents(context.Background(), store.EventFilter{TaskID: task.ID, Types: []string{domain.EventTaskEscalated}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "alice", events[0].Actor)
}

func TestGovernorAndStatus(t *testing.T) {
	f := newFixture(t)
	storetest.Submit(t, f.st, domain.TaskSpec{Type: "build", Priority: domain.PriorityLow})

	out, err := f.run(t, "kill")
	require.NoError(t, err)
	assert.Contains(t, out, "paused (kill")

	out, err = f.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Governor: paused")
	assert.Contains(t, out, "LOW=1")
	assert.Contains(t, out, "Reviews:  approved=0 rejected=0 escalated=0 inconclusive=0")

	out, err = f.run(t, "resume")
	require.NoError(t, err)
	assert.Contains(t, out, "Governor: running")
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})

	out, err := f.run(t, "events", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, domain.EventTaskSubmitted)

	out, err = f.run(t, "events", "--type", domain.EventTaskCancelled)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestReport_Formats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := storetest.Submit(t, f.st, domain.TaskSpec{Type: "build"})
	require.NoError(t, f.st.RecordVote(ctx, domain.ConsensusVote{
		TaskID: task.ID, GateID: "consensus", Voter: "gpt-reviewer", Provider: "openai",
		Decision: domain.VoteReject, Confidence: 0.7, Category: "style", Rationale: "naming | casing",
	}))
	require.NoError(t, f.st.RecordEvent(ctx, domain.Event{
		TaskID: task.ID, Actor: "reviewer", Type: domain.EventGateFailed, PayloadJSON: `{"gate_id":"tests"}`,
	}))

	out, err := f.run(t, "report", task.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-reviewer")
	assert.Contains(t, out, `Failed gate: {"gate_id":"tests"}`)
	assert.Contains(t, out, domain.EventTaskSubmitted)

	out, err = f.run(t, "report", task.ID, "--format", "markdown")
	require.NoError(t, err)
	assert.Contains(t, out, "# Task "+task.ID)
	assert.Contains(t, out, `naming \| casing`)
	assert.Contains(t, out, "## History")

	out, err = f.run(t, "report", task.ID, "--format", "json")
	require.NoError(t, err)
	var r struct {
		Task    domain.Task            `json:"task"`
		Votes   []domain.ConsensusVote `json:"votes"`
		Gates   []json.RawMessage      `json:"failed_gates"`
		History []domain.Event         `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, task.ID, r.Task.ID)
	assert.Len(t, r.Votes, 1)
	assert.Len(t, r.Gates, 1)
	assert.Len(t, r.History, 2)

	_, err = f.run(t, "report", task.ID, "--format", "pdf")
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestImport(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`- id: imp-1
  type: build
  priority: high
  payload: {repo: api}
- id: imp-2
  type: lint
  lock_key: repo-api
  max_retries: 0
`), 0o600))

	out, err := f.run(t, "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 of 2 tasks")

	first, err := f.st.GetTask(context.Background(), "imp-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityHigh, first.Priority)
	assert.JSONEq(t, `{"repo":"api"}`, string(first.Payload))
	second, err := f.st.GetTask(context.Background(), "imp-2")
	require.NoError(t, err)
	assert.Equal(t, "repo-api", second.LockKey)
	assert.Equal(t, 0, second.MaxRetries)
}

func TestImport_JSONStopsAtRejection(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
  {"id": "dup", "type": "build"},
  {"id": "dup", "type": "build"},
  {"id": "after", "type": "build"}
]`), 0o600))

	out, err := f.run(t, "import", path)
	require.Error(t, err)
	assert.Contains(t, out, "Imported 1 of 3 tasks")
	_, err = f.st.GetTask(context.Background(), "after")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	f2 := newFixture(t)
	out, err = f2.run(t, "import", path, "--keep-going")
	require.Error(t, err)
	assert.Contains(t, out, "Imported 2 of 3 tasks")
}

func TestImport_UnknownField(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- type: build\n  colour: blue\n"), 0o600))

	_, err := f.run(t, "import", path)
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestWorkerStart_NoPool(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "worker", "start", "w9")
	require.Error(t, err)
	assert.Equal(t, 4, domain.ExitCode(err))
}

func TestUnreachableEngine(t *testing.T) {
	root := NewRootCommand("test")
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--addr", "127.0.0.1:1", "status"})
	err := root.Execute()
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 3, domain.ExitCode(err))
}

func TestServe_InvalidConfig(t *testing.T) {
	root := NewRootCommand("test")
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	err := root.Execute()
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, 2, domain.ExitCode(err))
}

func TestHelpListsGroups(t *testing.T) {
	root := NewRootCommand("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())
	for _, want := range []string{"Engine:", "Tasks:", "Operations:", "serve", "submit", "kill"} {
		assert.Contains(t, out.String(), want)
	}
}
