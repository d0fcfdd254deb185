package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/operator"
	"github.com/rogers-f/taskengine/internal/review"
	"github.com/rogers-f/taskengine/internal/store"
)

// Client talks to a running engine over its HTTP API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the engine listening on addr, either a
// host:port or a full URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: strings.TrimRight(base, "/") + "/api/v1", http: &http.Client{}}
}

// do sends a request and decodes the response into out. Error responses
// come back as *domain.EngineError so callers can map them to exit codes.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreUnavailable, "engine unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var apiErr APIError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
		return fmt.Errorf("engine returned %s", resp.Status)
	}
	if apiErr.Code < 0 && apiErr.Kind != "" {
		return &domain.EngineError{Code: apiErr.Code, Kind: apiErr.Kind, Message: apiErr.Message}
	}
	return fmt.Errorf("engine returned %s: %s", resp.Status, apiErr.Message)
}

// Submit sends a task to intake.
func (c *Client) Submit(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error) {
	var t domain.Task
	if err := c.do(ctx, http.MethodPost, "/tasks", spec, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, id string) (*domain.Task, error) {
	var t domain.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Tasks lists tasks matching f.
func (c *Client) Tasks(ctx context.Context, f store.TaskFilter) ([]*domain.Task, error) {
	q := url.Values{}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, s := range f.States {
			states[i] = string(s)
		}
		q.Set("state", strings.Join(states, ","))
	}
	if f.Priority != "" {
		q.Set("priority", string(f.Priority))
	}
	if f.WorkerID != "" {
		q.Set("worker", f.WorkerID)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []*domain.Task
	if err := c.do(ctx, http.MethodGet, "/tasks"+encode(q), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TaskAction runs cancel, escalate, requeue, pause or resume on a task.
func (c *Client) TaskAction(ctx context.Context, id, action, actor, reason string) (*domain.Task, error) {
	var t domain.Task
	body := TaskActionRequest{Actor: actor, Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/"+action, body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetMaxRetries overrides a task's retry limit.
func (c *Client) SetMaxRetries(ctx context.Context, id, actor string, n int) (*domain.Task, error) {
	var t domain.Task
	body := MaxRetriesRequest{Actor: actor, MaxRetries: &n}
	if err := c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id)+"/max-retries", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ReviewNow reviews a task immediately.
func (c *Client) ReviewNow(ctx context.Context, id string) (*review.Decision, error) {
	var d review.Decision
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/review", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Votes lists the votes recorded for a task.
func (c *Client) Votes(ctx context.Context, id string) ([]domain.ConsensusVote, error) {
	var out []domain.ConsensusVote
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id)+"/votes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Governor runs pause, resume, kill or reset-session.
func (c *Client) Governor(ctx context.Context, action, actor string) (*domain.GovernorState, error) {
	var st domain.GovernorState
	if err := c.do(ctx, http.MethodPost, "/governor/"+action, ActorRequest{Actor: actor}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Status fetches the engine status.
func (c *Client) Status(ctx context.Context) (*operator.Status, error) {
	var st operator.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func eventQuery(f store.EventFilter) url.Values {
	q := url.Values{}
	if f.TaskID != "" {
		q.Set("task", f.TaskID)
	}
	if len(f.Types) > 0 {
		q.Set("type", strings.Join(f.Types, ","))
	}
	if f.SinceSeq > 0 {
		q.Set("since_seq", strconv.FormatInt(f.SinceSeq, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	return q
}

// Events replays events matching f.
func (c *Client) Events(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	var out []domain.Event
	if err := c.do(ctx, http.MethodGet, "/events"+encode(eventQuery(f)), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Follow streams events matching f to fn until ctx is done or fn fails.
func (c *Client) Follow(ctx context.Context, f store.EventFilter, fn func(domain.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events/stream"+encode(eventQuery(f)), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return domain.WrapEngineError(domain.ErrStoreUnavailable, "engine unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), bodyLimit)
	event := ""
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			if event == "error" {
				return fmt.Errorf("event stream: %s", data)
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if err := fn(ev); err != nil {
				return err
			}
		case line == "":
			event = ""
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// StartWorker adds a worker to the pool.
func (c *Client) StartWorker(ctx context.Context, spec config.WorkerConfig) error {
	return c.do(ctx, http.MethodPost, "/workers", spec, nil)
}

// StopWorker drains a worker, releasing its task after timeout.
func (c *Client) StopWorker(ctx context.Context, id string, timeout time.Duration) error {
	q := url.Values{}
	if timeout > 0 {
		q.Set("timeout", timeout.String())
	}
	return c.do(ctx, http.MethodDelete, "/workers/"+url.PathEscape(id)+encode(q), nil, nil)
}

func encode(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
