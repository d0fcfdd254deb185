// Package ipc provides the HTTP API of the task engine.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/operator"
	"github.com/rogers-f/taskengine/internal/store"
)

const bodyLimit = 1 << 20

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Service *operator.Service
	Logger  *slog.Logger
	// StreamPoll is how often the event stream looks for new events.
	StreamPoll time.Duration
}

// ActorRequest is the body of operator commands that only name an actor.
type ActorRequest struct {
	Actor string `json:"actor"`
}

// TaskActionRequest is the body of task commands.
type TaskActionRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// MaxRetriesRequest is the body for PUT /api/v1/tasks/{taskID}/max-retries.
type MaxRetriesRequest struct {
	Actor      string `json:"actor"`
	MaxRetries *int   `json:"max_retries"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int         `json:"code"`
	Kind    domain.Kind `json:"kind,omitempty"`
	Message string      `json:"message"`
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SubmitTask handles POST /api/v1/tasks.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[domain.TaskSpec](w, r)
	if !ok {
		return
	}
	t, err := h.Service.Submit(r.Context(), spec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTasks handles GET /api/v1/tasks?state=QUEUED,RUNNING&priority=HIGH&worker=w1&limit=N.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		Priority: domain.Priority(strings.ToUpper(q.Get("priority"))),
		WorkerID: q.Get("worker"),
		Limit:    intParam(q.Get("limit")),
	}
	for _, s := range splitList(q.Get("state")) {
		f.States = append(f.States, domain.TaskState(strings.ToUpper(s)))
	}
	tasks, err := h.Service.Tasks(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Service.Task(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// TaskAction handles POST /api/v1/tasks/{taskID}/{action} for cancel,
// escalate, requeue, pause and resume.
func (h *Handler) TaskAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	req, ok := readOptionalJSON[TaskActionRequest](w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	var t *domain.Task
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "cancel":
		t, err = h.Service.Cancel(ctx, id, req.Actor, req.Reason)
	case "escalate":
		t, err = h.Service.Escalate(ctx, id, req.Actor, req.Reason)
	case "requeue":
		t, err = h.Service.Requeue(ctx, id, req.Actor)
	case "pause":
		t, err = h.Service.PauseTask(ctx, id, req.Actor)
	case "resume":
		t, err = h.Service.ResumeTask(ctx, id, req.Actor)
	default:
		writeJSON(w, http.StatusNotFound, APIError{Code: 404, Message: "unknown task action " + action})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// SetMaxRetries handles PUT /api/v1/tasks/{taskID}/max-retries.
func (h *Handler) SetMaxRetries(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[MaxRetriesRequest](w, r)
	if !ok {
		return
	}
	if req.MaxRetries == nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "max_retries is required"})
		return
	}
	t, err := h.Service.SetMaxRetries(r.Context(), chi.URLParam(r, "taskID"), req.Actor, *req.MaxRetries)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ReviewTask handles POST /api/v1/tasks/{taskID}/review.
func (h *Handler) ReviewTask(w http.ResponseWriter, r *http.Request) {
	d, err := h.Service.ReviewNow(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ListVotes handles GET /api/v1/tasks/{taskID}/votes.
func (h *Handler) ListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.Service.Votes(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if votes == nil {
		votes = []domain.ConsensusVote{}
	}
	writeJSON(w, http.StatusOK, votes)
}

func eventFilter(r *http.Request) store.EventFilter {
	q := r.URL.Query()
	f := store.EventFilter{
		TaskID: q.Get("task"),
		Types:  splitList(q.Get("type")),
		Limit:  intParam(q.Get("limit")),
	}
	if s := q.Get("since_seq"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			f.SinceSeq = parsed
		}
	}
	return f
}

// ListEvents handles GET /api/v1/events?task=ID&type=A,B&since_seq=N&limit=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.Events(r.Context(), eventFilter(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/events/stream (SSE). It accepts the same
// filters as ListEvents and then follows new events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	f := eventFilter(r)
	poll := h.StreamPoll
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ctx := r.Context()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		events, err := h.Service.Events(ctx, f)
		if err != nil {
			if ctx.Err() == nil {
				writeSSEError(w, flusher, err)
			}
			return
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			f.SinceSeq = ev.Seq
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Governor handles POST /api/v1/governor/{action} for pause, resume, kill
// and reset-session.
func (h *Handler) Governor(w http.ResponseWriter, r *http.Request) {
	req, ok := readOptionalJSON[ActorRequest](w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	var st *domain.GovernorState
	var err error
	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		st, err = h.Service.Pause(ctx, req.Actor)
	case "resume":
		st, err = h.Service.Resume(ctx, req.Actor)
	case "kill":
		st, err = h.Service.Kill(ctx, req.Actor)
	case "reset-session":
		st, err = h.Service.ResetSession(ctx, req.Actor)
	default:
		writeJSON(w, http.StatusNotFound, APIError{Code: 404, Message: "unknown governor action " + action})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetBreaker handles GET /api/v1/breakers/{resource}.
func (h *Handler) GetBreaker(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Breaker(r.Context(), chi.URLParam(r, "resource"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StartWorker handles POST /api/v1/workers.
func (h *Handler) StartWorker(w http.ResponseWriter, r *http.Request) {
	spec, ok := readJSON[config.WorkerConfig](w, r)
	if !ok {
		return
	}
	if spec.ID == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "id is required"})
		return
	}
	if err := h.Service.StartWorker(r.Context(), spec); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, spec)
}

// StopWorker handles DELETE /api/v1/workers/{workerID}?timeout=30s. The
// worker drains for up to timeout before its task is released.
func (h *Handler) StopWorker(w http.ResponseWriter, r *http.Request) {
	timeout := 30 * time.Second
	if s := r.URL.Query().Get("timeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid timeout"})
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := h.Service.StopWorker(ctx, chi.URLParam(r, "workerID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	return decodeBody[T](w, r, false)
}

// readOptionalJSON is readJSON for bodies that may be empty.
func readOptionalJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	return decodeBody[T](w, r, true)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request, optional bool) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	err := json.NewDecoder(r.Body).Decode(&v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return v, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, APIError{Code: 413, Message: "request body too large"})
	} else {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
	}
	return v, false
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intParam(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNoTask):
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindPolicy:
		if errors.Is(err, domain.ErrWorkerRunning) || errors.Is(err, domain.ErrWorkerExists) {
			return http.StatusConflict
		}
		return http.StatusUnprocessableEntity
	case domain.KindResource, domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindTerminal:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		writeJSON(w, status, APIError{Code: engErr.Code, Kind: engErr.Kind, Message: engErr.Message})
		return
	}
	h.logger().Error("request failed", "error", err)
	writeJSON(w, status, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.Event) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
