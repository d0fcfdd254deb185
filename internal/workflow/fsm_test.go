package workflow

import (
	"errors"
	"testing"

	"github.com/rogers-f/taskengine/internal/domain"
)

func TestIsValidTransition_HappyPath(t *testing.T) {
	path := []domain.TaskState{
		domain.TaskQueued,
		domain.TaskRunning,
		domain.TaskReview,
		domain.TaskApproved,
		domain.TaskCompleted,
	}
	for i := 0; i+1 < len(path); i++ {
		if !IsValidTransition(path[i], path[i+1]) {
			t.Errorf("%s -> %s should be valid", path[i], path[i+1])
		}
	}
}

func TestIsValidTransition_Illegal(t *testing.T) {
	cases := []struct {
		from, to domain.TaskState
	}{
		{domain.TaskQueued, domain.TaskReview},
		{domain.TaskQueued, domain.TaskCompleted},
		{domain.TaskReview, domain.TaskQueued},
		{domain.TaskEscalated, domain.TaskRunning},
		{domain.TaskCompleted, domain.TaskQueued},
		{domain.TaskCancelled, domain.TaskQueued},
		{domain.TaskFailed, domain.TaskQueued},
	}
	for _, tc := range cases {
		if IsValidTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be invalid", tc.from, tc.to)
		}
	}
}

func TestIsValidTransition_AnyNonTerminalCanPauseOrCancel(t *testing.T) {
	for _, s := range []domain.TaskState{domain.TaskQueued, domain.TaskRunning, domain.TaskReview} {
		if !IsValidTransition(s, domain.TaskPaused) {
			t.Errorf("%s -> PAUSED should be valid", s)
		}
		if !IsValidTransition(s, domain.TaskCancelled) {
			t.Errorf("%s -> CANCELLED should be valid", s)
		}
	}
	if !IsValidTransition(domain.TaskPaused, domain.TaskRunning) {
		t.Error("PAUSED -> RUNNING should be valid")
	}
}

func TestValidateTransition_NamesEdge(t *testing.T) {
	err := ValidateTransition(domain.TaskCompleted, domain.TaskQueued)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if engErr.Kind != domain.KindPolicy {
		t.Errorf("Kind = %q, want policy", engErr.Kind)
	}
	if engErr.Message == domain.ErrInvalidTransition.Message {
		t.Error("message should identify the violated edge")
	}
}

func TestRetryOutcome(t *testing.T) {
	cases := []struct {
		retry, max int
		want       domain.TaskState
		wantCount  int
	}{
		{0, 3, domain.TaskQueued, 1},
		{1, 3, domain.TaskQueued, 2},
		{2, 3, domain.TaskEscalated, 3},
		{0, 0, domain.TaskEscalated, 1},
	}
	for _, tc := range cases {
		got, n := RetryOutcome(tc.retry, tc.max, domain.TaskEscalated)
		if got != tc.want || n != tc.wantCount {
			t.Errorf("RetryOutcome(%d, %d) = %s/%d, want %s/%d", tc.retry, tc.max, got, n, tc.want, tc.wantCount)
		}
	}
}
