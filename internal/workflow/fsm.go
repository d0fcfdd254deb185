// Package workflow holds the task lifecycle state machine and the SDLC phase sub-machine.
package workflow

import (
	"github.com/rogers-f/taskengine/internal/domain"
)

// validTransitions defines the legal lifecycle edges.
// Each key is a source state, and the value is the set of valid target states.
var validTransitions = map[domain.TaskState]map[domain.TaskState]bool{
	domain.TaskQueued: {
		domain.TaskRunning:   true,
		domain.TaskPaused:    true,
		domain.TaskCancelled: true,
		domain.TaskEscalated: true,
	},
	domain.TaskRunning: {
		domain.TaskReview:    true,
		domain.TaskTimeout:   true,
		domain.TaskQueued:    true, // release
		domain.TaskFailed:    true,
		domain.TaskPaused:    true,
		domain.TaskCancelled: true,
		domain.TaskEscalated: true,
	},
	domain.TaskReview: {
		domain.TaskApproved:  true,
		domain.TaskRejected:  true,
		domain.TaskPaused:    true,
		domain.TaskCancelled: true,
		domain.TaskEscalated: true,
	},
	domain.TaskApproved: {
		domain.TaskCompleted: true,
		domain.TaskQueued:    true, // next phase
	},
	domain.TaskRejected: {
		domain.TaskQueued:    true,
		domain.TaskEscalated: true,
	},
	domain.TaskTimeout: {
		domain.TaskQueued:    true,
		domain.TaskEscalated: true,
	},
	domain.TaskPaused: {
		domain.TaskRunning:   true,
		domain.TaskReview:    true, // paused while in review
		domain.TaskQueued:    true,
		domain.TaskCancelled: true,
		domain.TaskEscalated: true,
	},
	domain.TaskEscalated: {
		domain.TaskQueued:    true, // operator resolution
		domain.TaskCancelled: true,
	},
}

// IsValidTransition checks if a lifecycle transition is legal.
func IsValidTransition(from, to domain.TaskState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidateTransition returns ErrInvalidTransition naming the edge when it is illegal.
func ValidateTransition(from, to domain.TaskState) error {
	if IsValidTransition(from, to) {
		return nil
	}
	if from.Terminal() {
		return domain.Errorf(domain.ErrInvalidTransition, "task is %s (terminal); cannot move to %s", from, to)
	}
	return domain.Errorf(domain.ErrInvalidTransition, "illegal transition %s -> %s", from, to)
}

// RetryOutcome is where a task goes after a counted failure.
// The retry count is incremented first; the task may retry only while the
// new count is below the limit.
func RetryOutcome(retryCount, maxRetries int, exhausted domain.TaskState) (domain.TaskState, int) {
	next := retryCount + 1
	if next < maxRetries {
		return domain.TaskQueued, next
	}
	return exhausted, next
}
