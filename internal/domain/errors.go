package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an EngineError by how callers are expected to react.
type Kind string

const (
	// KindTransient errors are retried with backoff.
	KindTransient Kind = "transient"
	// KindPolicy errors are rejected synchronously and never coerced.
	KindPolicy Kind = "policy"
	// KindResource errors mean "try later": a circuit is open or the budget is paused.
	KindResource Kind = "resource"
	// KindTerminal errors require external action.
	KindTerminal Kind = "terminal"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code, a kind and a human-readable message.
type EngineError struct {
	Code    int    `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error { return e.cause }

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewEngineError derives an error from base with a more specific message.
func NewEngineError(base *EngineError, msg string) *EngineError {
	return &EngineError{Code: base.Code, Kind: base.Kind, Message: msg}
}

// Errorf derives an error from base with a formatted message.
func Errorf(base *EngineError, format string, args ...any) *EngineError {
	return NewEngineError(base, fmt.Sprintf(format, args...))
}

// WrapEngineError derives an error from base that carries cause.
func WrapEngineError(base *EngineError, msg string, cause error) *EngineError {
	m := base.Message
	if msg != "" {
		m = msg
	}
	if cause != nil {
		m = fmt.Sprintf("%s: %v", m, cause)
	}
	return &EngineError{Code: base.Code, Kind: base.Kind, Message: m, cause: cause}
}

// KindOf returns the kind of the first EngineError in err's chain, or "".
func KindOf(err error) Kind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// ExitCode maps an error to a process exit status.
// 0 accepted, 2 invalid transition or policy, 3 storage unavailable,
// 4 resource (budget paused or circuit open), 1 anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrSchemaMigration) {
		return 3
	}
	switch KindOf(err) {
	case KindPolicy:
		return 2
	case KindResource:
		return 4
	}
	return 1
}

// ---- Task lifecycle / phase errors (-32010 to -32039) ----

var (
	ErrInvalidTransition    = &EngineError{Code: -32010, Kind: KindPolicy, Message: "invalid state transition"}
	ErrPhaseGateFailed      = &EngineError{Code: -32011, Kind: KindPolicy, Message: "phase gate requirements not met"}
	ErrTaskNotFound         = &EngineError{Code: -32012, Kind: KindPolicy, Message: "task not found"}
	ErrPhaseArtifactMissing = &EngineError{Code: -32013, Kind: KindPolicy, Message: "required phase artifact missing"}
	ErrInvalidPhase         = &EngineError{Code: -32014, Kind: KindPolicy, Message: "invalid phase value"}
	ErrInvalidPriority      = &EngineError{Code: -32015, Kind: KindPolicy, Message: "invalid priority value"}
	ErrInvalidTaskSpec      = &EngineError{Code: -32016, Kind: KindPolicy, Message: "invalid task submission"}
	ErrNoTask               = &EngineError{Code: -32017, Kind: KindResource, Message: "no eligible task queued"}
	ErrClaimLost            = &EngineError{Code: -32018, Kind: KindTerminal, Message: "task claim no longer held"}
	ErrTaskPaused           = &EngineError{Code: -32019, Kind: KindResource, Message: "task is paused"}
)

// ---- Worker errors (-32040 to -32069) ----

var (
	ErrWorkerNotFound = &EngineError{Code: -32040, Kind: KindPolicy, Message: "worker not found"}
	ErrWorkerExists   = &EngineError{Code: -32041, Kind: KindPolicy, Message: "worker already registered"}
	ErrWorkerDead     = &EngineError{Code: -32042, Kind: KindPolicy, Message: "worker is dead"}
	ErrWorkerRunning  = &EngineError{Code: -32043, Kind: KindPolicy, Message: "worker is already running"}
	ErrPoolStopped    = &EngineError{Code: -32044, Kind: KindResource, Message: "worker pool is not running"}
)

// ---- Agent / resource errors (-32070 to -32099) ----

var (
	ErrAgentTimeout         = &EngineError{Code: -32070, Kind: KindTransient, Message: "agent call timed out"}
	ErrAgentFailed          = &EngineError{Code: -32071, Kind: KindTransient, Message: "agent call failed"}
	ErrAgentInvalidResponse = &EngineError{Code: -32072, Kind: KindTransient, Message: "agent returned invalid response"}
	ErrResourceUnknown      = &EngineError{Code: -32073, Kind: KindPolicy, Message: "resource not registered"}
)

// ---- Guard / budget / breaker errors (-32100 to -32129) ----

var (
	ErrBudgetPaused       = &EngineError{Code: -32100, Kind: KindResource, Message: "dispatch paused by budget governor"}
	ErrCircuitOpen        = &EngineError{Code: -32101, Kind: KindResource, Message: "circuit open for resource"}
	ErrMaxRetriesExceeded = &EngineError{Code: -32102, Kind: KindTerminal, Message: "maximum retries exceeded"}
	ErrTaskCancelled      = &EngineError{Code: -32103, Kind: KindTerminal, Message: "task was cancelled"}
	ErrRateLimited        = &EngineError{Code: -32104, Kind: KindResource, Message: "resource rate limit reached"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreUnavailable = &EngineError{Code: -32130, Kind: KindTransient, Message: "state store unavailable"}
	ErrSchemaMigration  = &EngineError{Code: -32131, Kind: KindTransient, Message: "schema migration failed"}
	ErrConfigInvalid    = &EngineError{Code: -32132, Kind: KindPolicy, Message: "invalid configuration"}
)

// ---- Review / consensus errors (-32160 to -32189) ----

var (
	ErrVoteInvalid            = &EngineError{Code: -32160, Kind: KindPolicy, Message: "vote validation failed"}
	ErrConsensusMisconfigured = &EngineError{Code: -32161, Kind: KindPolicy, Message: "consensus voters misconfigured"}
)
