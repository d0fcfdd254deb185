// Package domain defines the core types of the task engine.
package domain

// Priority is a scheduling lane.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Priorities lists the lanes from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank orders lanes; higher is more urgent. Unknown values rank -1.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Valid reports whether p is a known lane.
func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Next returns the lane one step more urgent, or p itself for CRITICAL.
func (p Priority) Next() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	}
	return p
}

// TaskState is a node of the task lifecycle.
type TaskState string

const (
	TaskQueued    TaskState = "QUEUED"
	TaskRunning   TaskState = "RUNNING"
	TaskReview    TaskState = "REVIEW"
	TaskApproved  TaskState = "APPROVED"
	TaskRejected  TaskState = "REJECTED"
	TaskEscalated TaskState = "ESCALATED"
	TaskTimeout   TaskState = "TIMEOUT"
	TaskPaused    TaskState = "PAUSED"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
)

// Terminal reports whether no further transition may leave s.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Phase is the optional SDLC sub-state of a task.
type Phase string

const (
	PhaseNone       Phase = ""
	PhaseBrainstorm Phase = "BRAINSTORM"
	PhaseDocument   Phase = "DOCUMENT"
	PhasePlan       Phase = "PLAN"
	PhaseExecute    Phase = "EXECUTE"
	PhaseTrack      Phase = "TRACK"
	PhaseComplete   Phase = "COMPLETE"
)

// WorkerStatus is the health of a logical executor identity.
type WorkerStatus string

const (
	WorkerStarting WorkerStatus = "STARTING"
	WorkerIdle     WorkerStatus = "IDLE"
	WorkerBusy     WorkerStatus = "BUSY"
	WorkerPaused   WorkerStatus = "PAUSED"
	WorkerStale    WorkerStatus = "STALE"
	WorkerDead     WorkerStatus = "DEAD"
)

// Task is the unit of work tracked by the store.
type Task struct {
	ID               string    `json:"id"`
	Priority         Priority  `json:"priority"`
	OriginalPriority Priority  `json:"original_priority"`
	BoostCount       int       `json:"boost_count"`
	State            TaskState `json:"state"`
	PausedFrom       TaskState `json:"paused_from,omitempty"`
	Phase            Phase     `json:"phase,omitempty"`
	Type             string    `json:"type"`
	Payload          []byte    `json:"payload,omitempty"`
	PayloadVersion   int       `json:"payload_version"`
	Specialization   string    `json:"specialization,omitempty"`
	WorkerID         string    `json:"worker_id,omitempty"`
	RetryCount       int       `json:"retry_count"`
	MaxRetries       int       `json:"max_retries"`
	ProgressMarker   string    `json:"progress_marker,omitempty"`
	Feedback         string    `json:"feedback,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	LockKey          string    `json:"lock_key,omitempty"`
	Implementer      string    `json:"implementer,omitempty"`
	ResultRef        string    `json:"result_ref,omitempty"`
	PreemptRequested int64     `json:"preempt_requested_at,omitempty"`
	ReviewerID       string    `json:"reviewer_id,omitempty"`
	ReviewStartedAt  int64     `json:"review_started_at,omitempty"`
	TraceID          string    `json:"trace_id"`
	CreatedAt        int64     `json:"created_at"`
	UpdatedAt        int64     `json:"updated_at"`
	LaneEnteredAt    int64     `json:"lane_entered_at"`
	LastActivityAt   int64     `json:"last_activity_at"`
}

// TaskSpec is an intake request.
type TaskSpec struct {
	ID             string   `json:"id,omitempty"`
	Priority       Priority `json:"priority"`
	Type           string   `json:"type"`
	Phase          Phase    `json:"phase,omitempty"`
	Payload        []byte   `json:"payload,omitempty"`
	PayloadVersion int      `json:"payload_version,omitempty"`
	Specialization string   `json:"specialization,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
	LockKey        string   `json:"lock_key,omitempty"`
	TraceID        string   `json:"trace_id,omitempty"`
}

// ClaimFilter narrows which queued tasks a worker may take.
type ClaimFilter struct {
	// Specialization restricts the claim to tasks with this shard or no shard.
	// Empty means the worker accepts any shard.
	Specialization string
	// TaskTypes restricts the claim to these task types when non-empty.
	TaskTypes []string
}

// Accepts reports whether a task matches the filter.
func (f ClaimFilter) Accepts(t *Task) bool {
	if f.Specialization != "" && t.Specialization != "" && t.Specialization != f.Specialization {
		return false
	}
	if len(f.TaskTypes) == 0 {
		return true
	}
	for _, tt := range f.TaskTypes {
		if tt == t.Type {
			return true
		}
	}
	return false
}

// ReleaseReason explains why a worker gave a task back.
type ReleaseReason string

const (
	ReleaseFailure     ReleaseReason = "failure"
	ReleasePreempted   ReleaseReason = "preempted"
	ReleaseBudget      ReleaseReason = "budget"
	ReleaseKilled      ReleaseReason = "killed"
	ReleaseCircuitOpen ReleaseReason = "circuit_open"
	ReleaseShutdown    ReleaseReason = "shutdown"
	ReleaseRateLimited ReleaseReason = "rate_limited"
	// ReleaseStoreError gives the task back when the worker could not record
	// what its dispatch cost.
	ReleaseStoreError ReleaseReason = "store_error"
)

// CountsRetry reports whether releasing for this reason consumes a retry.
func (r ReleaseReason) CountsRetry() bool {
	return r == ReleaseFailure || r == ReleaseCircuitOpen
}

// Worker is a logical executor identity.
type Worker struct {
	ID             string       `json:"id"`
	Specialization string       `json:"specialization,omitempty"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksCompleted int          `json:"tasks_completed"`
	LastHeartbeat  int64        `json:"last_heartbeat"`
	RegisteredAt   int64        `json:"registered_at"`
	UpdatedAt      int64        `json:"updated_at"`
}

// Event is an append-only audit record.
type Event struct {
	Seq         int64  `json:"seq"`
	TaskID      string `json:"task_id,omitempty"`
	Actor       string `json:"actor"`
	Type        string `json:"type"`
	PayloadJSON string `json:"payload"`
	TraceID     string `json:"trace_id,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// VoteDecision is a single voter's verdict.
type VoteDecision string

const (
	VoteApprove VoteDecision = "APPROVE"
	VoteReject  VoteDecision = "REJECT"
	VoteAbstain VoteDecision = "ABSTAIN"
)

// ConsensusVote is an immutable vote record.
type ConsensusVote struct {
	ID         int64        `json:"id"`
	TaskID     string       `json:"task_id"`
	GateID     string       `json:"gate_id"`
	Round      int          `json:"round"`
	Voter      string       `json:"voter"`
	Provider   string       `json:"provider"`
	Decision   VoteDecision `json:"decision"`
	Confidence float64      `json:"confidence"`
	Category   string       `json:"category,omitempty"`
	Rationale  string       `json:"rationale,omitempty"`
	CreatedAt  int64        `json:"created_at"`
}

// SpendRecord is an immutable cost sample for one agent call.
type SpendRecord struct {
	ID         int64   `json:"id"`
	Resource   string  `json:"resource"`
	TaskID     string  `json:"task_id,omitempty"`
	InputSize  int64   `json:"input_size"`
	OutputSize int64   `json:"output_size"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	CreatedAt  int64   `json:"created_at"`
}

// CircuitState is a breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerState is the persisted breaker row of one resource.
type BreakerState struct {
	Resource            string       `json:"resource"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	StreakStartedAt     int64        `json:"streak_started_at,omitempty"`
	ShortCircuitCount   int64        `json:"short_circuit_count"`
	LastFailureAt       int64        `json:"last_failure_at,omitempty"`
	LastSuccessAt       int64        `json:"last_success_at,omitempty"`
	OpenedAt            int64        `json:"opened_at,omitempty"`
	TrialStartedAt      int64        `json:"trial_started_at,omitempty"`
	UpdatedAt           int64        `json:"updated_at"`
}

// PauseReason names what set the governor's paused flag.
type PauseReason string

const (
	PauseNone       PauseReason = ""
	PauseRate       PauseReason = "rate"
	PauseDailyCap   PauseReason = "daily_cap"
	PauseSessionCap PauseReason = "session_cap"
	PauseOperator   PauseReason = "operator"
	PauseKill       PauseReason = "kill"
)

// GovernorState is the singleton budget row.
type GovernorState struct {
	Paused       bool        `json:"paused"`
	Reason       PauseReason `json:"reason,omitempty"`
	PausedAt     int64       `json:"paused_at,omitempty"`
	DayStart     int64       `json:"day_start"`
	SessionStart int64       `json:"session_start"`
	LastRate     float64     `json:"last_rate"`
	Warned       bool        `json:"warned"`
	UpdatedAt    int64       `json:"updated_at"`
}

// Artifact is a reference produced while working a phase.
type Artifact struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	Phase     Phase  `json:"phase,omitempty"`
	Kind      string `json:"kind"`
	Ref       string `json:"ref"`
	CreatedAt int64  `json:"created_at"`
}

// Lock is an exclusive named resource held for a running task.
type Lock struct {
	Name       string `json:"name"`
	WorkerID   string `json:"worker_id"`
	TaskID     string `json:"task_id"`
	AcquiredAt int64  `json:"acquired_at"`
}

// WorkResult is what a worker hands to review.
type WorkResult struct {
	Resource  string     `json:"resource"`
	ResultRef string     `json:"result_ref"`
	Summary   string     `json:"summary,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// ReviewVerdict is the outcome of one approval round.
type ReviewVerdict string

const (
	VerdictApprove  ReviewVerdict = "APPROVE"
	VerdictReject   ReviewVerdict = "REJECT"
	VerdictEscalate ReviewVerdict = "ESCALATE"
)

// ReviewOutcome is applied to a REVIEW task atomically.
type ReviewOutcome struct {
	Verdict ReviewVerdict
	// Feedback is a JSON document describing failed gates and rejecting voters.
	Feedback string
	// NextPhase is set when an approval advances the SDLC phase.
	NextPhase Phase
	// Complete is set when an approval finishes the task.
	Complete bool
	// Reason is recorded on the TASK_ESCALATED event of an escalation.
	Reason string
}

// QueueStats summarizes the queue for status reports.
type QueueStats struct {
	Depth          map[Priority]int  `json:"depth"`
	ByState        map[TaskState]int `json:"by_state"`
	Boosted        int               `json:"boosted"`
	AvgWaitSec     float64           `json:"avg_wait_sec"`
	OldestQueuedAt int64             `json:"oldest_queued_at,omitempty"`
}

// ReviewStats summarizes review outcomes for status reports.
type ReviewStats struct {
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Escalated int `json:"escalated"`
	// Inconclusive counts escalations caused by a tally below quorum.
	Inconclusive int     `json:"inconclusive"`
	ApprovalRate float64 `json:"approval_rate"`
	Rounds       int     `json:"rounds"`
	AvgApprovals float64 `json:"avg_approvals"`
}

// Escalation reasons the reviewer records on TASK_ESCALATED events.
const (
	EscalateTooFewVoters = "too_few_independent_voters"
	EscalateInconclusive = "consensus_inconclusive"
)

// Event types.
const (
	EventTaskSubmitted        = "TASK_SUBMITTED"
	EventTaskClaimed          = "TASK_CLAIMED"
	EventTaskReleased         = "TASK_RELEASED"
	EventTaskFailed           = "TASK_FAILED"
	EventTaskSubmittedReview  = "TASK_SUBMITTED_FOR_REVIEW"
	EventReviewStarted        = "REVIEW_STARTED"
	EventReviewReclaimed      = "REVIEW_RECLAIMED"
	EventTaskApproved         = "TASK_APPROVED"
	EventTaskRejected         = "TASK_REJECTED"
	EventTaskRequeued         = "TASK_REQUEUED"
	EventTaskEscalated        = "TASK_ESCALATED"
	EventTaskCompleted        = "TASK_COMPLETED"
	EventTaskCancelled        = "TASK_CANCELLED"
	EventTaskPaused           = "TASK_PAUSED"
	EventTaskResumed          = "TASK_RESUMED"
	EventTaskPromoted         = "TASK_PROMOTED"
	EventTaskPreemptRequested = "TASK_PREEMPT_REQUESTED"
	EventTaskPreempted        = "TASK_PREEMPTED"
	EventTaskTimedOut         = "TASK_TIMED_OUT"
	EventPhaseAdvanced        = "PHASE_ADVANCED"
	EventRetryLimitChanged    = "RETRY_LIMIT_CHANGED"
	EventTransitionRejected   = "TRANSITION_REJECTED"
	EventWorkerRegistered     = "WORKER_REGISTERED"
	EventWorkerDeregistered   = "WORKER_DEREGISTERED"
	EventWorkerStale          = "WORKER_STALE"
	EventWorkerDead           = "WORKER_DEAD"
	EventLockReleased         = "LOCK_RELEASED"
	EventBudgetWarning        = "BUDGET_WARNING"
	EventBudgetPause          = "BUDGET_PAUSE"
	EventBudgetResume         = "BUDGET_RESUME"
	EventBudgetSessionReset   = "BUDGET_SESSION_RESET"
	EventBreakerOpened        = "BREAKER_OPENED"
	EventBreakerHalfOpen      = "BREAKER_HALF_OPEN"
	EventBreakerClosed        = "BREAKER_CLOSED"
	EventGateFailed           = "GATE_FAILED"
)
