// Package agent defines the contracts of the external collaborators the
// engine calls: executors that do the work, quality gates and voters.
package agent

import (
	"context"
	"time"

	"github.com/rogers-f/taskengine/internal/domain"
)

// Request is what an executor receives for one attempt at a task.
type Request struct {
	TaskID         string       `json:"task_id"`
	TraceID        string       `json:"trace_id"`
	Type           string       `json:"type"`
	Phase          domain.Phase `json:"phase,omitempty"`
	Payload        []byte       `json:"payload,omitempty"`
	PayloadVersion int          `json:"payload_version"`
	// ProgressMarker is the checkpoint left by an earlier attempt.
	ProgressMarker string `json:"progress_marker,omitempty"`
	// Feedback is the structured rejection of the previous review round.
	Feedback string `json:"feedback,omitempty"`
	Attempt  int    `json:"attempt"`

	// OnProgress is called with each checkpoint the executor reports.
	OnProgress func(marker string) `json:"-"`
}

// Result is a dispatch outcome. A failed dispatch may still return a
// Result carrying what the call cost.
type Result struct {
	ResultRef  string            `json:"result_ref"`
	Summary    string            `json:"summary,omitempty"`
	Artifacts  []domain.Artifact `json:"artifacts,omitempty"`
	CostUSD    float64           `json:"cost_usd"`
	InputSize  int64             `json:"input_size"`
	OutputSize int64             `json:"output_size"`
	Duration   time.Duration     `json:"-"`
}

// Executor runs a task on the named resource. Implementations must honor
// ctx's deadline and be safe to call again for the same task. On error the
// returned Result, if any, only reports cost and sizes.
type Executor interface {
	Dispatch(ctx context.Context, resource string, req Request) (*Result, error)
}

// GateResult is a quality gate verdict.
type GateResult struct {
	Pass    bool    `json:"pass"`
	Detail  string  `json:"detail,omitempty"`
	CostUSD float64 `json:"cost_usd,omitempty"`
}

// GateEvaluator checks an artifact against one quality gate.
type GateEvaluator interface {
	Evaluate(ctx context.Context, artifactRef, gateID string) (GateResult, error)
}

// VoteRequest asks a voter to judge submitted work.
type VoteRequest struct {
	TaskID      string       `json:"task_id"`
	GateID      string       `json:"gate_id"`
	Round       int          `json:"round"`
	Phase       domain.Phase `json:"phase,omitempty"`
	ArtifactRef string       `json:"artifact_ref"`
	Implementer string       `json:"implementer,omitempty"`
	Gates       []GateReport `json:"gates,omitempty"`
}

// GateReport is one gate outcome passed along to voters.
type GateReport struct {
	GateID string `json:"gate_id"`
	Pass   bool   `json:"pass"`
	Detail string `json:"detail,omitempty"`
}

// Vote is one voter's response.
type Vote struct {
	Decision   domain.VoteDecision `json:"decision"`
	Confidence float64             `json:"confidence"`
	Category   string              `json:"category,omitempty"`
	Rationale  string              `json:"rationale,omitempty"`
	CostUSD    float64             `json:"cost_usd,omitempty"`
}

// Voter is one consensus participant.
type Voter interface {
	Vote(ctx context.Context, req VoteRequest) (Vote, error)
}

// VoterFunc adapts a function to Voter.
type VoterFunc func(ctx context.Context, req VoteRequest) (Vote, error)

// Vote calls f.
func (f VoterFunc) Vote(ctx context.Context, req VoteRequest) (Vote, error) { return f(ctx, req) }

// GateFunc adapts a function to GateEvaluator.
type GateFunc func(ctx context.Context, artifactRef, gateID string) (GateResult, error)

// Evaluate calls f.
func (f GateFunc) Evaluate(ctx context.Context, artifactRef, gateID string) (GateResult, error) {
	return f(ctx, artifactRef, gateID)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, resource string, req Request) (*Result, error)

// Dispatch calls f.
func (f ExecutorFunc) Dispatch(ctx context.Context, resource string, req Request) (*Result, error) {
	return f(ctx, resource, req)
}
