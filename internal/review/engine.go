// Package review runs the approval stage: quality gates, a consensus vote
// among independent voters, structured feedback and phase advancement.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/taskengine/internal/agent"
	"github.com/rogers-f/taskengine/internal/breaker"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/logger"
	"github.com/rogers-f/taskengine/internal/store"
	"github.com/rogers-f/taskengine/internal/telemetry"
	"github.com/rogers-f/taskengine/internal/workflow"
)

// ConsensusGateID is the gate id recorded on consensus votes.
const ConsensusGateID = "consensus"

// Gate is one configured quality gate bound to its evaluator.
type Gate struct {
	ID       string
	Blocking bool
	// Resource is the breaker key the gate's calls are guarded by.
	Resource  string
	Evaluator agent.GateEvaluator
}

// Budget is the spend ledger and dispatch switch the reviewer reports to.
type Budget interface {
	Allow(ctx context.Context) error
	Record(ctx context.Context, rec domain.SpendRecord) error
}

// Options wires an Engine.
type Options struct {
	Store   *store.Store
	Breaker *breaker.Breaker
	// Budget may be nil, in which case gate and voter calls are not billed.
	Budget Budget
	// Consensus is nil only in gates-only mode.
	Consensus *ConsensusEngine
	Gates     []Gate
	Phases    *workflow.PhaseGateRegistry
	// Providers maps execution resources to their model vendor.
	Providers  map[string]string
	Config     config.Review
	ReviewerID string
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Engine reviews submitted work.
type Engine struct {
	store     *store.Store
	breaker   *breaker.Breaker
	budget    Budget
	consensus *ConsensusEngine
	gates     []Gate
	phases    *workflow.PhaseGateRegistry
	providers map[string]string
	cfg       config.Review
	id        string
	logger    *slog.Logger
	metrics   *telemetry.Metrics

	validator SchemaValidator
	blockers  BlockerChecker
}

// NewEngine creates an Engine from opts.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Phases == nil {
		opts.Phases = workflow.NewPhaseGateRegistry(workflow.DefaultRequirements())
	}
	if opts.ReviewerID == "" {
		opts.ReviewerID = "reviewer"
	}
	return &Engine{
		store:     opts.Store,
		breaker:   opts.Breaker,
		budget:    opts.Budget,
		consensus: opts.Consensus,
		gates:     opts.Gates,
		phases:    opts.Phases,
		providers: opts.Providers,
		cfg:       opts.Config,
		id:        opts.ReviewerID,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Escalation reasons recorded on TASK_ESCALATED events.
const (
	ReasonTooFewVoters = domain.EscalateTooFewVoters
	ReasonInconclusive = domain.EscalateInconclusive
)

// Feedback is the structured rejection stored on the task.
type Feedback struct {
	Reason          string           `json:"reason"`
	FailedGates     []GateOutcome    `json:"failed_gates,omitempty"`
	RejectingVoters []RejectingVoter `json:"rejecting_voters,omitempty"`
	VetoedBy        string           `json:"vetoed_by,omitempty"`
	Blockers        []string         `json:"blockers,omitempty"`
}

// RejectingVoter is one REJECT vote summarized for the implementer.
type RejectingVoter struct {
	Voter     string `json:"voter"`
	Category  string `json:"category,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

// Decision is the outcome of one review round.
type Decision struct {
	TaskID  string                 `json:"task_id"`
	Round   int                    `json:"round"`
	Verdict domain.ReviewVerdict   `json:"verdict"`
	Gates   []GateOutcome          `json:"gates"`
	Votes   []domain.ConsensusVote `json:"votes,omitempty"`
	Tally   *Tally                 `json:"tally,omitempty"`
	// Feedback is set on REJECT and ESCALATE.
	Feedback *Feedback    `json:"feedback,omitempty"`
	Task     *domain.Task `json:"task"`
}

// Review claims and reviews one REVIEW task. It returns ErrNoTask when the
// task is not waiting for review or another reviewer holds it, and
// ErrBudgetPaused while the governor has dispatch paused.
func (e *Engine) Review(ctx context.Context, taskID string) (*Decision, error) {
	if err := e.allow(ctx); err != nil {
		return nil, err
	}
	t, err := e.store.ClaimReviewOf(ctx, e.id, taskID)
	if err != nil {
		return nil, err
	}
	return e.review(ctx, t)
}

// ReviewNext reviews the oldest waiting task. It returns ErrNoTask when
// none is waiting.
func (e *Engine) ReviewNext(ctx context.Context) (*Decision, error) {
	if err := e.allow(ctx); err != nil {
		return nil, err
	}
	t, err := e.store.ClaimReview(ctx, e.id)
	if err != nil {
		return nil, err
	}
	return e.review(ctx, t)
}

// Run drains the review queue every interval until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		e.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for ctx.Err() == nil {
		_, err := e.ReviewNext(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, domain.ErrNoTask):
		case errors.Is(err, domain.ErrBudgetPaused):
			e.logger.Debug("reviews held by budget governor", "error", err)
		case ctx.Err() == nil:
			e.logger.Error("review failed", "error", err)
		}
		return
	}
}

func (e *Engine) allow(ctx context.Context) error {
	if e.budget == nil {
		return nil
	}
	return e.budget.Allow(ctx)
}

func (e *Engine) review(ctx context.Context, t *domain.Task) (*Decision, error) {
	if t.TraceID != "" {
		ctx = logger.WithTraceID(ctx, t.TraceID)
	}
	ctx, span := telemetry.StartReviewSpan(ctx, t.ID, t.RetryCount)
	defer span.End()
	log := logger.ForTask(ctx, e.logger, t.ID)

	d := &Decision{TaskID: t.ID, Round: t.RetryCount}
	outcome, fb, err := e.judge(ctx, t, d)
	if err != nil {
		span.RecordError(err)
		e.abandon(ctx, log, t, err)
		return nil, err
	}

	if fb != nil {
		if len(fb.FailedGates) == 0 {
			fb.FailedGates = failed(d.Gates)
		}
		raw, err := json.Marshal(fb)
		if err != nil {
			return nil, fmt.Errorf("encode feedback: %w", err)
		}
		outcome.Feedback = string(raw)
	}
	d.Verdict = outcome.Verdict
	d.Feedback = fb

	updated, err := e.store.ApplyReview(ctx, t.ID, e.id, outcome)
	if err != nil {
		return nil, err
	}
	d.Task = updated
	e.metrics.Decided(ctx, string(outcome.Verdict))
	log.Info("review decided", "verdict", outcome.Verdict, "round", d.Round, "state", updated.State, "phase", updated.Phase)
	return d, nil
}

// abandon hands a review that could not be decided back to the unclaimed
// pool so another pass can redo it.
func (e *Engine) abandon(ctx context.Context, log *slog.Logger, t *domain.Task, cause error) {
	if _, err := e.store.ReleaseReview(context.WithoutCancel(ctx), t.ID, e.id, cause.Error()); err != nil {
		log.Error("review claim not released", "cause", cause, "error", err)
		return
	}
	log.Warn("review abandoned", "error", cause)
}

// judge runs the gates and, unless a blocking gate failed, the vote.
func (e *Engine) judge(ctx context.Context, t *domain.Task, d *Decision) (domain.ReviewOutcome, *Feedback, error) {
	gates, err := e.runGates(ctx, t)
	d.Gates = gates
	if err != nil {
		return domain.ReviewOutcome{}, nil, err
	}
	if blocking, reasons := e.blockers.Check(d.Gates); blocking {
		return domain.ReviewOutcome{Verdict: domain.VerdictReject},
			&Feedback{Reason: strings.Join(reasons, "; "), FailedGates: failed(d.Gates)}, nil
	}
	return e.decide(ctx, t, d)
}

// decide runs the vote and the phase check once no blocking gate failed.
func (e *Engine) decide(ctx context.Context, t *domain.Task, d *Decision) (domain.ReviewOutcome, *Feedback, error) {
	if e.consensus != nil {
		implementer := e.providerOf(t.Implementer)
		eligible := e.consensus.Eligible(implementer)
		if need := e.consensus.Quorum(); len(eligible) < need {
			return domain.ReviewOutcome{Verdict: domain.VerdictEscalate, Reason: ReasonTooFewVoters}, &Feedback{
				Reason: fmt.Sprintf("only %d voter(s) independent of provider %s, need %d", len(eligible), implementer, need),
			}, nil
		}
		if err := e.allow(ctx); err != nil {
			return domain.ReviewOutcome{}, nil, err
		}
		votes, err := e.collectVotes(ctx, t, eligible, d.Gates)
		d.Votes = votes
		if err != nil {
			return domain.ReviewOutcome{}, nil, err
		}
		tally := e.consensus.Tally(eligible, d.Votes)
		d.Tally = &tally
		switch {
		case tally.Inconclusive:
			return domain.ReviewOutcome{Verdict: domain.VerdictEscalate, Reason: ReasonInconclusive}, &Feedback{
				Reason:          tally.Reason,
				RejectingVoters: rejecting(d.Votes),
			}, nil
		case !tally.Approve:
			return domain.ReviewOutcome{Verdict: domain.VerdictReject}, &Feedback{
				Reason:          tally.Reason,
				RejectingVoters: rejecting(d.Votes),
				VetoedBy:        tally.VetoedBy,
			}, nil
		}
	}

	kinds, err := e.artifactKinds(ctx, t)
	if err != nil {
		return domain.ReviewOutcome{}, nil, err
	}
	gd := e.phases.Evaluate(t.Phase, kinds, Passed(d.Gates))
	if !gd.Allow {
		return domain.ReviewOutcome{Verdict: domain.VerdictReject}, &Feedback{
			Reason:   "phase requirements not met",
			Blockers: gd.Blockers,
		}, nil
	}
	out := domain.ReviewOutcome{Verdict: domain.VerdictApprove, Complete: gd.Complete}
	if !gd.Complete {
		out.NextPhase = gd.NextPhase
	}
	return out, nil, nil
}

// runGates evaluates every gate in order. An evaluator error or a
// short-circuited gate counts as a failure. A failure to record a gate's
// spend or its GATE_FAILED event fails the whole run.
func (e *Engine) runGates(ctx context.Context, t *domain.Task) ([]GateOutcome, error) {
	outcomes := make([]GateOutcome, 0, len(e.gates))
	for _, g := range e.gates {
		o := GateOutcome{GateID: g.ID, Blocking: g.Blocking}
		var res agent.GateResult
		inv, err := e.guarded(ctx, g.Resource, e.cfg.GateTimeout, func(ctx context.Context) error {
			var err error
			res, err = g.Evaluator.Evaluate(ctx, t.ResultRef, g.ID)
			return err
		})
		if err != nil {
			o.Detail = err.Error()
		} else {
			o.Pass, o.Detail = res.Pass, res.Detail
		}
		outcomes = append(outcomes, o)

		if inv.called {
			if err := e.spend(ctx, t, g.Resource, res.CostUSD, inv.elapsed); err != nil {
				return outcomes, fmt.Errorf("record spend of gate %s: %w", g.ID, err)
			}
		}
		if !o.Pass {
			payload, _ := json.Marshal(o)
			if err := e.store.RecordEvent(ctx, domain.Event{
				TaskID:      t.ID,
				Actor:       e.id,
				Type:        domain.EventGateFailed,
				PayloadJSON: string(payload),
				TraceID:     t.TraceID,
			}); err != nil {
				return outcomes, fmt.Errorf("record failure of gate %s: %w", g.ID, err)
			}
		}
	}
	return outcomes, nil
}

// collectVotes polls the voters concurrently. A voter that errors, times
// out, is short-circuited or returns an invalid vote abstains. Every voter
// is polled to the end; the first vote or spend that could not be recorded
// is returned.
func (e *Engine) collectVotes(ctx context.Context, t *domain.Task, voters []VoterSpec, gates []GateOutcome) ([]domain.ConsensusVote, error) {
	req := agent.VoteRequest{
		TaskID:      t.ID,
		GateID:      ConsensusGateID,
		Round:       t.RetryCount,
		Phase:       t.Phase,
		ArtifactRef: t.ResultRef,
		Implementer: t.Implementer,
	}
	for _, g := range gates {
		req.Gates = append(req.Gates, agent.GateReport{GateID: g.GateID, Pass: g.Pass, Detail: g.Detail})
	}

	votes := make([]domain.ConsensusVote, len(voters))
	var g errgroup.Group
	for i, v := range voters {
		g.Go(func() error {
			vote, cost, inv := e.poll(ctx, t, v, req)
			votes[i] = vote
			if inv.called {
				if err := e.spend(ctx, t, v.resource(), cost, inv.elapsed); err != nil {
					return fmt.Errorf("record spend of %s: %w", v.ID, err)
				}
			}
			if err := e.store.RecordVote(ctx, vote); err != nil {
				return fmt.Errorf("record vote of %s: %w", v.ID, err)
			}
			return nil
		})
	}
	return votes, g.Wait()
}

func (e *Engine) poll(ctx context.Context, t *domain.Task, v VoterSpec, req agent.VoteRequest) (domain.ConsensusVote, float64, invocation) {
	ctx, span := telemetry.StartVoteSpan(ctx, t.ID, v.ID, v.Provider)
	defer span.End()

	vote := domain.ConsensusVote{
		TaskID:   t.ID,
		GateID:   ConsensusGateID,
		Round:    t.RetryCount,
		Voter:    v.ID,
		Provider: v.Provider,
		Decision: domain.VoteAbstain,
	}
	var resp agent.Vote
	inv, err := e.guarded(ctx, v.resource(), e.cfg.VoteTimeout, func(ctx context.Context) error {
		var err error
		resp, err = v.Voter.Vote(ctx, req)
		return err
	})
	if err != nil {
		vote.Rationale = "abstained: " + err.Error()
		e.logger.Warn("voter abstained", "task_id", t.ID, "voter", v.ID, "error", err)
		return vote, resp.CostUSD, inv
	}

	candidate := vote
	candidate.Decision = resp.Decision
	candidate.Confidence = resp.Confidence
	candidate.Category = resp.Category
	candidate.Rationale = resp.Rationale
	if err := e.validator.Validate(candidate); err != nil {
		vote.Rationale = "abstained: " + err.Error()
		e.logger.Warn("invalid vote", "task_id", t.ID, "voter", v.ID, "error", err)
		return vote, resp.CostUSD, inv
	}
	return candidate, resp.CostUSD, inv
}

// invocation describes one guarded call.
type invocation struct {
	// called is false when the breaker refused the call.
	called  bool
	elapsed time.Duration
}

// guarded runs fn through the breaker under an optional timeout.
func (e *Engine) guarded(ctx context.Context, resource string, timeout time.Duration, fn func(ctx context.Context) error) (invocation, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var inv invocation
	run := func(ctx context.Context) error {
		inv.called = true
		start := time.Now()
		err := fn(ctx)
		inv.elapsed = time.Since(start)
		return err
	}
	if e.breaker == nil || resource == "" {
		return inv, run(ctx)
	}
	err := e.breaker.Execute(ctx, resource, run)
	return inv, err
}

// spend bills one gate or voter call to the budget.
func (e *Engine) spend(ctx context.Context, t *domain.Task, resource string, cost float64, elapsed time.Duration) error {
	if e.budget == nil {
		return nil
	}
	return e.budget.Record(context.WithoutCancel(ctx), domain.SpendRecord{
		Resource:   resource,
		TaskID:     t.ID,
		CostUSD:    cost,
		DurationMS: elapsed.Milliseconds(),
	})
}

func (e *Engine) providerOf(resource string) string {
	if p, ok := e.providers[resource]; ok && p != "" {
		return p
	}
	return resource
}

func (e *Engine) artifactKinds(ctx context.Context, t *domain.Task) ([]string, error) {
	if t.Phase == domain.PhaseNone {
		return nil, nil
	}
	arts, err := e.store.ListArtifacts(ctx, t.ID, t.Phase)
	if err != nil {
		return nil, err
	}
	kinds := make([]string, len(arts))
	for i, a := range arts {
		kinds[i] = a.Kind
	}
	return kinds, nil
}

func failed(gates []GateOutcome) []GateOutcome {
	var out []GateOutcome
	for _, g := range gates {
		if !g.Pass {
			out = append(out, g)
		}
	}
	return out
}

func rejecting(votes []domain.ConsensusVote) []RejectingVoter {
	var out []RejectingVoter
	for _, v := range votes {
		if v.Decision == domain.VoteReject {
			out = append(out, RejectingVoter{Voter: v.Voter, Category: v.Category, Rationale: v.Rationale})
		}
	}
	return out
}
