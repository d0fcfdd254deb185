package workflow

import (
	"fmt"
	"sort"

	"github.com/rogers-f/taskengine/internal/domain"
)

// phaseOrder is the monotonic SDLC path.
var phaseOrder = []domain.Phase{
	domain.PhaseBrainstorm,
	domain.PhaseDocument,
	domain.PhasePlan,
	domain.PhaseExecute,
	domain.PhaseTrack,
	domain.PhaseComplete,
}

// ValidPhase reports whether p is a known SDLC phase. The empty phase is valid.
func ValidPhase(p domain.Phase) bool {
	if p == domain.PhaseNone {
		return true
	}
	for _, q := range phaseOrder {
		if q == p {
			return true
		}
	}
	return false
}

// NextPhase returns the phase after current. Phases only move forward.
func NextPhase(current domain.Phase) (domain.Phase, error) {
	for i, p := range phaseOrder {
		if p == current && i+1 < len(phaseOrder) {
			return phaseOrder[i+1], nil
		}
	}
	return "", domain.Errorf(domain.ErrInvalidTransition, "no forward transition from phase %q", current)
}

// Requirement lists what must hold before a task may leave a phase.
type Requirement struct {
	Artifacts []string `yaml:"artifacts" json:"artifacts"`
	Gates     []string `yaml:"gates" json:"gates"`
}

// GateDecision is the result of evaluating phase exit conditions.
type GateDecision struct {
	Allow     bool
	Blockers  []string
	NextPhase domain.Phase
	// Complete is set when the task leaves its final working phase.
	Complete bool
	// Err is the policy error naming the first violated precondition.
	Err error
}

// PhaseGateRegistry maps each phase to its exit requirements.
type PhaseGateRegistry struct {
	reqs map[domain.Phase]Requirement
}

// DefaultRequirements returns one required artifact per working phase.
func DefaultRequirements() map[domain.Phase]Requirement {
	return map[domain.Phase]Requirement{
		domain.PhaseBrainstorm: {Artifacts: []string{"brainstorm"}},
		domain.PhaseDocument:   {Artifacts: []string{"design_doc"}},
		domain.PhasePlan:       {Artifacts: []string{"plan"}},
		domain.PhaseExecute:    {Artifacts: []string{"code"}},
		domain.PhaseTrack:      {Artifacts: []string{"tracking_report"}},
	}
}

// NewPhaseGateRegistry creates a registry from the given requirement map.
func NewPhaseGateRegistry(reqs map[domain.Phase]Requirement) *PhaseGateRegistry {
	r := &PhaseGateRegistry{reqs: make(map[domain.Phase]Requirement, len(reqs))}
	for p, req := range reqs {
		r.reqs[p] = req
	}
	return r
}

// Register sets the requirement for a phase.
func (r *PhaseGateRegistry) Register(phase domain.Phase, req Requirement) {
	r.reqs[phase] = req
}

// Get returns the requirement for a phase; unregistered phases require nothing.
func (r *PhaseGateRegistry) Get(phase domain.Phase) Requirement {
	return r.reqs[phase]
}

// Evaluate decides whether a task in phase current may advance, given the
// artifact kinds recorded for that phase and the gates that passed in review.
// Tasks without a phase complete on approval.
func (r *PhaseGateRegistry) Evaluate(current domain.Phase, artifacts []string, passedGates []string) GateDecision {
	if current == domain.PhaseNone {
		return GateDecision{Allow: true, Complete: true}
	}
	if !ValidPhase(current) {
		err := domain.Errorf(domain.ErrInvalidPhase, "unknown phase %q", current)
		return GateDecision{Blockers: []string{err.Message}, Err: err}
	}
	next, err := NextPhase(current)
	if err != nil {
		return GateDecision{Blockers: []string{err.Error()}, Err: err}
	}

	req := r.Get(current)
	have := toSet(artifacts)
	passed := toSet(passedGates)
	decision := GateDecision{Allow: true, NextPhase: next, Complete: next == domain.PhaseComplete}

	var missing []string
	for _, a := range req.Artifacts {
		if !have[a] {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		decision.Allow = false
		msg := fmt.Sprintf("phase %s is missing required artifacts %v", current, missing)
		decision.Blockers = append(decision.Blockers, msg)
		decision.Err = domain.NewEngineError(domain.ErrPhaseArtifactMissing, msg)
	}

	var failed []string
	for _, g := range req.Gates {
		if !passed[g] {
			failed = append(failed, g)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		decision.Allow = false
		msg := fmt.Sprintf("phase %s requires passing gates %v", current, failed)
		decision.Blockers = append(decision.Blockers, msg)
		if decision.Err == nil {
			decision.Err = domain.NewEngineError(domain.ErrPhaseGateFailed, msg)
		}
	}
	return decision
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}
