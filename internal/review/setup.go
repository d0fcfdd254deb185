package review

import (
	"github.com/rogers-f/taskengine/internal/agent"
	"github.com/rogers-f/taskengine/internal/config"
	"github.com/rogers-f/taskengine/internal/domain"
	"github.com/rogers-f/taskengine/internal/workflow"
)

// GatesFromConfig binds each configured gate to a command-backed evaluator.
func GatesFromConfig(cfg config.Review, reg *agent.Registry) []Gate {
	resources := make(map[string]string, len(cfg.Gates))
	for _, g := range cfg.Gates {
		resources[g.ID] = g.Resource
	}
	eval := agent.NewCommandGate(reg, resources)
	gates := make([]Gate, 0, len(cfg.Gates))
	for _, g := range cfg.Gates {
		gates = append(gates, Gate{ID: g.ID, Blocking: g.Blocking, Resource: g.Resource, Evaluator: eval})
	}
	return gates
}

// ConsensusFromConfig builds the consensus engine over command-backed
// voters. It returns nil without error only in gates-only mode; otherwise
// fewer than two voters is ErrConsensusMisconfigured.
func ConsensusFromConfig(cfg config.Review, reg *agent.Registry) (*ConsensusEngine, error) {
	if cfg.GatesOnly {
		if len(cfg.Voters) > 0 {
			return nil, domain.Errorf(domain.ErrConsensusMisconfigured, "gates-only review cannot have voters")
		}
		return nil, nil
	}
	specs := make([]VoterSpec, 0, len(cfg.Voters))
	for _, v := range cfg.Voters {
		specs = append(specs, VoterSpec{
			ID:             v.ID,
			Provider:       v.Provider,
			Resource:       v.Resource,
			Weight:         v.Weight,
			VetoCategories: v.VetoCategories,
			Voter:          agent.NewCommandVoter(reg, v.Resource),
		})
	}
	return NewConsensusEngine(Mode(cfg.Mode), cfg.Threshold, cfg.MinApprovals, specs)
}

// Providers maps each resource to its configured provider.
func Providers(resources map[string]config.ResourceConfig) map[string]string {
	out := make(map[string]string, len(resources))
	for name, rc := range resources {
		if rc.Provider != "" {
			out[name] = rc.Provider
		}
	}
	return out
}

// Requirements overlays configured phase requirements on the defaults.
func Requirements(phases map[domain.Phase]config.PhaseConfig) map[domain.Phase]workflow.Requirement {
	reqs := workflow.DefaultRequirements()
	for p, pc := range phases {
		reqs[p] = workflow.Requirement{Artifacts: pc.Artifacts, Gates: pc.Gates}
	}
	return reqs
}
