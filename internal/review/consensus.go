package review

import (
	"fmt"

	"github.com/rogers-f/taskengine/internal/agent"
	"github.com/rogers-f/taskengine/internal/domain"
)

// Mode selects the tally rule.
type Mode string

const (
	ModeWeighted  Mode = "weighted"
	ModeUnanimous Mode = "unanimous"
)

// DefaultThreshold is the approving share of decisive weight required in
// weighted mode.
const DefaultThreshold = 2.0 / 3.0

// DefaultMinApprovals is the fewest APPROVE votes that can carry a review.
const DefaultMinApprovals = 2

// VoterSpec is one configured consensus participant.
type VoterSpec struct {
	ID       string
	Provider string
	// Resource is the breaker key the voter's calls are guarded by.
	Resource string
	Weight   float64
	// VetoCategories lists rejection categories on which this voter's
	// REJECT overrides any approving majority.
	VetoCategories []string
	Voter          agent.Voter
}

func (v VoterSpec) weight() float64 {
	if v.Weight > 0 {
		return v.Weight
	}
	return 1
}

// resource is the breaker key of the voter, its id when none is set.
func (v VoterSpec) resource() string {
	if v.Resource != "" {
		return v.Resource
	}
	return v.ID
}

func (v VoterSpec) vetoes(category string) bool {
	for _, c := range v.VetoCategories {
		if c == category {
			return true
		}
	}
	return false
}

// ConsensusEngine tallies votes from independent voters.
type ConsensusEngine struct {
	Mode      Mode
	Threshold float64
	// MinApprovals is the approval quorum. A tally that would pass with
	// fewer decisive approvals is inconclusive.
	MinApprovals int
	Voters       []VoterSpec
}

// NewConsensusEngine checks the voter set and returns an engine over it.
// Fewer than two voters, two voters sharing a provider, or a quorum larger
// than the voter set is ErrConsensusMisconfigured. A quorum below
// DefaultMinApprovals is raised to it.
func NewConsensusEngine(mode Mode, threshold float64, minApprovals int, voters []VoterSpec) (*ConsensusEngine, error) {
	if len(voters) < 2 {
		return nil, domain.Errorf(domain.ErrConsensusMisconfigured, "consensus needs at least 2 voters, have %d", len(voters))
	}
	if minApprovals < DefaultMinApprovals {
		minApprovals = DefaultMinApprovals
	}
	if minApprovals > len(voters) {
		return nil, domain.Errorf(domain.ErrConsensusMisconfigured,
			"quorum of %d approvals exceeds the %d configured voters", minApprovals, len(voters))
	}
	ids := make(map[string]bool, len(voters))
	providers := make(map[string]string, len(voters))
	for _, v := range voters {
		if v.ID == "" || v.Provider == "" {
			return nil, domain.Errorf(domain.ErrConsensusMisconfigured, "every voter needs an id and a provider")
		}
		if ids[v.ID] {
			return nil, domain.Errorf(domain.ErrConsensusMisconfigured, "voter %s configured twice", v.ID)
		}
		ids[v.ID] = true
		if other, ok := providers[v.Provider]; ok {
			return nil, domain.Errorf(domain.ErrConsensusMisconfigured,
				"voters %s and %s share provider %s", other, v.ID, v.Provider)
		}
		providers[v.Provider] = v.ID
		if v.Voter == nil {
			return nil, domain.Errorf(domain.ErrConsensusMisconfigured, "voter %s has no implementation", v.ID)
		}
	}
	switch mode {
	case "":
		mode = ModeWeighted
	case ModeWeighted, ModeUnanimous:
	default:
		return nil, domain.Errorf(domain.ErrConsensusMisconfigured, "unknown consensus mode %q", mode)
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &ConsensusEngine{Mode: mode, Threshold: threshold, MinApprovals: minApprovals, Voters: voters}, nil
}

// Quorum returns the number of eligible voters a review needs.
func (e *ConsensusEngine) Quorum() int {
	if e.MinApprovals < DefaultMinApprovals {
		return DefaultMinApprovals
	}
	return e.MinApprovals
}

// Eligible returns the voters whose provider differs from the implementer's.
func (e *ConsensusEngine) Eligible(implementerProvider string) []VoterSpec {
	out := make([]VoterSpec, 0, len(e.Voters))
	for _, v := range e.Voters {
		if implementerProvider != "" && v.Provider == implementerProvider {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Tally is the result of counting one round of votes.
type Tally struct {
	Approve bool `json:"approve"`
	// Inconclusive is set when too few voters decided for the round to
	// pass or fail on its merits.
	Inconclusive   bool    `json:"inconclusive,omitempty"`
	Approvals      int     `json:"approvals"`
	ApproveWeight  float64 `json:"approve_weight"`
	DecisiveWeight float64 `json:"decisive_weight"`
	Decisive       int     `json:"decisive"`
	VetoedBy       string  `json:"vetoed_by,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Tally counts votes cast by the given voters. Abstentions carry no weight,
// and an approving tally with fewer than Quorum approvals is inconclusive.
func (e *ConsensusEngine) Tally(voters []VoterSpec, votes []domain.ConsensusVote) Tally {
	byID := make(map[string]VoterSpec, len(voters))
	for _, v := range voters {
		byID[v.ID] = v
	}

	var t Tally
	allApprove := true
	for _, vote := range votes {
		spec, ok := byID[vote.Voter]
		if !ok || vote.Decision == domain.VoteAbstain {
			continue
		}
		w := spec.weight()
		t.Decisive++
		t.DecisiveWeight += w
		switch vote.Decision {
		case domain.VoteApprove:
			t.Approvals++
			t.ApproveWeight += w
		case domain.VoteReject:
			allApprove = false
			if t.VetoedBy == "" && vote.Category != "" && spec.vetoes(vote.Category) {
				t.VetoedBy = spec.ID
			}
		}
	}

	switch {
	case t.Decisive == 0:
		t.Inconclusive = true
		t.Reason = "inconclusive: no decisive votes"
	case t.VetoedBy != "":
		t.Reason = fmt.Sprintf("vetoed by %s", t.VetoedBy)
	case e.Mode == ModeUnanimous:
		t.Approve = allApprove
		if !allApprove {
			t.Reason = "approval is not unanimous"
		}
	default:
		share := t.ApproveWeight / t.DecisiveWeight
		t.Approve = share >= e.Threshold
		if !t.Approve {
			t.Reason = fmt.Sprintf("approval weight %.2f below threshold %.2f", share, e.Threshold)
		}
	}
	if q := e.Quorum(); t.Approve && t.Approvals < q {
		t.Approve = false
		t.Inconclusive = true
		t.Reason = fmt.Sprintf("inconclusive: %d approval(s), need %d", t.Approvals, q)
	}
	return t
}
