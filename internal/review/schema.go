package review

import (
	"fmt"
	"strings"

	"github.com/rogers-f/taskengine/internal/domain"
)

// SchemaValidator validates vote fields before they are recorded or tallied.
type SchemaValidator struct{}

var validDecisions = map[domain.VoteDecision]bool{
	domain.VoteApprove: true,
	domain.VoteReject:  true,
	domain.VoteAbstain: true,
}

// Validate checks all fields of the given vote and returns an error
// listing all violations if any are found.
func (v *SchemaValidator) Validate(vote domain.ConsensusVote) error {
	var violations []string

	if vote.TaskID == "" {
		violations = append(violations, "TaskID must be non-empty")
	}
	if vote.Voter == "" {
		violations = append(violations, "Voter must be non-empty")
	}
	if !validDecisions[vote.Decision] {
		violations = append(violations, fmt.Sprintf("Decision %q is not valid; must be APPROVE, REJECT, or ABSTAIN", vote.Decision))
	}
	if vote.Confidence < 0 || vote.Confidence > 1 {
		violations = append(violations, fmt.Sprintf("Confidence %v out of range [0, 1]", vote.Confidence))
	}

	if len(violations) > 0 {
		return domain.NewEngineError(domain.ErrVoteInvalid, strings.Join(violations, "; "))
	}
	return nil
}
