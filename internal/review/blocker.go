package review

import (
	"fmt"
)

// GateOutcome is the result of running one configured quality gate.
type GateOutcome struct {
	GateID   string `json:"gate_id"`
	Blocking bool   `json:"blocking"`
	Pass     bool   `json:"pass"`
	Detail   string `json:"detail,omitempty"`
}

// BlockerChecker inspects gate outcomes for conditions that force a
// rejection regardless of votes.
type BlockerChecker struct{}

// Check returns whether any blocking gate failed and why.
func (c *BlockerChecker) Check(gates []GateOutcome) (blocking bool, reasons []string) {
	for _, g := range gates {
		if g.Blocking && !g.Pass {
			reason := fmt.Sprintf("blocking gate %s failed", g.GateID)
			if g.Detail != "" {
				reason += ": " + g.Detail
			}
			reasons = append(reasons, reason)
		}
	}
	return len(reasons) > 0, reasons
}

// Passed returns the ids of the gates that passed.
func Passed(gates []GateOutcome) []string {
	var ids []string
	for _, g := range gates {
		if g.Pass {
			ids = append(ids, g.GateID)
		}
	}
	return ids
}
