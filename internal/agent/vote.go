package agent

import (
	"fmt"
	"slices"
)

// decideVote approves a proposal when the agent covers at least half of
// its required capabilities. A proposal with no requirements is harmless
// and gets an approval. The decision is a pure function of the agent's
// capability list, so the same agent always votes the same way on the
// same proposal.
func (a *Agent) decideVote(required []string) (bool, string) {
	if len(required) == 0 {
		return true, "no capabilities required"
	}

	caps := a.Capabilities()
	covered := 0
	for _, req := range required {
		if slices.Contains(caps, req) {
			covered++
		}
	}

	coverage := float64(covered) / float64(len(required))
	if coverage >= 0.5 {
		return true, fmt.Sprintf("covers %d of %d required capabilities", covered, len(required))
	}
	return false, fmt.Sprintf("covers only %d of %d required capabilities", covered, len(required))
}
