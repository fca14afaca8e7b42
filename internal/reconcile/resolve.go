package reconcile

import (
	"PortfolioFederation/internal/model"
	"slices"
)

// Resolve picks the winner among the candidates for one symbol:
//
//	lowest priority, then latest as_of, then highest source confidence,
//	then lowest source id.
//
// rule names the first criterion that separated the winner from the
// runner-up; it is empty for a single candidate.
func Resolve(candidates []model.Candidate) (winner model.Candidate, discarded []model.Candidate, rule model.ResolutionRule) {
	ranked := slices.Clone(candidates)
	slices.SortStableFunc(ranked, compare)

	if len(ranked) == 1 {
		return ranked[0], nil, ""
	}
	return ranked[0], ranked[1:], decidingRule(ranked[0], ranked[1])
}

func compare(a, b model.Candidate) int {
	switch {
	case a.Priority != b.Priority:
		return a.Priority - b.Priority
	case !a.AsOf.Equal(b.AsOf):
		if a.AsOf.After(b.AsOf) {
			return -1
		}
		return 1
	case a.SourceType.Confidence() != b.SourceType.Confidence():
		return b.SourceType.Confidence() - a.SourceType.Confidence()
	case a.SourceID < b.SourceID:
		return -1
	case a.SourceID > b.SourceID:
		return 1
	default:
		return 0
	}
}

func decidingRule(winner, runnerUp model.Candidate) model.ResolutionRule {
	switch {
	case winner.Priority != runnerUp.Priority:
		return model.RulePriority
	case !winner.AsOf.Equal(runnerUp.AsOf):
		return model.RuleFreshness
	case winner.SourceType.Confidence() != runnerUp.SourceType.Confidence():
		return model.RuleConfidence
	default:
		return model.RuleSourceID
	}
}
