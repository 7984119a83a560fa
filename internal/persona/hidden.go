package persona

import (
	"math/rand/v2"

	"github.com/salesarchitect/voicecoach/pkg/types"
)

var (
	budgetCaps = []string{
		"$10,000 this fiscal year, anything above needs board approval",
		"$25,000, but only if it replaces an existing tool",
		"$50,000 already allocated and must be spent this quarter",
		"no budget until the next planning cycle in six months",
	}
	competitors = []string{
		"already in a late-stage trial with a cheaper competitor",
		"the incumbent vendor is offering a 30% renewal discount",
		"the internal IT team believes they can build it themselves",
		"none, but the prospect hints that there is one to gain leverage",
	}
	decisionMakers = []string{
		"the CFO signs off on every purchase over $5,000",
		"the prospect's boss, the VP of Operations, has final say",
		"a procurement committee that meets once a month",
		"the prospect is the real decision maker but pretends otherwise",
	}
	timelines = []string{
		"must go live before the end of the quarter",
		"contract with the current vendor ends in 90 days",
		"no deadline at all, which is why deals stall",
		"a board meeting in three weeks needs a recommendation",
	}
	painPoints = []string{
		"the team loses about ten hours a week to manual reporting",
		"customer churn rose sharply over the last two quarters",
		"the last rollout of a similar tool failed and left the team wary",
		"leadership lacks visibility into the sales pipeline",
	}
)

// GenerateHiddenState draws the roleplay prospect's secret facts by uniform
// choice from fixed option sets. Pass a seeded rng for reproducible output.
func GenerateHiddenState(rng *rand.Rand) types.HiddenState {
	pick := func(opts []string) string { return opts[rng.IntN(len(opts))] }
	return types.HiddenState{
		BudgetCap:          pick(budgetCaps),
		HiddenCompetitor:   pick(competitors),
		RealDecisionMaker:  pick(decisionMakers),
		TimelineConstraint: pick(timelines),
		PainPoint:          pick(painPoints),
	}
}
