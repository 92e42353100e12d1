package store

import "tellerq/dispatch-service/internal/models"

// Actions that move a ticket between statuses. The postgres store derives
// its status predicates from this table, so it is the single description
// of the ticket state machine.
const (
	ActionClaimNext = "claim_next"
	ActionServe     = "serve"
	ActionComplete  = "complete"
	ActionSkip      = "skip"
	ActionRecall    = "recall"
	ActionReset     = "reset"
)

var transitionMap = map[string][]string{
	ActionClaimNext: {models.StatusWaiting},
	ActionServe:     {models.StatusCalled},
	ActionComplete:  {models.StatusCalled, models.StatusServing},
	ActionSkip:      {models.StatusWaiting, models.StatusCalled},
	ActionRecall:    {models.StatusCalled, models.StatusServing},
	ActionReset:     {models.StatusCalled, models.StatusServing},
}

func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// AllowedFrom returns the statuses an action may transition a ticket from.
func AllowedFrom(action string) []string {
	return transitionMap[action]
}
