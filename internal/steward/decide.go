package steward

import "fmt"

// Action names.
const (
	ActionNone      = "none"
	ActionRebalance = "rebalance"
	ActionRelink    = "relink"
)

// Decision is the steward's choice for one cycle.
type Decision struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// Decide picks at most one action. A relink is tried once per new quarantine
// count; a rebalance runs when imbalance reaches WARNING and the previous
// cycle did not already rebalance.
func Decide(h *Health, mem *CycleMemory) Decision {
	last, hasLast := mem.Last()

	if h.Quarantined > 0 && (!hasLast || last.Action != ActionRelink || last.Quarantined != h.Quarantined) {
		return Decision{
			Action:    ActionRelink,
			Rationale: fmt.Sprintf("%d wares quarantined, retrying resolution", h.Quarantined),
		}
	}
	if (h.Level == "CRITICAL" || h.Level == "WARNING") && (!hasLast || last.Action != ActionRebalance) {
		return Decision{
			Action:    ActionRebalance,
			Rationale: fmt.Sprintf("%d scarce and %d glutted of %d wares", h.Scarce, h.Glutted, h.Tradeable),
		}
	}
	return Decision{Action: ActionNone, Rationale: "market " + h.Level}
}
