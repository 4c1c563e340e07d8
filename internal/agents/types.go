// Package agents implements the autonomous traders that keep the market
// moving. Each tick an agent scores the wares it may trade by how far their
// price sits from equilibrium and acts on the best few.
package agents

import "errors"

// ErrUnknownAgent is returned when an agent ID is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrInvalidDecisions rejects a decisions-per-tick count below one.
var ErrInvalidDecisions = errors.New("decisions per tick must be at least 1")

// Agent is an autonomous trader. Ware references are by ID; a ware that
// disappears from the registry is skipped, not an error.
type Agent struct {
	ID   string
	Name string

	Purchasable []string // Wares the agent buys from the market
	Sellable    []string // Wares the agent sells into the market

	// Preference biases desirability per ware ID. Missing means 1.0.
	Preference map[string]float64

	// DecisionsPerTick overrides the configured default when > 0.
	DecisionsPerTick int
}

func (a *Agent) preference(id string) float64 {
	if p, ok := a.Preference[id]; ok {
		return p
	}
	return 1.0
}

// Decision is one scored trade candidate.
type Decision struct {
	Ware         string  `json:"ware"`
	Buying       bool    `json:"buying"`
	Desirability float64 `json:"desirability"`
}
