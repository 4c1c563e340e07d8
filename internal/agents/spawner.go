package agents

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Definition is the file form of an agent.
type Definition struct {
	ID               string             `yaml:"id"`
	Name             string             `yaml:"name"`
	Buys             []string           `yaml:"buys"`
	Sells            []string           `yaml:"sells"`
	Preference       map[string]float64 `yaml:"preference"`
	DecisionsPerTick int                `yaml:"decisions_per_tick"`
}

// DecodeDefinitions reads a YAML list of agents. Entries without an ID or
// with nothing to trade are reported and skipped.
func DecodeDefinitions(r io.Reader) ([]*Agent, []error) {
	var defs []Definition
	if err := yaml.NewDecoder(r).Decode(&defs); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("agents: %w", err)}
	}

	var problems []error
	seen := make(map[string]bool, len(defs))
	out := make([]*Agent, 0, len(defs))
	for i, d := range defs {
		switch {
		case d.ID == "":
			problems = append(problems, fmt.Errorf("agents[%d]: missing id", i))
			continue
		case seen[d.ID]:
			problems = append(problems, fmt.Errorf("agents[%d]: duplicate id %q", i, d.ID))
			continue
		case len(d.Buys) == 0 && len(d.Sells) == 0:
			problems = append(problems, fmt.Errorf("agents[%d]: %q trades nothing", i, d.ID))
			continue
		case d.DecisionsPerTick < 0:
			problems = append(problems, fmt.Errorf("agents[%d]: %q: %w", i, d.ID, ErrInvalidDecisions))
			continue
		}
		seen[d.ID] = true
		name := d.Name
		if name == "" {
			name = d.ID
		}
		out = append(out, &Agent{
			ID:               d.ID,
			Name:             name,
			Purchasable:      d.Buys,
			Sellable:         d.Sells,
			Preference:       d.Preference,
			DecisionsPerTick: d.DecisionsPerTick,
		})
	}
	return out, problems
}
