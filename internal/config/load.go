package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file on top of Default. Malformed settings
// are logged and keep their default value; only an unreadable file is an error.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	c, problems := Parse(raw)
	for _, p := range problems {
		slog.Warn("config setting ignored", "file", path, "error", p)
	}
	return c, nil
}

// Parse decodes raw YAML on top of Default, field by field. Every setting that
// cannot be decoded or fails validation is reported and left at its default.
func Parse(raw []byte) (Config, []error) {
	c := Default()
	var problems []error

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return c, []error{fmt.Errorf("config: %w", err)}
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return c, nil
	}
	decodeStruct(doc.Content[0], reflect.ValueOf(&c).Elem(), "", &problems)
	validate(&c, &problems)
	return c, problems
}

func decodeStruct(node *yaml.Node, dst reflect.Value, prefix string, problems *[]error) {
	if node.Kind != yaml.MappingNode {
		*problems = append(*problems, fmt.Errorf("%s: expected a mapping", strings.TrimSuffix(prefix, ".")))
		return
	}
	fields := fieldsByTag(dst.Type())

	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		name := prefix + key

		idx, ok := fields[key]
		if !ok {
			*problems = append(*problems, fmt.Errorf("%s: unknown setting", name))
			continue
		}
		field := dst.Field(idx)

		switch field.Kind() {
		case reflect.Struct:
			decodeStruct(val, field, name+".", problems)
		case reflect.Array:
			slice := reflect.New(reflect.SliceOf(field.Type().Elem()))
			if err := val.Decode(slice.Interface()); err != nil {
				*problems = append(*problems, fmt.Errorf("%s: %w", name, err))
				continue
			}
			if slice.Elem().Len() != field.Len() {
				*problems = append(*problems, fmt.Errorf("%s: want %d entries, got %d", name, field.Len(), slice.Elem().Len()))
				continue
			}
			reflect.Copy(field, slice.Elem())
		default:
			tmp := reflect.New(field.Type())
			if err := val.Decode(tmp.Interface()); err != nil {
				*problems = append(*problems, fmt.Errorf("%s: %w", name, err))
				continue
			}
			field.Set(tmp.Elem())
		}
	}
}

func fieldsByTag(t reflect.Type) map[string]int {
	out := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		out[tag] = i
	}
	return out
}

// validate restores defaults for settings that decoded but make no sense.
func validate(c *Config, problems *[]error) {
	def := Default()
	bad := func(format string, args ...any) {
		*problems = append(*problems, fmt.Errorf(format, args...))
	}

	for l := 0; l < Levels; l++ {
		f, e, ce := c.FloorQuantity[l], c.EquilibriumQuantity[l], c.CeilingQuantity[l]
		if f < 0 || f >= e || e >= ce {
			bad("level %d thresholds: need 0 <= floor < equilibrium < ceiling, got %d/%d/%d", l, f, e, ce)
			c.FloorQuantity[l] = def.FloorQuantity[l]
			c.EquilibriumQuantity[l] = def.EquilibriumQuantity[l]
			c.CeilingQuantity[l] = def.CeilingQuantity[l]
		}
		if c.StartingQuantity[l] < 0 {
			bad("starting_quantity[%d]: negative", l)
			c.StartingQuantity[l] = def.StartingQuantity[l]
		}
	}

	if c.PriceFloor < 0 || c.PriceFloor > 1 {
		bad("price_floor: %v outside [0,1]", c.PriceFloor)
		c.PriceFloor = def.PriceFloor
	}
	if c.PriceCeiling < 1 {
		bad("price_ceiling: %v below 1", c.PriceCeiling)
		c.PriceCeiling = def.PriceCeiling
	}
	if c.PriceMultiplier <= 0 {
		bad("price_multiplier: %v not positive", c.PriceMultiplier)
		c.PriceMultiplier = def.PriceMultiplier
	}
	if c.BuyUpcharge <= 0 {
		bad("buy_upcharge: %v not positive", c.BuyUpcharge)
		c.BuyUpcharge = def.BuyUpcharge
	}
	if c.LinkedPriceStrength < 0 || c.LinkedPriceStrength > 1 {
		bad("linked_price_strength: %v outside [0,1]", c.LinkedPriceStrength)
		c.LinkedPriceStrength = def.LinkedPriceStrength
	}
	if c.MaxResolveDepth < 1 {
		bad("max_resolve_depth: %d below 1", c.MaxResolveDepth)
		c.MaxResolveDepth = def.MaxResolveDepth
	}
	if c.Manufacturing.OutOfStockSurcharge <= 0 {
		bad("manufacturing.out_of_stock_surcharge: %v not positive", c.Manufacturing.OutOfStockSurcharge)
		c.Manufacturing.OutOfStockSurcharge = def.Manufacturing.OutOfStockSurcharge
	}
	if c.Agents.TradeQuantityPercent < 0 {
		bad("agents.trade_quantity_percent: negative")
		c.Agents.TradeQuantityPercent = def.Agents.TradeQuantityPercent
	}
	if c.Agents.DecisionsPerTick < 0 {
		bad("agents.decisions_per_tick: negative")
		c.Agents.DecisionsPerTick = def.Agents.DecisionsPerTick
	}
	if c.Agents.Randomness < 0 {
		bad("agents.randomness: negative")
		c.Agents.Randomness = def.Agents.Randomness
	}
	if c.Schedule.AgentTrading <= 0 {
		bad("schedule.agent_trading: not positive")
		c.Schedule.AgentTrading = def.Schedule.AgentTrading
	}
	if c.Schedule.Rebalance <= 0 {
		bad("schedule.rebalance: not positive")
		c.Schedule.Rebalance = def.Schedule.Rebalance
	}
	if c.Schedule.Interest <= 0 {
		bad("schedule.interest: not positive")
		c.Schedule.Interest = def.Schedule.Interest
	}
	if c.RebalanceRate < 0 || c.RebalanceRate > 1 {
		bad("rebalance_rate: %v outside [0,1]", c.RebalanceRate)
		c.RebalanceRate = def.RebalanceRate
	}
	if c.RebalanceDrift < 0 || c.RebalanceDrift > 1 {
		bad("rebalance_drift: %v outside [0,1]", c.RebalanceDrift)
		c.RebalanceDrift = def.RebalanceDrift
	}
	if c.SystemAccount == "" {
		bad("system_account: empty")
		c.SystemAccount = def.SystemAccount
	}
}
