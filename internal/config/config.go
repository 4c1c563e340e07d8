// Package config holds the market-shape configuration: per-level stock
// thresholds, price multipliers, fees, agent behaviour and tick schedules.
package config

import (
	"time"
)

// Levels is the number of ware hierarchy levels (0 through 5).
const Levels = 6

// Config is the global market configuration shared by every component.
type Config struct {
	// Per-level stock thresholds. floor < equilibrium < ceiling must hold.
	FloorQuantity       [Levels]int `yaml:"floor_quantity"`
	EquilibriumQuantity [Levels]int `yaml:"equilibrium_quantity"`
	CeilingQuantity     [Levels]int `yaml:"ceiling_quantity"`
	StartingQuantity    [Levels]int `yaml:"starting_quantity"`

	PriceCeiling    float64 `yaml:"price_ceiling"`    // Multiplier of P0 at or below floor stock
	PriceFloor      float64 `yaml:"price_floor"`      // Multiplier of P0 at or above ceiling stock
	PriceMultiplier float64 `yaml:"price_multiplier"` // Global multiplier on every base price
	BuyUpcharge     float64 `yaml:"buy_upcharge"`     // Extra multiplier applied when buying
	Spread          float64 `yaml:"spread"`           // >0 pulls toward the market average, <0 pushes away

	LinkedPriceStrength float64 `yaml:"linked_price_strength"` // k in [0,1]
	SupplyDemand        bool    `yaml:"supply_demand"`

	ProcessedMultiplier float64 `yaml:"processed_multiplier"`
	CraftedMultiplier   float64 `yaml:"crafted_multiplier"`

	Manufacturing   Manufacturing `yaml:"manufacturing"`
	MaxResolveDepth int           `yaml:"max_resolve_depth"`

	NoGarbageDisposing bool `yaml:"no_garbage_disposing"`

	Fees     Fees     `yaml:"fees"`
	Agents   Agents   `yaml:"agents"`
	Schedule Schedule `yaml:"schedule"`

	RebalanceRate  float64 `yaml:"rebalance_rate"`  // Fraction of the gap to equilibrium closed per tick
	RebalanceDrift float64 `yaml:"rebalance_drift"` // Amplitude of the noise applied to the rate
	InterestRate   float64 `yaml:"interest_rate"`   // Per interest tick

	StartingBalance float64 `yaml:"starting_balance"`
	SystemAccount   string  `yaml:"system_account"`
}

// Manufacturing controls on-demand crafting during buys.
type Manufacturing struct {
	Enabled             bool    `yaml:"enabled"`
	OutOfStockSurcharge float64 `yaml:"out_of_stock_surcharge"`
}

// Fees configures transaction fees. Negative values are subsidies paid out of
// the fee account.
type Fees struct {
	BuyFlat     float64 `yaml:"buy_flat"`
	BuyPercent  float64 `yaml:"buy_percent"`
	SellFlat    float64 `yaml:"sell_flat"`
	SellPercent float64 `yaml:"sell_percent"`
	Account     string  `yaml:"account"`
}

// Agents configures the autonomous traders.
type Agents struct {
	TradeQuantityPercent float64 `yaml:"trade_quantity_percent"`
	DecisionsPerTick     int     `yaml:"decisions_per_tick"`
	Randomness           float64 `yaml:"randomness"`
}

// Schedule holds the periods of the background ticks.
type Schedule struct {
	AgentTrading time.Duration `yaml:"agent_trading"`
	Rebalance    time.Duration `yaml:"rebalance"`
	Interest     time.Duration `yaml:"interest"`
}

// Default returns the stock configuration. Level 2 is the reference level:
// floor 1536, equilibrium 5120, ceiling 14336.
func Default() Config {
	c := Config{
		PriceCeiling:        2.0,
		PriceFloor:          0.0,
		PriceMultiplier:     1.0,
		BuyUpcharge:         1.0,
		LinkedPriceStrength: 0.5,
		SupplyDemand:        true,
		ProcessedMultiplier: 1.0,
		CraftedMultiplier:   1.0,
		Manufacturing: Manufacturing{
			Enabled:             true,
			OutOfStockSurcharge: 1.0,
		},
		MaxResolveDepth: 10,
		Fees: Fees{
			Account: "market:fees",
		},
		Agents: Agents{
			TradeQuantityPercent: 0.01,
			DecisionsPerTick:     1,
			Randomness:           0.1,
		},
		Schedule: Schedule{
			AgentTrading: 30 * time.Second,
			Rebalance:    5 * time.Minute,
			Interest:     time.Hour,
		},
		RebalanceRate:   0.05,
		RebalanceDrift:  0.5,
		InterestRate:    0.0,
		StartingBalance: 100,
		SystemAccount:   "market:system",
	}
	eq := [Levels]int{20480, 10240, 5120, 2560, 1280, 640}
	for l := 0; l < Levels; l++ {
		c.EquilibriumQuantity[l] = eq[l]
		c.FloorQuantity[l] = eq[l] * 3 / 10
		c.CeilingQuantity[l] = eq[l] * 28 / 10
		c.StartingQuantity[l] = eq[l]
	}
	return c
}

// ClampLevel forces a hierarchy level into [0, Levels-1].
func ClampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level >= Levels {
		return Levels - 1
	}
	return level
}

// Thresholds returns the floor, equilibrium and ceiling stock for a level.
func (c *Config) Thresholds(level int) (floor, equilibrium, ceiling int) {
	l := ClampLevel(level)
	return c.FloorQuantity[l], c.EquilibriumQuantity[l], c.CeilingQuantity[l]
}

// TradeQuantities returns the per-level quantity an agent moves per decision.
func (c *Config) TradeQuantities() [Levels]int {
	var out [Levels]int
	for l := 0; l < Levels; l++ {
		q := int(c.Agents.TradeQuantityPercent * float64(c.EquilibriumQuantity[l]))
		if q < 1 {
			q = 1
		}
		out[l] = q
	}
	return out
}

// BuyFee returns the fee charged on a purchase of the given total.
func (f Fees) BuyFee(total float64) float64 {
	return f.BuyFlat + total*f.BuyPercent/100
}

// SellFee returns the fee charged on a sale of the given total.
func (f Fees) SellFee(total float64) float64 {
	return f.SellFlat + total*f.SellPercent/100
}

// FlatSellOnly reports whether selling carries a flat fee with no percentage
// component, in which case small sales can be pure losses.
func (f Fees) FlatSellOnly() bool {
	return f.SellFlat != 0 && f.SellPercent == 0
}
