package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReferenceLevel(t *testing.T) {
	c := Default()
	floor, eq, ceil := c.Thresholds(2)
	assert.Equal(t, 1536, floor)
	assert.Equal(t, 5120, eq)
	assert.Equal(t, 14336, ceil)

	// Out-of-range levels clamp.
	f0, _, _ := c.Thresholds(-3)
	assert.Equal(t, c.FloorQuantity[0], f0)
	_, e5, _ := c.Thresholds(42)
	assert.Equal(t, c.EquilibriumQuantity[5], e5)
}

func TestParseOverrides(t *testing.T) {
	raw := []byte(`
price_ceiling: 3
price_floor: 0.1
spread: -0.25
equilibrium_quantity: [100, 200, 300, 400, 500, 600]
floor_quantity: [10, 20, 30, 40, 50, 60]
ceiling_quantity: [1000, 2000, 3000, 4000, 5000, 6000]
fees:
  buy_flat: 1.5
  sell_percent: 2
schedule:
  agent_trading: 10s
agents:
  decisions_per_tick: 4
`)
	c, problems := Parse(raw)
	require.Empty(t, problems)

	assert.Equal(t, 3.0, c.PriceCeiling)
	assert.Equal(t, 0.1, c.PriceFloor)
	assert.Equal(t, -0.25, c.Spread)
	assert.Equal(t, 300, c.EquilibriumQuantity[2])
	assert.Equal(t, 1.5, c.Fees.BuyFlat)
	assert.Equal(t, 2.0, c.Fees.SellPercent)
	assert.Equal(t, "market:fees", c.Fees.Account, "untouched nested field keeps default")
	assert.Equal(t, 10*time.Second, c.Schedule.AgentTrading)
	assert.Equal(t, 4, c.Agents.DecisionsPerTick)
}

func TestParseMalformedFieldsKeepDefaults(t *testing.T) {
	raw := []byte(`
price_ceiling: "lots"
equilibrium_quantity: [1, 2, 3]
linked_price_strength: 4
buy_upcharge: 1.2
bogus_setting: 1
`)
	c, problems := Parse(raw)
	def := Default()

	assert.Len(t, problems, 4)
	assert.Equal(t, def.PriceCeiling, c.PriceCeiling)
	assert.Equal(t, def.EquilibriumQuantity, c.EquilibriumQuantity)
	assert.Equal(t, def.LinkedPriceStrength, c.LinkedPriceStrength)
	assert.Equal(t, 1.2, c.BuyUpcharge, "valid fields still apply")
}

func TestParseNonMonotonicThresholdsRestoreLevel(t *testing.T) {
	raw := []byte(`
floor_quantity: [10, 20, 6000, 40, 50, 60]
`)
	c, problems := Parse(raw)
	require.Len(t, problems, 1)

	def := Default()
	assert.Equal(t, 10, c.FloorQuantity[0])
	assert.Equal(t, def.FloorQuantity[2], c.FloorQuantity[2])
}

func TestParseSyntaxError(t *testing.T) {
	c, problems := Parse([]byte("price_ceiling: [unterminated"))
	require.Len(t, problems, 1)
	assert.Equal(t, Default(), c)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interest_rate: 0.01\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.01, c.InterestRate)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTradeQuantitiesAndFees(t *testing.T) {
	c := Default()
	q := c.TradeQuantities()
	assert.Equal(t, 51, q[2])

	c.Agents.TradeQuantityPercent = 0
	assert.Equal(t, 1, c.TradeQuantities()[5])

	f := Fees{BuyFlat: 1, BuyPercent: 10, SellFlat: 2}
	assert.InDelta(t, 11.0, f.BuyFee(100), 1e-9)
	assert.InDelta(t, 2.0, f.SellFee(100), 1e-9)
	assert.True(t, f.FlatSellOnly())
}
