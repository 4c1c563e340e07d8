package pricing

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/wares"
)

func newEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *wares.Ware) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	reg := wares.NewRegistry()
	iron := &wares.Ware{ID: "iron_ingot", Kind: wares.KindMaterial, BasePrice: 10, PriceBase: 10, Level: 2, Quantity: 5120, Yield: 1}
	require.NoError(t, reg.Add(iron))
	return New(reg, &cfg), iron
}

func TestReferenceLevelPrices(t *testing.T) {
	e, iron := newEngine(t, nil)

	iron.Quantity = 1536
	assert.Equal(t, 20.0, e.Price(iron, 1, CurrentBuy), "buying at the floor threshold costs the ceiling")

	iron.Quantity = 14336
	assert.Equal(t, 0.0, e.Price(iron, 1, CurrentSell), "selling at the ceiling threshold pays the floor")

	iron.Quantity = 5120
	assert.Equal(t, 10.0, e.Price(iron, 1, CurrentBuy))
	assert.Equal(t, 10.0, e.Price(iron, 1, CurrentSell))
}

func TestBuyAndSellAreReciprocal(t *testing.T) {
	e, iron := newEngine(t, nil)
	for _, q := range []int{800, 2000, 5120, 9000, 15000} {
		for _, n := range []int{1, 7, 100, 2500} {
			iron.Quantity = q
			buy := e.Price(iron, n, CurrentBuy)
			iron.Quantity = q - n
			sell := e.Price(iron, n, CurrentSell)
			assert.Equal(t, buy, sell, "q=%d n=%d", q, n)
		}
	}
}

func TestPriceFallsAsStockRises(t *testing.T) {
	e, iron := newEngine(t, nil)
	prevBuy, prevSell := math.Inf(1), math.Inf(1)
	for q := 0; q <= 16000; q += 250 {
		iron.Quantity = q
		buy := e.Price(iron, 10, CurrentBuy)
		sell := e.Price(iron, 10, CurrentSell)
		assert.LessOrEqual(t, buy, prevBuy+1e-9, "buy at q=%d", q)
		assert.LessOrEqual(t, sell, prevSell+1e-9, "sell at q=%d", q)
		prevBuy, prevSell = buy, sell
	}
}

func TestCurveShape(t *testing.T) {
	e, _ := newEngine(t, nil)
	assert.Equal(t, 2.0, e.Curve(2, 0))
	assert.Equal(t, 2.0, e.Curve(2, 1536))
	assert.Equal(t, 1.0, e.Curve(2, 5119))
	assert.Equal(t, 1.0, e.Curve(2, 5120))
	assert.InDelta(t, 0.5, e.Curve(2, 5120+(14336-5120)/2), 1e-9)
	assert.Equal(t, 0.0, e.Curve(2, 14336))
	assert.Equal(t, 0.0, e.Curve(2, 1e9))
}

func TestPriceNeverBelowAbsoluteFloor(t *testing.T) {
	e, iron := newEngine(t, func(c *config.Config) { c.PriceFloor = 0.25 })
	iron.Quantity = 50000
	assert.Equal(t, 25.0, e.Price(iron, 10, CurrentSell))
	assert.Equal(t, 25.0, e.Price(iron, 10, FloorSell))
	assert.Equal(t, 25.0, e.Price(iron, 10, FloorBuy))
}

func TestModes(t *testing.T) {
	e, iron := newEngine(t, func(c *config.Config) { c.BuyUpcharge = 1.1 })
	iron.Quantity = 100

	assert.Equal(t, 110.0, e.Price(iron, 10, EquilibriumBuy))
	assert.Equal(t, 100.0, e.Price(iron, 10, EquilibriumSell))
	assert.Equal(t, 0.0, e.Price(iron, 10, FloorSell))
	assert.Equal(t, 0.0, e.Price(iron, 0, CurrentBuy))
	assert.Equal(t, "equilibrium_buy", EquilibriumBuy.String())
	assert.True(t, FloorBuy.Buying())
	assert.False(t, CurrentSell.Buying())
}

func TestTruncatesToFourDecimals(t *testing.T) {
	e, iron := newEngine(t, nil)
	iron.PriceBase = 1.0 / 3
	assert.Equal(t, 0.3333, e.Price(iron, 1, EquilibriumBuy))
	assert.Equal(t, 1.2345, Truncate(1.23459))
}

func TestUnresolvedPricesAsNaN(t *testing.T) {
	e, _ := newEngine(t, nil)
	gear := &wares.Ware{ID: "gear", Kind: wares.KindCrafted, PriceBase: math.NaN()}
	assert.True(t, math.IsNaN(e.Price(gear, 1, CurrentBuy)))
	assert.Equal(t, 0, e.QuantityUntilPrice(gear, 100, true))
	assert.Equal(t, 0, e.PurchasableQuantity(gear, 100))
	assert.True(t, math.IsNaN(e.Price(nil, 1, CurrentBuy)))
}

func TestUntradeableUsesEquilibriumBuy(t *testing.T) {
	e, _ := newEngine(t, func(c *config.Config) { c.BuyUpcharge = 2 })
	labor := &wares.Ware{ID: "labor", Kind: wares.KindUntradeable, PriceBase: 1}
	assert.Equal(t, 10.0, e.Price(labor, 5, CurrentSell))
	assert.Equal(t, 10.0, e.Price(labor, 5, CurrentBuy))
}

func TestSupplyDemandDisabled(t *testing.T) {
	e, iron := newEngine(t, func(c *config.Config) { c.SupplyDemand = false })
	iron.Quantity = 0
	assert.Equal(t, 100.0, e.Price(iron, 10, CurrentBuy))
	assert.Equal(t, Unlimited, e.QuantityUntilPrice(iron, 10, true))
	assert.Equal(t, 0, e.QuantityUntilPrice(iron, 9.99, true))
	assert.Equal(t, 5, e.PurchasableQuantity(iron, 59.9))
}

func TestSpreadPullsTowardAverage(t *testing.T) {
	e, iron := newEngine(t, func(c *config.Config) { c.Spread = 0.5 })
	require.NoError(t, e.Registry.Add(&wares.Ware{ID: "gold", PriceBase: 30, Level: 2}))
	// average is 20; iron moves halfway from 10
	assert.Equal(t, 15.0, e.Price(iron, 1, EquilibriumSell))

	e.Config.Spread = -0.5
	assert.Equal(t, 5.0, e.Price(iron, 1, EquilibriumSell))
}

type fixedLinker float64

func (f fixedLinker) LinkedMultiplier(*wares.Ware) float64 { return float64(f) }

func TestLinkedMultiplierAppliesToComposites(t *testing.T) {
	e, iron := newEngine(t, nil)
	e.Linker = fixedLinker(1.5)
	gear := &wares.Ware{ID: "gear", Kind: wares.KindCrafted, PriceBase: 10, Level: 2, Quantity: 5120}

	assert.Equal(t, 15.0, e.Price(gear, 1, CurrentBuy))
	assert.Equal(t, 10.0, e.Price(iron, 1, CurrentBuy), "materials ignore the linker")
	assert.Equal(t, 20.0, e.PriceLinked(gear, 1, CurrentBuy, 2))
}

func TestExternalPricerForLinkedWares(t *testing.T) {
	e, _ := newEngine(t, nil)
	voucher := &wares.Ware{ID: "voucher", Kind: wares.KindLinked, PriceBase: 5, LinkRule: "fx", Level: 2, Quantity: 5120}

	assert.Equal(t, 5.0, e.Price(voucher, 1, CurrentBuy), "falls back to the curve without a pricer")

	e.RegisterExternal("fx", func(w *wares.Ware, n int, mode Mode) float64 { return float64(n) * 3 })
	assert.Equal(t, 9.0, e.Price(voucher, 3, CurrentSell))
	assert.Equal(t, 3, e.PurchasableQuantity(voucher, 10))
}

func averagePrice(e *Engine, w *wares.Ware, n int, mode Mode) float64 {
	return e.Price(w, n, mode) / float64(n)
}

func TestQuantityUntilPriceBuying(t *testing.T) {
	e, iron := newEngine(t, nil)
	for _, q := range []int{1000, 3000, 5120, 9000, 20000} {
		for _, target := range []float64{4, 10, 12.5, 19.9} {
			iron.Quantity = q
			n := e.QuantityUntilPrice(iron, target, true)
			require.Less(t, n, Unlimited)
			if n > 0 {
				assert.LessOrEqual(t, averagePrice(e, iron, n, CurrentBuy), target+1e-9, "q=%d target=%v", q, target)
			}
			assert.Greater(t, averagePrice(e, iron, n+1, CurrentBuy), target, "q=%d target=%v", q, target)
		}
	}
}

func TestQuantityUntilPriceSelling(t *testing.T) {
	e, iron := newEngine(t, nil)
	for _, q := range []int{1000, 3000, 5120, 9000, 20000} {
		for _, target := range []float64{0.5, 6, 10, 17} {
			iron.Quantity = q
			n := e.QuantityUntilPrice(iron, target, false)
			require.Less(t, n, Unlimited)
			if n > 0 {
				assert.GreaterOrEqual(t, averagePrice(e, iron, n, CurrentSell), target-1e-9, "q=%d target=%v", q, target)
			}
			assert.Less(t, averagePrice(e, iron, n+1, CurrentSell), target, "q=%d target=%v", q, target)
		}
	}
}

func TestQuantityUntilPriceSaturates(t *testing.T) {
	e, iron := newEngine(t, nil)
	assert.Equal(t, Unlimited, e.QuantityUntilPrice(iron, 20, true))
	assert.Equal(t, Unlimited, e.QuantityUntilPrice(iron, 0, false))
	assert.Equal(t, 0, e.QuantityUntilPrice(iron, 20.5, false))
}

func TestPurchasableQuantityInvertsPrice(t *testing.T) {
	e, iron := newEngine(t, nil)
	for _, q := range []int{500, 5120, 12000, 30000} {
		for _, n := range []int{1, 10, 333, 4000} {
			iron.Quantity = q
			budget := e.Price(iron, n, CurrentBuy)
			if budget == 0 {
				continue
			}
			got := e.PurchasableQuantity(iron, budget)
			assert.LessOrEqual(t, e.Price(iron, got, CurrentBuy), budget, "q=%d n=%d", q, n)
			assert.Greater(t, e.Price(iron, got+1, CurrentBuy), budget, "q=%d n=%d", q, n)
			assert.InDelta(t, n, got, 1, "q=%d n=%d", q, n)
		}
	}
}

func TestPurchasableQuantityWithFreeStock(t *testing.T) {
	e, iron := newEngine(t, nil)
	iron.Quantity = 14336 + 50
	// the 50 units above the ceiling threshold are free; the next one is not
	got := e.PurchasableQuantity(iron, 0.00001)
	assert.Equal(t, 50, got)
	assert.Equal(t, 0, e.PurchasableQuantity(iron, 0))
}

func TestInverseConsistency(t *testing.T) {
	e, iron := newEngine(t, nil)
	for _, q := range []int{900, 4000, 5120, 8000} {
		for _, n := range []int{1, 3, 64, 1500} {
			iron.Quantity = q
			cost := e.Price(iron, n, CurrentBuy)
			assert.GreaterOrEqual(t, e.QuantityUntilPrice(iron, cost/float64(n), true), n, "q=%d n=%d", q, n)
			assert.InDelta(t, n, e.PurchasableQuantity(iron, cost), 1, "q=%d n=%d", q, n)
		}
	}
}

func TestFloorModeBoundsCurrentPrices(t *testing.T) {
	e, iron := newEngine(t, func(c *config.Config) { c.PriceFloor = 0.3 })
	for q := 0; q <= 20000; q += 1000 {
		iron.Quantity = q
		assert.LessOrEqual(t, e.Price(iron, 25, FloorBuy), e.Price(iron, 25, CurrentBuy), "q=%d", q)
		assert.LessOrEqual(t, e.Price(iron, 25, FloorSell), e.Price(iron, 25, CurrentSell), "q=%d", q)
	}
}
