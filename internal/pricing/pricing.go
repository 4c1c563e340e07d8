// Package pricing computes ware prices from the per-level supply/demand curve
// and inverts that curve for quantity and budget queries.
package pricing

import (
	"math"

	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/wares"
)

// Mode selects which price is wanted.
type Mode uint8

const (
	CurrentBuy Mode = iota
	CurrentSell
	EquilibriumBuy
	EquilibriumSell
	FloorBuy
	FloorSell
)

var modeNames = [...]string{"current_buy", "current_sell", "equilibrium_buy", "equilibrium_sell", "floor_buy", "floor_sell"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// Buying reports whether the mode prices a purchase from the market.
func (m Mode) Buying() bool {
	return m == CurrentBuy || m == EquilibriumBuy || m == FloorBuy
}

// Unlimited is returned by the inverse queries when no stock level or budget
// would stop the trade.
const Unlimited = math.MaxInt32

// Linker supplies the linked-price multiplier of composite wares.
type Linker interface {
	LinkedMultiplier(w *wares.Ware) float64
}

// ExternalFunc prices a KindLinked ware. The engine treats it as opaque.
type ExternalFunc func(w *wares.Ware, quantity int, mode Mode) float64

// Engine prices wares of one market. It only reads registry state, so callers
// hold the market guard at least shared.
type Engine struct {
	Registry *wares.Registry
	Config   *config.Config
	Linker   Linker

	external map[string]ExternalFunc
}

// New creates a pricing engine over a registry and configuration.
func New(reg *wares.Registry, cfg *config.Config) *Engine {
	return &Engine{
		Registry: reg,
		Config:   cfg,
		external: make(map[string]ExternalFunc),
	}
}

// RegisterExternal installs the pricer for wares whose LinkRule is rule.
func (e *Engine) RegisterExternal(rule string, fn ExternalFunc) {
	e.external[rule] = fn
}

// Price returns the total price of trading n units of w in the given mode.
// Unresolved wares price as NaN.
func (e *Engine) Price(w *wares.Ware, n int, mode Mode) float64 {
	if w == nil {
		return math.NaN()
	}
	return e.PriceLinked(w, n, mode, e.linkedMultiplier(w))
}

// PriceAt is Price evaluated as if w held stock units.
func (e *Engine) PriceAt(w *wares.Ware, stock, n int, mode Mode) float64 {
	if w == nil {
		return math.NaN()
	}
	at := *w
	at.Quantity = stock
	return e.PriceLinked(&at, n, mode, e.linkedMultiplier(w))
}

// PriceLinked is Price with an explicit linked-price multiplier. The
// manufacturing resolver uses it while computing multipliers itself.
func (e *Engine) PriceLinked(w *wares.Ware, n int, mode Mode, linkMult float64) float64 {
	if w.Unresolved() {
		return math.NaN()
	}
	if n <= 0 {
		return 0
	}
	if w.Kind == wares.KindLinked {
		if fn, ok := e.external[w.LinkRule]; ok {
			return fn(w, n, mode)
		}
	}

	if w.Kind == wares.KindUntradeable {
		return truncate(float64(n) * e.UnitBase(w, true, linkMult))
	}

	p0 := e.UnitBase(w, mode.Buying(), linkMult)
	cfg := e.Config
	switch mode {
	case EquilibriumBuy, EquilibriumSell:
		return truncate(float64(n) * p0)
	case FloorBuy, FloorSell:
		return truncate(float64(n) * p0 * cfg.PriceFloor)
	}
	if !cfg.SupplyDemand {
		return truncate(float64(n) * p0)
	}

	// Buying walks the same stock positions a sale of n units into Q-n
	// would, so buy and sell are reciprocal.
	lo := w.Quantity
	if mode.Buying() {
		lo = w.Quantity - n
	}
	total := truncate(p0 * e.curveSum(w.Level, lo, n))
	if floor := truncate(float64(n) * p0 * cfg.PriceFloor); total < floor {
		total = floor
	}
	return total
}

// UnitBase returns P0, the unit price at equilibrium stock: the base price
// with the global multiplier, the spread toward the market average, the
// linked multiplier for composites, and the buy upcharge when buying.
func (e *Engine) UnitBase(w *wares.Ware, buying bool, linkMult float64) float64 {
	cfg := e.Config
	p := w.PriceBase * cfg.PriceMultiplier
	if cfg.Spread != 0 && w.Kind.Tradeable() && e.Registry != nil {
		avg := e.Registry.AverageBasePrice() * cfg.PriceMultiplier
		if avg > 0 {
			p += (avg - p) * cfg.Spread
			if p < 0 {
				p = 0
			}
		}
	}
	if w.Kind.Composite() && linkMult > 0 && !math.IsNaN(linkMult) && !math.IsInf(linkMult, 0) {
		p *= linkMult
	}
	if buying {
		p *= cfg.BuyUpcharge
	}
	return p
}

// Curve returns the price multiplier of the unit at stock position s for a
// hierarchy level: the ceiling multiplier below the floor threshold, linear
// down to 1.0 just under equilibrium, exactly 1.0 at equilibrium, linear down
// toward the floor multiplier until the ceiling threshold, flat beyond it.
func (e *Engine) Curve(level int, s float64) float64 {
	fl, eq, ce := e.Config.Thresholds(level)
	c, f := e.Config.PriceCeiling, e.Config.PriceFloor
	switch {
	case s < float64(fl):
		return c
	case s < float64(eq):
		den := float64(eq - 1 - fl)
		if den <= 0 {
			return 1
		}
		return 1 + (c-1)*(float64(eq-1)-s)/den
	case s == float64(eq):
		return 1
	case s < float64(ce):
		return 1 - (1-f)*(s-float64(eq))/float64(ce-eq)
	default:
		return f
	}
}

// curveSum adds the multipliers of the n units at positions lo..lo+n-1,
// quadrant by quadrant. Inside a linear quadrant the sum is count × value at
// the midpoint.
func (e *Engine) curveSum(level, lo, n int) float64 {
	fl, eq, ce := e.Config.Thresholds(level)
	c, f := e.Config.PriceCeiling, e.Config.PriceFloor
	hi := lo + n - 1

	sum := 0.0
	if a, b, ok := clip(lo, hi, math.MinInt, fl-1); ok {
		sum += float64(b-a+1) * c
	}
	if a, b, ok := clip(lo, hi, fl, eq-1); ok {
		sum += float64(b-a+1) * e.Curve(level, float64(a+b)/2)
	}
	if lo <= eq && eq <= hi {
		sum += 1
	}
	if a, b, ok := clip(lo, hi, eq+1, ce-1); ok {
		sum += float64(b-a+1) * e.Curve(level, float64(a+b)/2)
	}
	if a, b, ok := clip(lo, hi, ce, math.MaxInt); ok {
		sum += float64(b-a+1) * f
	}
	return sum
}

func clip(lo, hi, from, to int) (int, int, bool) {
	if lo < from {
		lo = from
	}
	if hi > to {
		hi = to
	}
	return lo, hi, lo <= hi
}

func (e *Engine) linkedMultiplier(w *wares.Ware) float64 {
	if e.Linker == nil || !w.Kind.Composite() {
		return 1
	}
	return e.Linker.LinkedMultiplier(w)
}

// flat reports whether w is priced without the supply/demand curve.
func (e *Engine) flat(w *wares.Ware) bool {
	if w.Kind == wares.KindUntradeable || !e.Config.SupplyDemand {
		return true
	}
	if w.Kind == wares.KindLinked {
		_, ok := e.external[w.LinkRule]
		return ok
	}
	return false
}

// truncate cuts a money amount to four decimal places.
func truncate(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Trunc(x*10000+1e-6) / 10000
}

// Truncate exposes the money truncation used by every price.
func Truncate(x float64) float64 {
	return truncate(x)
}
