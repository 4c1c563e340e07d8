package pricing

import (
	"math"

	"github.com/talgya/mini-market/internal/wares"
)

const eps = 1e-9

// QuantityUntilPrice returns how many units can be traded before the average
// unit price of the order crosses target. Buying stops once the average
// rises above target; selling stops once it drops below. Unlimited means the
// curve never crosses target in that direction.
func (e *Engine) QuantityUntilPrice(w *wares.Ware, target float64, buying bool) int {
	if w == nil || w.Unresolved() {
		return 0
	}
	mode := CurrentSell
	if buying {
		mode = CurrentBuy
	}

	if e.flat(w) {
		unit := e.Price(w, 1, mode)
		if (buying && unit <= target+eps) || (!buying && unit >= target-eps) {
			return Unlimited
		}
		return 0
	}

	p0 := e.UnitBase(w, buying, e.linkedMultiplier(w))
	c, f := e.Config.PriceCeiling, e.Config.PriceFloor
	var start int
	if buying {
		if p0 <= 0 || target >= c*p0-eps {
			return Unlimited
		}
		start = e.marginalBuyCount(w, target/p0)
	} else {
		if target <= f*p0+eps {
			return Unlimited
		}
		if p0 <= 0 || target > c*p0+eps {
			return 0
		}
		start = e.marginalSellCount(w, target/p0)
	}

	within := func(n int) bool {
		avg := e.Price(w, n, mode) / float64(n)
		if buying {
			return avg <= target+eps
		}
		return avg >= target-eps
	}
	return search(start, within)
}

// search finds the largest n >= start with ok(n) true, given that ok holds at
// start (or start is 0) and flips to false exactly once.
func search(start int, ok func(int) bool) int {
	if start > 0 && !ok(start) {
		// Truncation can put the closed-form bound one step too far.
		for start > 0 && !ok(start) {
			start--
		}
		return start
	}
	lo, step := start, start
	if step < 1 {
		step = 1
	}
	hi := lo + step
	for ok(hi) {
		lo = hi
		if hi >= Unlimited-step {
			return Unlimited
		}
		step *= 2
		hi = lo + step
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if ok(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// marginalBuyCount returns how many units can be bought before a single unit
// costs more than m×P0.
func (e *Engine) marginalBuyCount(w *wares.Ware, m float64) int {
	fl, eq, ce := e.Config.Thresholds(w.Level)
	c, f := e.Config.PriceCeiling, e.Config.PriceFloor
	var lowest int // smallest stock position whose unit multiplier is <= m
	switch {
	case m < f:
		return 0
	case m >= 1:
		den := float64(eq - 1 - fl)
		if den <= 0 || c <= 1 {
			lowest = eq - 1
		} else {
			lowest = int(math.Ceil(float64(eq-1) - (m-1)*den/(c-1) - eps))
		}
	default:
		lowest = int(math.Ceil(float64(eq) + (1-m)*float64(ce-eq)/(1-f) - eps))
	}
	n := w.Quantity - lowest
	if n < 0 {
		return 0
	}
	return n
}

// marginalSellCount returns how many units can be sold before a single unit
// pays less than m×P0.
func (e *Engine) marginalSellCount(w *wares.Ware, m float64) int {
	fl, eq, ce := e.Config.Thresholds(w.Level)
	c, f := e.Config.PriceCeiling, e.Config.PriceFloor
	var highest int // largest stock position whose unit multiplier is >= m
	switch {
	case m > c:
		return 0
	case m > 1:
		den := float64(eq - 1 - fl)
		if den <= 0 || c <= 1 {
			highest = fl - 1
		} else {
			highest = int(math.Floor(float64(eq-1) - (m-1)*den/(c-1) + eps))
		}
	default:
		highest = int(math.Floor(float64(eq) + (1-m)*float64(ce-eq)/(1-f) + eps))
	}
	n := highest - w.Quantity + 1
	if n < 0 {
		return 0
	}
	return n
}

// PurchasableQuantity returns how many units budget buys at the current buy
// price, ignoring the stock on hand.
func (e *Engine) PurchasableQuantity(w *wares.Ware, budget float64) int {
	if w == nil || w.Unresolved() || budget <= 0 {
		return 0
	}
	if e.flat(w) {
		unit := e.Price(w, 1, CurrentBuy)
		if unit <= 0 {
			return Unlimited
		}
		return capped(math.Floor(budget/unit + eps))
	}

	p0 := e.UnitBase(w, true, e.linkedMultiplier(w))
	if p0 <= 0 {
		return Unlimited
	}
	n := e.walkBudget(w, budget/p0)
	if n >= Unlimited {
		return Unlimited
	}

	// Settle the closed form against the truncated price.
	for i := 0; i < 4 && n > 0 && e.Price(w, n, CurrentBuy) > budget+eps; i++ {
		n--
	}
	for i := 0; i < 4 && e.Price(w, n+1, CurrentBuy) <= budget+eps; i++ {
		n++
	}
	return n
}

// walkBudget spends rem (in units of P0) downward from the top of the stock,
// one quadrant at a time.
func (e *Engine) walkBudget(w *wares.Ware, rem float64) int {
	fl, eq, ce := e.Config.Thresholds(w.Level)
	c, f := e.Config.PriceCeiling, e.Config.PriceFloor

	count := 0
	s := w.Quantity - 1 // next position bought
	for rem > eps {
		switch {
		case s >= ce:
			units := s - ce + 1
			if f <= 0 {
				count += units
				s -= units
				continue
			}
			k := min(units, int(math.Floor(rem/f+eps)))
			count += k
			if k < units {
				return count
			}
			rem -= float64(k) * f
			s -= k

		case s > eq:
			d := (1 - f) / float64(ce-eq)
			k, spent := linearSpend(e.Curve(w.Level, float64(s)), d, s-eq, rem)
			count += k
			if k < s-eq {
				return count
			}
			rem -= spent
			s -= k

		case s == eq:
			if rem+eps < 1 {
				return count
			}
			count++
			rem--
			s--

		case s >= fl:
			g := 0.0
			if den := eq - 1 - fl; den > 0 {
				g = (c - 1) / float64(den)
			}
			k, spent := linearSpend(e.Curve(w.Level, float64(s)), g, s-fl+1, rem)
			count += k
			if k < s-fl+1 {
				return count
			}
			rem -= spent
			s -= k

		default:
			return capped(float64(count) + math.Floor(rem/c+eps))
		}
	}
	return count
}

// linearSpend solves how many of units positions can be bought when the
// first costs start and each further one costs slope more:
// cost(k) = slope/2·k² + (start - slope/2)·k.
func linearSpend(start, slope float64, units int, rem float64) (int, float64) {
	cost := func(k int) float64 {
		kf := float64(k)
		return slope/2*kf*kf + (start-slope/2)*kf
	}
	var k int
	b := start - slope/2
	switch {
	case slope > 0:
		k = int(math.Floor((-b + math.Sqrt(b*b+2*slope*rem)) / slope))
	case b > 0:
		k = int(math.Floor(rem / b))
	default:
		k = units
	}
	if k > units {
		k = units
	}
	if k < 0 {
		k = 0
	}
	for k > 0 && cost(k) > rem+eps {
		k--
	}
	return k, cost(k)
}

func capped(x float64) int {
	if x >= Unlimited {
		return Unlimited
	}
	return int(x)
}
