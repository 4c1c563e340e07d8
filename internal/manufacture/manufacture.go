package manufacture

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/wares"
)

var ErrNotManufacturable = errors.New("ware is not manufacturable")

// Result describes one manufacturing run.
type Result struct {
	Cost       float64        // What the delivered units cost the buyer
	Delivered  int            // Units handed to the buyer
	Iterations int            // Recipe applications performed
	Surplus    int            // Units produced beyond the order, credited to stock
	Consumed   map[string]int // Component units debited, by ware ID
}

// UnitCost is the price of one manufactured unit: the ceiling buy price times
// the out-of-stock surcharge.
func (r *Resolver) UnitCost(w *wares.Ware) float64 {
	p0 := r.pricing.UnitBase(w, true, r.LinkedMultiplier(w))
	return p0 * r.cfg.PriceCeiling * r.cfg.Manufacturing.OutOfStockSurcharge
}

// Manufacture crafts up to want units of w, limited by component stock, the
// destination's free space and budget. A negative space or an infinite budget
// means no limit.
func (r *Resolver) Manufacture(w *wares.Ware, want, space int, budget float64) (Result, error) {
	r.guard.Lock()
	defer r.guard.Unlock()
	return r.ManufactureLocked(w, want, space, budget)
}

// ManufactureLocked is Manufacture for callers already holding the guard.
func (r *Resolver) ManufactureLocked(w *wares.Ware, want, space int, budget float64) (Result, error) {
	if w == nil || !w.HasRecipe() || w.Kind == wares.KindLinked {
		return Result{}, ErrNotManufacturable
	}
	if w.Unresolved() {
		return Result{}, fmt.Errorf("%w: %q is unresolved", ErrNotManufacturable, w.ID)
	}

	deliver := want
	if space >= 0 && space < deliver {
		deliver = space
	}
	unit := r.UnitCost(w)
	if unit > 0 && !math.IsInf(budget, 1) {
		if affordable := int(math.Floor(budget/unit + 1e-9)); affordable < deliver {
			deliver = affordable
		}
	}
	if deliver <= 0 {
		return Result{}, nil
	}

	counts, order := w.ComponentCounts()
	maxIter := pricing.Unlimited
	components := make(map[string]*wares.Ware, len(order))
	for _, id := range order {
		c, ok := r.reg.Get(id)
		if !ok {
			return Result{}, fmt.Errorf("%w: %w: %q", ErrNotManufacturable, wares.ErrMissingComponent, id)
		}
		components[id] = c
		if c.Kind == wares.KindUntradeable {
			continue
		}
		maxIter = min(maxIter, c.Quantity/counts[id])
	}

	yield := max(w.Yield, 1)
	iterations := min(maxIter, (deliver+yield-1)/yield)
	if iterations <= 0 {
		return Result{}, nil
	}

	consumed := make(map[string]int, len(order))
	for _, id := range order {
		consumed[id] = components[id].RemoveStock(iterations * counts[id])
	}
	produced := iterations * yield
	delivered := min(produced, deliver)
	surplus := produced - delivered
	if surplus > 0 {
		w.AddStock(surplus)
	}

	res := Result{
		Cost:       pricing.Truncate(float64(delivered) * unit),
		Delivered:  delivered,
		Iterations: iterations,
		Surplus:    surplus,
		Consumed:   consumed,
	}
	slog.Debug("manufactured", "ware", w.ID, "delivered", delivered, "iterations", iterations, "cost", res.Cost)
	return res, nil
}

// Undo reverses a ManufactureLocked run whose units were never delivered:
// consumed components go back to stock and the surplus is taken out again.
// Callers hold the guard.
func (r *Resolver) Undo(w *wares.Ware, res Result) {
	if res.Iterations == 0 {
		return
	}
	for id, n := range res.Consumed {
		if c, ok := r.reg.Get(id); ok && c.Kind != wares.KindUntradeable {
			c.AddStock(n)
		}
	}
	w.RemoveStock(res.Surplus)
	slog.Debug("manufacture undone", "ware", w.ID, "iterations", res.Iterations)
}

// Manufacturable returns how many units of w the current component stock
// supports, ignoring budget and space.
func (r *Resolver) Manufacturable(w *wares.Ware) int {
	if w == nil || !w.HasRecipe() || w.Unresolved() {
		return 0
	}
	counts, order := w.ComponentCounts()
	maxIter := pricing.Unlimited
	for _, id := range order {
		c, ok := r.reg.Get(id)
		if !ok {
			return 0
		}
		if c.Kind == wares.KindUntradeable {
			continue
		}
		maxIter = min(maxIter, c.Quantity/counts[id])
	}
	if maxIter >= pricing.Unlimited/max(w.Yield, 1) {
		return pricing.Unlimited
	}
	return maxIter * max(w.Yield, 1)
}
