package trade

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/host"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/manufacture"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/wares"
)

// Buy purchases up to o.Quantity units, clamped by the limit price, stock,
// inventory space and funds. When stock runs short and the order allows it,
// the rest is manufactured from components.
func (e *Engine) Buy(o Order) (Receipt, error) {
	var (
		r   Receipt
		err error
	)
	e.Guard.Do(func() { r, err = e.buyLocked(o) })

	if err != nil {
		e.finish(o.Actor, nil, err)
		return Receipt{}, err
	}
	e.finish(o.Actor, []Receipt{r}, nil)
	return r, nil
}

func (e *Engine) buyLocked(o Order) (Receipt, error) {
	if o.Quantity <= 0 {
		return Receipt{}, ErrInvalidQuantity
	}
	w, err := e.lookup(o.Ware)
	if err != nil {
		return Receipt{}, err
	}
	acct, err := e.account(o)
	if err != nil {
		return Receipt{}, err
	}

	cfg := e.Config
	mult := o.multiplier()
	canMake := o.AllowManufacture && cfg.Manufacturing.Enabled && w.HasRecipe() && e.Resolver != nil
	if w.Quantity == 0 && !canMake {
		return Receipt{}, fmt.Errorf("%w: %q", ErrOutOfStock, w.ID)
	}

	want := o.Quantity
	if o.LimitPrice > 0 {
		want = min(want, e.Pricing.QuantityUntilPrice(w, o.LimitPrice/mult, true))
		if want == 0 {
			return Receipt{}, fmt.Errorf("%w: %q costs more than %.4f", ErrNothingToTrade, w.ID, o.LimitPrice)
		}
	}
	space := host.UnitsFree(e.Host, o.Actor, o.Dest, w.ID)
	switch {
	case space < 0:
		return Receipt{}, fmt.Errorf("%w: %q", ErrContainerNotFound, o.Dest)
	case space == 0:
		return Receipt{}, ErrInventoryFull
	}
	want = min(want, space)

	spend := math.Inf(1)
	if avail, limited := acct.Available(); limited {
		spend = e.maxSpend(avail.InexactFloat64())
	}
	inStock := min(want, w.Quantity)
	n := e.affordable(w, inStock, mult, spend)
	stock := w.Quantity
	cost := 0.0
	if n > 0 {
		cost = e.Pricing.Price(w, n, pricing.CurrentBuy) * mult
	}
	fundsShort := n < inStock

	var (
		made     manufacture.Result
		unit     float64
		limitCut bool
	)
	if canMake && !fundsShort && n < want {
		unit = e.Resolver.UnitCost(w)
		short := want - n
		if o.LimitPrice > 0 {
			if fit := withinLimit(n, cost, unit*mult, o.LimitPrice); fit < short {
				short, limitCut = fit, true
			}
		}
		budget := math.Inf(1)
		if !math.IsInf(spend, 1) {
			budget = (spend - cost) / mult
		}
		if short > 0 {
			made, err = e.Resolver.ManufactureLocked(w, short, space-n, budget)
			if err != nil {
				// Infeasible manufacturing buys nothing further.
				if !errors.Is(err, manufacture.ErrNotManufacturable) {
					slog.Warn("manufacture failed", "ware", w.ID, "error", err)
				}
				made = manufacture.Result{}
			}
		}
	}

	qty := n + made.Delivered
	if qty == 0 {
		switch {
		case fundsShort:
			return Receipt{}, fmt.Errorf("%w: %q cannot pay for one %s", ErrInsufficientFunds, acct.ID, w.ID)
		case limitCut:
			return Receipt{}, fmt.Errorf("%w: manufactured %q costs more than %.4f", ErrNothingToTrade, w.ID, o.LimitPrice)
		case w.Quantity == 0:
			return Receipt{}, fmt.Errorf("%w: %q", ErrOutOfStock, w.ID)
		}
		return Receipt{}, ErrNothingToTrade
	}

	total := pricing.Truncate(cost + made.Cost*mult)
	if err := e.Ledger.Transfer(acct.ID, e.Ledger.SystemID(), ledger.Money(total)); err != nil {
		e.Resolver.Undo(w, made)
		return Receipt{}, fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	}

	// The host may take fewer units than it reported room for. Undelivered
	// manufactured units go back first, then stock that was never removed,
	// and the difference is refunded.
	if added := e.Host.AddToInventory(o.Actor, o.Dest, w.ID, qty); added < qty {
		slog.Warn("inventory took fewer units than bought", "actor", o.Actor, "ware", w.ID, "bought", qty, "added", added)
		if added == 0 {
			e.Resolver.Undo(w, made)
			e.refund(acct.ID, ledger.Money(total))
			return Receipt{}, fmt.Errorf("%w: %q took nothing", ErrInventoryFull, o.Dest)
		}
		back := min(qty-added, made.Delivered)
		made.Delivered -= back
		made.Surplus += back
		made.Cost = pricing.Truncate(float64(made.Delivered) * unit)
		w.AddStock(back)
		n -= qty - added - back
		cost = 0
		if n > 0 {
			cost = e.Pricing.PriceAt(w, stock, n, pricing.CurrentBuy) * mult
		}
		qty = added
		kept := pricing.Truncate(cost + made.Cost*mult)
		e.refund(acct.ID, ledger.Money(total).Sub(ledger.Money(kept)))
		total = kept
	}

	fee, err := e.settleFee(acct.ID, cfg.Fees.BuyFee(total))
	if err != nil {
		slog.Warn("buy fee not collected", "account", acct.ID, "error", err)
	}
	w.RemoveStock(n)

	r := e.receipt(o, acct.ID, w, SideBuy, qty, total, fee)
	r.Manufactured = made.Delivered
	return r, nil
}

// withinLimit returns how many manufactured units at unit each can join n
// stock units costing cost before the order's average unit price passes
// limit.
func withinLimit(n int, cost, unit, limit float64) int {
	if unit <= limit {
		return pricing.Unlimited
	}
	room := limit*float64(n) - cost
	if room <= 0 {
		return 0
	}
	return int(math.Floor(room/(unit-limit) + 1e-9))
}

// refund returns amount to acct from the system account.
func (e *Engine) refund(acct string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	if err := e.Ledger.Transfer(e.Ledger.SystemID(), acct, amount); err != nil {
		slog.Error("refund failed", "account", acct, "amount", amount, "error", err)
	}
}

// maxSpend returns the largest order total whose fee still fits in budget.
// Subsidies are ignored since they arrive after payment.
func (e *Engine) maxSpend(budget float64) float64 {
	f := e.Config.Fees
	return (budget - max(f.BuyFlat, 0)) / (1 + max(f.BuyPercent, 0)/100)
}

// affordable clamps n to what spend buys at the current curve.
func (e *Engine) affordable(w *wares.Ware, n int, mult, spend float64) int {
	if n <= 0 || math.IsInf(spend, 1) {
		return max(n, 0)
	}
	if spend <= 0 {
		return 0
	}
	n = min(n, e.Pricing.PurchasableQuantity(w, spend/mult))
	for n > 0 && e.Pricing.Price(w, n, pricing.CurrentBuy)*mult > spend+1e-9 {
		n--
	}
	return n
}
