package trade

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/host"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/wares"
)

// Sell sells up to o.Quantity held units back to the market.
func (e *Engine) Sell(o Order) (Receipt, error) {
	var (
		r   Receipt
		err error
	)
	e.Guard.Do(func() { r, err = e.sellLocked(o) })

	if err != nil {
		e.finish(o.Actor, nil, err)
		return Receipt{}, err
	}
	e.finish(o.Actor, []Receipt{r}, nil)
	return r, nil
}

func (e *Engine) sellLocked(o Order) (Receipt, error) {
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
	held := e.Host.InventoryCount(o.Actor, o.Dest, w.ID)
	if held <= 0 {
		return Receipt{}, fmt.Errorf("%w: %q", ErrNotHeld, w.ID)
	}

	mult := o.multiplier()
	n := min(o.Quantity, held)
	if o.LimitPrice > 0 {
		n = min(n, e.Pricing.QuantityUntilPrice(w, o.LimitPrice/mult, false))
		if n == 0 {
			return Receipt{}, fmt.Errorf("%w: %q pays less than %.4f", ErrNothingToTrade, w.ID, o.LimitPrice)
		}
	}
	if room, limited := e.disposalRoom(w, 0); limited {
		if room <= 0 {
			return Receipt{}, fmt.Errorf("%w: %q", ErrPriceAtFloor, w.ID)
		}
		n = min(n, room)
	}

	revenue, fee := e.saleValue(w, n, mult)
	if fee > 0 && revenue-fee <= 0 {
		return Receipt{}, fmt.Errorf("%w: %.4f for %d %s against a %.4f fee", ErrUnprofitable, revenue, n, w.ID, fee)
	}

	removed := e.Host.RemoveFromInventory(o.Actor, o.Dest, w.ID, n)
	if removed <= 0 {
		return Receipt{}, fmt.Errorf("%w: %q", ErrNotHeld, w.ID)
	}
	if removed < n {
		n = removed
		revenue, _ = e.saleValue(w, n, mult)
	}

	if err := e.Ledger.Deposit(acct.ID, ledger.Money(revenue)); err != nil {
		return Receipt{}, err
	}
	applied, err := e.settleFee(acct.ID, e.Config.Fees.SellFee(revenue))
	if err != nil {
		slog.Warn("sell fee not collected", "account", acct.ID, "error", err)
	}
	w.AddStock(n)
	return e.receipt(o, acct.ID, w, SideSell, n, revenue, applied), nil
}

// saleValue returns the truncated revenue of selling n units and the fee it
// carries.
func (e *Engine) saleValue(w *wares.Ware, n int, mult float64) (float64, float64) {
	revenue := pricing.Truncate(e.Pricing.Price(w, n, pricing.CurrentSell) * mult)
	return revenue, e.effectiveFee(e.Config.Fees.SellFee(revenue))
}

// disposalRoom returns how many more units can be sold before the sell price
// sits on its floor, with pending units already counted as sold. limited is
// false unless the market refuses garbage disposal.
func (e *Engine) disposalRoom(w *wares.Ware, pending int) (int, bool) {
	if !e.Config.NoGarbageDisposing || !e.Config.SupplyDemand {
		return 0, false
	}
	_, _, ceiling := e.Config.Thresholds(w.Level)
	return ceiling - w.Quantity - pending, true
}

type saleLine struct {
	ware    *wares.Ware
	qty     int
	revenue float64
}

// SellAll sells every eligible stack in the order's container. o.Ware, when
// set, restricts the sale to that ware. Each stack's price is scaled by its
// condition. With a flat-only sell fee, nothing leaves the inventory until the
// whole sale is known to beat the fee.
func (e *Engine) SellAll(o Order) ([]Receipt, error) {
	var (
		rs  []Receipt
		err error
	)
	e.Guard.Do(func() { rs, err = e.sellAllLocked(o) })

	e.finish(o.Actor, rs, err)
	return rs, err
}

func (e *Engine) sellAllLocked(o Order) ([]Receipt, error) {
	acct, err := e.account(o)
	if err != nil {
		return nil, err
	}
	var only *wares.Ware
	if o.Ware != "" {
		if only, err = e.lookup(o.Ware); err != nil {
			return nil, err
		}
	}

	var (
		indexes []int
		planned []host.Stack
	)
	pending := make(map[string]int)
	for i, s := range e.Host.Stacks(o.Actor, o.Dest) {
		if s.Quantity <= 0 {
			continue
		}
		w, err := e.lookup(s.WareID)
		if err != nil || (only != nil && w != only) {
			continue
		}
		if room, limited := e.disposalRoom(w, pending[w.ID]); limited && room < s.Quantity {
			continue
		}
		pending[w.ID] += s.Quantity
		indexes = append(indexes, i)
		planned = append(planned, s)
	}
	if len(indexes) == 0 {
		return nil, ErrNothingToTrade
	}

	mult := o.multiplier()
	fees := e.Config.Fees
	if fees.FlatSellOnly() {
		_, total, _ := e.priceStacks(planned, only, mult)
		if fee := e.effectiveFee(fees.SellFee(total)); fee > 0 && total-fee <= 0 {
			return nil, fmt.Errorf("%w: %.4f against a %.4f fee", ErrUnprofitable, total, fee)
		}
	}

	// Revenue follows what actually left the inventory.
	taken := e.Host.TakeStacks(o.Actor, o.Dest, indexes)
	if len(taken) != len(indexes) {
		slog.Warn("inventory changed during sell-all", "actor", o.Actor, "expected", len(indexes), "taken", len(taken))
	}
	lines, total, stray := e.priceStacks(taken, only, mult)
	for _, s := range stray {
		e.Host.AddToInventory(o.Actor, o.Dest, s.WareID, s.Quantity)
	}
	if len(lines) == 0 {
		return nil, ErrNothingToTrade
	}

	proceeds := decimal.Zero
	for _, l := range lines {
		proceeds = proceeds.Add(ledger.Money(l.revenue))
	}
	if err := e.Ledger.Deposit(acct.ID, proceeds); err != nil {
		return nil, err
	}
	applied, err := e.settleFee(acct.ID, fees.SellFee(total))
	if err != nil {
		slog.Warn("sell fee not collected", "account", acct.ID, "error", err)
	}

	ids := make([]string, 0, len(lines))
	for id := range lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	receipts := make([]Receipt, 0, len(ids))
	for _, id := range ids {
		l := lines[id]
		l.ware.AddStock(l.qty)
		share := 0.0
		if total > 0 {
			share = applied * l.revenue / total
		}
		receipts = append(receipts, e.receipt(o, acct.ID, l.ware, SideSell, l.qty, l.revenue, share))
	}
	return receipts, nil
}

// priceStacks values stacks in order, each priced as if the stacks before it
// of the same ware were already sold. Stacks that are no longer tradeable come
// back as stray.
func (e *Engine) priceStacks(stacks []host.Stack, only *wares.Ware, mult float64) (map[string]*saleLine, float64, []host.Stack) {
	lines := make(map[string]*saleLine)
	var stray []host.Stack
	for _, s := range stacks {
		w, err := e.lookup(s.WareID)
		if err != nil || (only != nil && w != only) || s.Quantity <= 0 {
			stray = append(stray, s)
			continue
		}
		line, ok := lines[w.ID]
		if !ok {
			line = &saleLine{ware: w}
			lines[w.ID] = line
		}
		cond := min(max(s.Condition, 0), 1)
		unit := e.Pricing.PriceAt(w, w.Quantity+line.qty, s.Quantity, pricing.CurrentSell)
		line.revenue += unit * cond * mult
		line.qty += s.Quantity
	}
	total := 0.0
	for _, l := range lines {
		l.revenue = pricing.Truncate(l.revenue)
		total += l.revenue
	}
	return lines, total, stray
}
