package trade

import (
	"fmt"
	"sort"

	"github.com/talgya/mini-market/internal/pricing"
)

// Quote is a read-only price report for one ware.
type Quote struct {
	Ware     string `json:"ware"`
	Alias    string `json:"alias,omitempty"`
	Kind     string `json:"kind"`
	Level    int    `json:"level"`
	Stock    int    `json:"stock"`
	Quantity int    `json:"quantity"`

	UnitBuy         float64 `json:"unit_buy"`
	UnitSell        float64 `json:"unit_sell"`
	TotalBuy        float64 `json:"total_buy"`
	TotalSell       float64 `json:"total_sell"`
	EquilibriumBuy  float64 `json:"equilibrium_buy"`
	EquilibriumSell float64 `json:"equilibrium_sell"`
	BuyFee          float64 `json:"buy_fee"`
	SellFee         float64 `json:"sell_fee"`

	Manufacturable int `json:"manufacturable,omitempty"`
}

// Check prices quantity units of a ware without changing anything.
func (e *Engine) Check(ref string, quantity int, multiplier float64) (Quote, error) {
	e.Guard.RLock()
	defer e.Guard.RUnlock()

	w, ok := e.Registry.Lookup(ref)
	if !ok {
		return Quote{}, fmt.Errorf("%w: %q", ErrWareNotFound, ref)
	}
	if w.Unresolved() {
		return Quote{}, fmt.Errorf("%w: %q", ErrWareInvalid, w.ID)
	}
	if !w.Kind.Tradeable() {
		return Quote{}, fmt.Errorf("%w: %q", ErrUntradeable, w.ID)
	}
	quantity = max(quantity, 1)
	mult := Order{Multiplier: multiplier}.multiplier()
	pe := e.Pricing

	q := Quote{
		Ware:            w.ID,
		Alias:           w.Alias,
		Kind:            w.Kind.String(),
		Level:           w.Level,
		Stock:           w.Quantity,
		Quantity:        quantity,
		UnitBuy:         pricing.Truncate(pe.Price(w, 1, pricing.CurrentBuy) * mult),
		UnitSell:        pricing.Truncate(pe.Price(w, 1, pricing.CurrentSell) * mult),
		TotalBuy:        pricing.Truncate(pe.Price(w, quantity, pricing.CurrentBuy) * mult),
		TotalSell:       pricing.Truncate(pe.Price(w, quantity, pricing.CurrentSell) * mult),
		EquilibriumBuy:  pricing.Truncate(pe.Price(w, 1, pricing.EquilibriumBuy) * mult),
		EquilibriumSell: pricing.Truncate(pe.Price(w, 1, pricing.EquilibriumSell) * mult),
	}
	q.BuyFee = pricing.Truncate(e.Config.Fees.BuyFee(q.TotalBuy))
	q.SellFee = pricing.Truncate(e.Config.Fees.SellFee(q.TotalSell))
	if e.Resolver != nil && e.Config.Manufacturing.Enabled {
		q.Manufacturable = e.Resolver.Manufacturable(w)
	}
	return q, nil
}

// Adjust applies a batch of stock adjustments for an off-ledger trader in
// one critical section: negative deltas buy from stock, positive deltas sell
// into it. Wares that vanished or lost their price are skipped.
func (e *Engine) Adjust(actor string, pending map[string]int) []Receipt {
	ids := make([]string, 0, len(pending))
	for id, d := range pending {
		if d != 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var receipts []Receipt
	e.Guard.Do(func() { receipts = e.adjustLocked(actor, ids, pending) })

	if e.OnTrade != nil {
		for _, r := range receipts {
			e.OnTrade(r)
		}
	}
	return receipts
}

func (e *Engine) adjustLocked(actor string, ids []string, pending map[string]int) []Receipt {
	receipts := make([]Receipt, 0, len(ids))
	for _, id := range ids {
		w, ok := e.Registry.Get(id)
		if !ok || w.Unresolved() || !w.Kind.Tradeable() {
			continue
		}
		o := Order{Actor: actor, Ware: id}
		delta := pending[id]
		if delta < 0 {
			n := min(-delta, w.Quantity)
			if n == 0 {
				continue
			}
			total := e.Pricing.Price(w, n, pricing.CurrentBuy)
			w.RemoveStock(n)
			receipts = append(receipts, e.receipt(o, "", w, SideBuy, n, total, 0))
			continue
		}
		total := e.Pricing.Price(w, delta, pricing.CurrentSell)
		w.AddStock(delta)
		receipts = append(receipts, e.receipt(o, "", w, SideSell, delta, total, 0))
	}
	return receipts
}
