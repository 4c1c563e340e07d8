// Package engine bundles one market's state and components into a single
// context and drives its periodic ticks.
package engine

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/talgya/mini-market/internal/agents"
	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/entropy"
	"github.com/talgya/mini-market/internal/guard"
	"github.com/talgya/mini-market/internal/host"
	"github.com/talgya/mini-market/internal/ledger"
	"github.com/talgya/mini-market/internal/manufacture"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/trade"
	"github.com/talgya/mini-market/internal/wares"
)

// ErrNoHost is returned when a market is created without a host adapter.
var ErrNoHost = trade.ErrNoHost

// Market is the explicit context of one market: every component shares the
// same registry, configuration, guard and ledger.
type Market struct {
	Config   *config.Config
	Guard    *guard.Guard
	Registry *wares.Registry
	Ledger   *ledger.Ledger
	Pricing  *pricing.Engine
	Resolver *manufacture.Resolver
	Trade    *trade.Engine
	Agents   *agents.Engine
	Host     host.Host
	Bus      *Bus

	drift *drift

	hookMu sync.RWMutex
	hooks  []func(trade.Receipt)
}

// New assembles a market around cfg. src feeds agent randomness; seed fixes
// the rebalance drift pattern.
func New(cfg config.Config, h host.Host, src entropy.Source, seed int64) (*Market, error) {
	c := &cfg
	g := guard.New()
	reg := wares.NewRegistry()
	pe := pricing.New(reg, c)
	res := manufacture.New(reg, c, pe, g)
	led := ledger.New(c.SystemAccount, c.StartingBalance)
	tr, err := trade.New(reg, c, pe, res, led, g, h)
	if err != nil {
		return nil, err
	}

	m := &Market{
		Config:   c,
		Guard:    g,
		Registry: reg,
		Ledger:   led,
		Pricing:  pe,
		Resolver: res,
		Trade:    tr,
		Host:     h,
		Bus:      NewBus(),
		drift:    newDrift(seed),
	}
	m.Agents = agents.New(reg, c, pe, g, tr, src)
	tr.OnTrade = m.publishReceipt
	return m, nil
}

// OnReceipt registers a synchronous hook run for every executed trade, after
// the guard is released.
func (m *Market) OnReceipt(fn func(trade.Receipt)) {
	m.hookMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hookMu.Unlock()
}

func (m *Market) publishReceipt(r trade.Receipt) {
	m.hookMu.RLock()
	hooks := m.hooks
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(r)
	}
	m.Bus.Publish(Event{
		Time:        r.Time,
		Category:    "trade",
		Description: fmt.Sprintf("%s %s %d %s for %.4f", r.Actor, r.Side, r.Quantity, r.Ware, r.Total),
		Receipt:     &r,
	})
}

// ── Loading ──

// LoadReport describes the outcome of a bulk load.
type LoadReport struct {
	Loaded      int                 `json:"loaded"`
	Rejected    []string            `json:"rejected,omitempty"`
	Quarantined []wares.Quarantined `json:"-"`
}

// LoadWares reads JSON ware definitions and merges them into the registry.
// A ware already present is replaced; it keeps its stock unless the
// definition sets one. Invalid entries are logged and skipped.
func (m *Market) LoadWares(r io.Reader) LoadReport {
	defs, problems := wares.DecodeDefinitions(r)
	rep := m.LoadDefinitions(defs)
	for _, p := range problems {
		slog.Warn("ware definition rejected", "error", p)
		rep.Rejected = append(rep.Rejected, p.Error())
	}
	return rep
}

// LoadDefinitions merges decoded definitions and relinks every recipe.
func (m *Market) LoadDefinitions(defs []wares.Definition) LoadReport {
	var rep LoadReport
	m.Guard.Lock()
	defer m.Guard.Unlock()

	for _, d := range defs {
		w, err := wares.Build(d, m.Config)
		if err != nil {
			slog.Warn("ware definition rejected", "ware", d.ID, "error", err)
			rep.Rejected = append(rep.Rejected, err.Error())
			continue
		}
		if old, ok := m.Registry.Get(w.ID); ok {
			if d.Quantity == nil {
				w.Quantity = old.Quantity
			}
			m.Registry.Remove(w.ID)
		}
		if err := m.Registry.Add(w); err != nil {
			slog.Warn("ware not added", "ware", w.ID, "error", err)
			rep.Rejected = append(rep.Rejected, err.Error())
			continue
		}
		rep.Loaded++
	}
	rep.Quarantined = m.Resolver.Relink()
	slog.Info("wares loaded", "loaded", rep.Loaded, "rejected", len(rep.Rejected),
		"quarantined", len(rep.Quarantined), "active", m.Registry.Len())
	m.Bus.Publish(Event{Category: "reload", Description: fmt.Sprintf("%d wares loaded", rep.Loaded), Data: rep})
	return rep
}

// ReloadComponents re-resolves every recipe, retrying quarantined wares.
func (m *Market) ReloadComponents() []wares.Quarantined {
	var q []wares.Quarantined
	m.Guard.Do(func() { q = m.Resolver.Relink() })
	slog.Info("components relinked", "quarantined", len(q))
	m.Bus.Publish(Event{Category: "reload", Description: fmt.Sprintf("components relinked, %d quarantined", len(q))})
	return q
}

// LoadAgents reads YAML agent definitions and registers them.
func (m *Market) LoadAgents(r io.Reader) int {
	list, problems := agents.DecodeDefinitions(r)
	for _, p := range problems {
		slog.Warn("agent definition rejected", "error", p)
	}
	for _, a := range list {
		m.Agents.Add(a)
	}
	return len(list)
}

// Definitions returns the serialized form of every ware, quarantined ones
// included, for persistence.
func (m *Market) Definitions() []wares.Definition {
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	var out []wares.Definition
	for _, w := range m.Registry.List() {
		out = append(out, w.Definition())
	}
	for _, q := range m.Registry.Quarantined() {
		out = append(out, q.Ware.Definition())
	}
	return out
}

// Accounts returns a copy of every ledger account.
func (m *Market) Accounts() []ledger.Account {
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	list := m.Ledger.List()
	out := make([]ledger.Account, 0, len(list))
	for _, a := range list {
		out = append(out, a.Clone())
	}
	return out
}

// RestoreAccounts puts persisted accounts back into the ledger.
func (m *Market) RestoreAccounts(list []*ledger.Account) {
	m.Guard.Lock()
	defer m.Guard.Unlock()
	for _, a := range list {
		m.Ledger.Restore(a)
	}
}

// ── Pricing queries ──

func (m *Market) ware(ref string) (*wares.Ware, error) {
	w, ok := m.Registry.Lookup(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %q", trade.ErrWareNotFound, ref)
	}
	if w.Unresolved() {
		return nil, fmt.Errorf("%w: %q", trade.ErrWareInvalid, w.ID)
	}
	return w, nil
}

// GetPrice returns the total price of n units in the given mode.
func (m *Market) GetPrice(ref string, n int, mode pricing.Mode) (float64, error) {
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	w, err := m.ware(ref)
	if err != nil {
		return 0, err
	}
	return m.Pricing.Price(w, n, mode), nil
}

// GetQuantityUntilPrice returns how many units trade before the average unit
// price crosses target.
func (m *Market) GetQuantityUntilPrice(ref string, target float64, buying bool) (int, error) {
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	w, err := m.ware(ref)
	if err != nil {
		return 0, err
	}
	return m.Pricing.QuantityUntilPrice(w, target, buying), nil
}

// GetPurchasableQuantity returns how many units budget buys.
func (m *Market) GetPurchasableQuantity(ref string, budget float64) (int, error) {
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	w, err := m.ware(ref)
	if err != nil {
		return 0, err
	}
	return m.Pricing.PurchasableQuantity(w, budget), nil
}

// ── Trading ──

func (m *Market) Buy(o trade.Order) (trade.Receipt, error)       { return m.Trade.Buy(o) }
func (m *Market) Sell(o trade.Order) (trade.Receipt, error)      { return m.Trade.Sell(o) }
func (m *Market) SellAll(o trade.Order) ([]trade.Receipt, error) { return m.Trade.SellAll(o) }

// Check quotes a ware without changing anything.
func (m *Market) Check(ref string, quantity int, multiplier float64) (trade.Quote, error) {
	return m.Trade.Check(ref, quantity, multiplier)
}

// ── Ticks ──

// RunTradingTick runs one agent trading round.
func (m *Market) RunTradingTick() agents.TickResult {
	res := m.Agents.RunTradingTick()
	m.Bus.Publish(Event{
		Category:    "tick",
		Description: fmt.Sprintf("%d agents made %d decisions", res.Agents, res.Decisions),
		Data:        map[string]any{"agents": res.Agents, "decisions": res.Decisions, "trades": len(res.Receipts)},
	})
	return res
}

// SetDecisionsPerTick changes how many trades an agent makes per tick.
func (m *Market) SetDecisionsPerTick(agent string, k int) error {
	return m.Agents.SetDecisionsPerTick(agent, k)
}

// AccrueInterest pays interest on every positive balance.
func (m *Market) AccrueInterest() decimal.Decimal {
	var paid decimal.Decimal
	m.Guard.Do(func() { paid = m.Ledger.AccrueInterest(m.Config.InterestRate) })
	if paid.IsPositive() {
		slog.Info("interest accrued", "rate", m.Config.InterestRate, "paid", paid.StringFixed(4))
		m.Bus.Publish(Event{Category: "interest", Description: "interest paid " + paid.StringFixed(4)})
	}
	return paid
}

// ── Statistics ──

// Stats is a snapshot of market-wide figures.
type Stats struct {
	Wares            int     `json:"wares"`
	Quarantined      int     `json:"quarantined"`
	Accounts         int     `json:"accounts"`
	Agents           int     `json:"agents"`
	AverageBasePrice float64 `json:"average_base_price"`
	TotalStock       int     `json:"total_stock"`
	Guard            string  `json:"guard"`
	GuardWaits       int64   `json:"guard_waits"`
}

// Stats reports current market figures.
func (m *Market) Stats() Stats {
	s := Stats{
		Guard:      m.Guard.State().String(),
		GuardWaits: m.Guard.Waits(),
		Agents:     len(m.Agents.List()),
	}
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	s.Wares = m.Registry.Len()
	s.Quarantined = len(m.Registry.Quarantined())
	s.Accounts = len(m.Ledger.List())
	s.AverageBasePrice = pricing.Truncate(m.Registry.AverageBasePrice())
	for _, w := range m.Registry.List() {
		if w.Kind.Tradeable() {
			s.TotalStock += w.Quantity
		}
	}
	return s
}

// WareSummary is a listing row for one ware.
type WareSummary struct {
	ID        string  `json:"id"`
	Alias     string  `json:"alias,omitempty"`
	Kind      string  `json:"kind"`
	Level     int     `json:"level"`
	Stock     int     `json:"stock"`
	PriceBase float64 `json:"price_base"`
	Buy       float64 `json:"buy"`
	Sell      float64 `json:"sell"`
}

// Wares lists active wares with their current unit prices.
func (m *Market) Wares() []WareSummary {
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	list := m.Registry.List()
	out := make([]WareSummary, 0, len(list))
	for _, w := range list {
		s := WareSummary{
			ID:        w.ID,
			Alias:     w.Alias,
			Kind:      w.Kind.String(),
			Level:     w.Level,
			Stock:     w.Quantity,
			PriceBase: pricing.Truncate(w.PriceBase),
		}
		if w.Kind.Tradeable() {
			s.Buy = pricing.Truncate(m.Pricing.Price(w, 1, pricing.CurrentBuy))
			s.Sell = pricing.Truncate(m.Pricing.Price(w, 1, pricing.CurrentSell))
		}
		out = append(out, s)
	}
	return out
}

// QuarantineEntry explains why a ware is excluded.
type QuarantineEntry struct {
	Ware   string `json:"ware"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Quarantine lists the wares that failed resolution.
func (m *Market) Quarantine() []QuarantineEntry {
	m.Guard.RLock()
	defer m.Guard.RUnlock()
	q := m.Registry.Quarantined()
	out := make([]QuarantineEntry, 0, len(q))
	for _, e := range q {
		out = append(out, QuarantineEntry{Ware: e.Ware.ID, Kind: e.Ware.Kind.String(), Reason: e.Reason.Error()})
	}
	return out
}
