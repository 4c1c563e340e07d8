package agents

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/entropy"
	"github.com/talgya/mini-market/internal/guard"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/trade"
	"github.com/talgya/mini-market/internal/wares"
)

// Actor is the name agent trades are recorded under.
const Actor = "agents"

// priceEpsilon keeps desirability finite when a price reaches zero.
const priceEpsilon = 1e-4

// Adjuster applies a batch of stock deltas in one critical section.
type Adjuster interface {
	Adjust(actor string, pending map[string]int) []trade.Receipt
}

// TickResult summarizes one trading tick.
type TickResult struct {
	Agents    int             `json:"agents"`
	Decisions int             `json:"decisions"`
	Pending   map[string]int  `json:"pending"`
	Receipts  []trade.Receipt `json:"-"`
}

// Engine owns the agent population and runs their trading ticks.
type Engine struct {
	Registry *wares.Registry
	Config   *config.Config
	Pricing  *pricing.Engine
	Guard    *guard.Guard
	Trader   Adjuster
	Rand     entropy.Source

	mu     sync.Mutex
	agents map[string]*Agent
}

// New creates an agent engine. A nil source falls back to crypto/rand.
func New(reg *wares.Registry, cfg *config.Config, pe *pricing.Engine, g *guard.Guard, tr Adjuster, src entropy.Source) *Engine {
	if src == nil {
		src = entropy.Crypto{}
	}
	return &Engine{
		Registry: reg,
		Config:   cfg,
		Pricing:  pe,
		Guard:    g,
		Trader:   tr,
		Rand:     src,
		agents:   make(map[string]*Agent),
	}
}

// Add registers or replaces an agent. Registered agents are never mutated in
// place, so ticks may read them without e.mu.
func (e *Engine) Add(a *Agent) {
	e.mu.Lock()
	e.agents[a.ID] = a
	e.mu.Unlock()
}

// Remove drops an agent and reports whether it existed.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.agents[id]
	delete(e.agents, id)
	return ok
}

// Get returns an agent by ID.
func (e *Engine) Get(id string) (*Agent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[id]
	return a, ok
}

// List returns every agent sorted by ID.
func (e *Engine) List() []*Agent {
	e.mu.Lock()
	out := make([]*Agent, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, a)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetDecisionsPerTick changes how many trades an agent makes per tick.
func (e *Engine) SetDecisionsPerTick(id string, k int) error {
	if k < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidDecisions, k)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.agents[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	// Replace rather than mutate: a running tick may still hold the old agent.
	next := *a
	next.DecisionsPerTick = k
	e.agents[id] = &next
	return nil
}

func (e *Engine) decisions(a *Agent) int {
	if a.DecisionsPerTick > 0 {
		return a.DecisionsPerTick
	}
	return max(e.Config.Agents.DecisionsPerTick, 1)
}

func (e *Engine) randomness() float64 {
	amp := e.Config.Agents.Randomness
	if amp <= 0 {
		return 0
	}
	return e.Rand.Float() * amp
}

// eligible returns the ware if an agent may trade it right now.
func (e *Engine) eligible(id string) (*wares.Ware, bool) {
	w, ok := e.Registry.Get(id)
	if !ok || w.Unresolved() || !w.Kind.Tradeable() {
		return nil, false
	}
	return w, true
}

// Decide scores an agent's candidates and returns exactly k decisions when at
// least one candidate exists, cycling through them if there are fewer than k.
// Callers hold the guard at least shared.
func (e *Engine) Decide(a *Agent) []Decision {
	k := e.decisions(a)
	top := newTopK(k)

	for _, id := range a.Purchasable {
		w, ok := e.eligible(id)
		if !ok || w.Quantity <= 0 {
			continue
		}
		cur := math.Max(e.Pricing.Price(w, 1, pricing.CurrentBuy), priceEpsilon)
		eq := math.Max(e.Pricing.Price(w, 1, pricing.EquilibriumBuy), priceEpsilon)
		top.offer(Decision{
			Ware:         w.ID,
			Buying:       true,
			Desirability: (eq/cur + e.randomness()) * a.preference(w.ID),
		})
	}
	for _, id := range a.Sellable {
		w, ok := e.eligible(id)
		if !ok {
			continue
		}
		cur := math.Max(e.Pricing.Price(w, 1, pricing.CurrentSell), priceEpsilon)
		eq := math.Max(e.Pricing.Price(w, 1, pricing.EquilibriumSell), priceEpsilon)
		top.offer(Decision{
			Ware:         w.ID,
			Buying:       false,
			Desirability: (cur/eq + e.randomness()) * a.preference(w.ID),
		})
	}

	ranked := top.drain()
	if len(ranked) == 0 {
		return nil
	}
	out := make([]Decision, k)
	for i := range out {
		out[i] = ranked[i%len(ranked)]
	}
	return out
}

// RunTradingTick lets every agent decide against a shared view of the market,
// then applies the tallied stock changes in one exclusive section.
func (e *Engine) RunTradingTick() TickResult {
	agents := e.List()
	quantities := e.Config.TradeQuantities()
	pending := make(map[string]int)
	res := TickResult{Agents: len(agents)}

	e.Guard.View(func() {
		for _, a := range agents {
			for _, d := range e.Decide(a) {
				w, ok := e.Registry.Get(d.Ware)
				if !ok {
					continue
				}
				qty := quantities[config.ClampLevel(w.Level)]
				if d.Buying {
					pending[d.Ware] -= qty
				} else {
					pending[d.Ware] += qty
				}
				res.Decisions++
			}
		}
	})

	res.Pending = pending
	if e.Trader != nil && len(pending) > 0 {
		res.Receipts = e.Trader.Adjust(Actor, pending)
	}
	slog.Debug("agent trading tick", "agents", res.Agents, "decisions", res.Decisions, "trades", len(res.Receipts))
	return res
}
