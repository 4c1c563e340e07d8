package manufacture

import (
	"math"

	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/wares"
)

// linkEntry is a cached linked-price multiplier. It stays valid while the
// ware and every component keep the revisions seen when it was computed, and
// every composite component's own entry is still valid.
type linkEntry struct {
	value float64
	self  uint64
	deps  map[string]uint64
}

// LinkedMultiplier returns k×(current component cost / equilibrium component
// cost) + (1−k) for composite wares and 1 for everything else.
func (r *Resolver) LinkedMultiplier(w *wares.Ware) float64 {
	k := r.cfg.LinkedPriceStrength
	if k == 0 || !w.Kind.Composite() || !w.HasRecipe() {
		return 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linked(w, make(map[string]bool), 0)
}

// Invalidate drops every cached multiplier.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	clear(r.links)
	r.mu.Unlock()
}

// Forget drops the cached multipliers of id and of every ware built from it,
// directly or through other composites.
func (r *Resolver) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forget(id, make(map[string]bool))
}

func (r *Resolver) forget(id string, seen map[string]bool) {
	if seen[id] {
		return
	}
	seen[id] = true
	delete(r.links, id)
	for _, d := range r.reg.Dependents(id) {
		r.forget(d.ID, seen)
	}
}

func (r *Resolver) linked(w *wares.Ware, visiting map[string]bool, depth int) float64 {
	if e, ok := r.links[w.ID]; ok && r.valid(w, e, make(map[string]bool), 0) {
		return e.value
	}
	if visiting[w.ID] || depth > r.maxDepth() {
		return 1
	}
	visiting[w.ID] = true
	defer delete(visiting, w.ID)

	entry := linkEntry{value: 1, self: w.Revision(), deps: make(map[string]uint64, len(w.Components))}
	current, equilibrium := 0.0, 0.0
	for _, id := range w.Components {
		c, ok := r.reg.Get(id)
		if !ok || c.Unresolved() {
			continue
		}
		m := 1.0
		if c.Kind.Composite() && c.HasRecipe() {
			m = r.linked(c, visiting, depth+1)
		}
		entry.deps[id] = c.Revision()
		current += r.pricing.PriceLinked(c, 1, pricing.CurrentBuy, m)
		equilibrium += r.pricing.PriceLinked(c, 1, pricing.EquilibriumBuy, m)
	}
	if equilibrium > 0 && !math.IsNaN(current) {
		k := r.cfg.LinkedPriceStrength
		entry.value = k*(current/equilibrium) + (1 - k)
	}
	r.links[w.ID] = entry
	return entry.value
}

// valid checks an entry and, transitively, the entries of its composite
// components.
func (r *Resolver) valid(w *wares.Ware, e linkEntry, seen map[string]bool, depth int) bool {
	if e.self != w.Revision() || depth > r.maxDepth() {
		return false
	}
	if seen[w.ID] {
		return true
	}
	seen[w.ID] = true
	for id, rev := range e.deps {
		c, ok := r.reg.Get(id)
		if !ok || c.Revision() != rev {
			return false
		}
		if c.Kind.Composite() && c.HasRecipe() {
			ce, ok := r.links[id]
			if !ok || !r.valid(c, ce, seen, depth+1) {
				return false
			}
		}
	}
	return true
}
