// Package manufacture derives composite ware prices from their components,
// computes the linked-price multiplier and crafts missing stock on demand.
package manufacture

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/guard"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/wares"
)

// Resolver owns composite-ware resolution for one market.
type Resolver struct {
	reg     *wares.Registry
	cfg     *config.Config
	pricing *pricing.Engine
	guard   *guard.Guard

	mu    sync.Mutex // protects links; readers share the guard
	links map[string]linkEntry
}

// New creates a resolver and installs it as the pricing engine's linker.
func New(reg *wares.Registry, cfg *config.Config, pe *pricing.Engine, g *guard.Guard) *Resolver {
	r := &Resolver{
		reg:     reg,
		cfg:     cfg,
		pricing: pe,
		guard:   g,
		links:   make(map[string]linkEntry),
	}
	pe.Linker = r
	return r
}

// resolveCtx carries cycle and depth tracking through one resolution call.
type resolveCtx struct {
	visiting map[string]bool
	maxDepth int
}

// ResolveAll prices every unresolved ware in the registry. Resolution runs in
// passes until a pass makes no progress or MaxResolveDepth passes have run;
// wares still unresolved are quarantined with the last failure. Callers hold
// the guard exclusively.
func (r *Resolver) ResolveAll() []wares.Quarantined {
	failures := make(map[string]error)
	for pass := 1; pass <= r.maxDepth(); pass++ {
		progress := false
		clear(failures)
		for _, w := range r.reg.List() {
			if !w.Unresolved() {
				continue
			}
			ctx := &resolveCtx{visiting: make(map[string]bool), maxDepth: r.maxDepth()}
			if err := r.resolve(w, ctx, 0); err != nil {
				failures[w.ID] = err
				continue
			}
			progress = true
		}
		if len(failures) == 0 || !progress {
			break
		}
		slog.Debug("resolution pass incomplete", "pass", pass, "unresolved", len(failures))
	}

	var out []wares.Quarantined
	for _, w := range r.reg.List() {
		if !w.Unresolved() {
			continue
		}
		reason := failures[w.ID]
		if reason == nil {
			reason = wares.ErrInvalidPrice
		}
		slog.Warn("ware quarantined", "ware", w.ID, "reason", reason)
		r.reg.Quarantine(w.ID, reason)
		out = append(out, wares.Quarantined{Ware: w, Reason: reason})
	}
	r.reg.RefreshStats()
	r.Invalidate()
	return out
}

// Relink forgets every derived price and resolves again, giving quarantined
// wares another chance. Callers hold the guard exclusively.
func (r *Resolver) Relink() []wares.Quarantined {
	for _, w := range r.reg.TakeQuarantined() {
		if err := r.reg.Add(w); err != nil {
			slog.Warn("quarantined ware not restored", "ware", w.ID, "error", err)
		}
	}
	for _, w := range r.reg.List() {
		if w.HasRecipe() {
			w.PriceBase = math.NaN()
			w.Touch()
		}
	}
	return r.ResolveAll()
}

func (r *Resolver) resolve(w *wares.Ware, ctx *resolveCtx, depth int) error {
	if !w.Unresolved() {
		return nil
	}
	if !w.HasRecipe() {
		return fmt.Errorf("%w: %q has no price and no components", wares.ErrInvalidPrice, w.ID)
	}
	if depth > ctx.maxDepth {
		return fmt.Errorf("%w: %q deeper than %d", wares.ErrDepthExceeded, w.ID, ctx.maxDepth)
	}
	if ctx.visiting[w.ID] {
		return fmt.Errorf("%w: through %q", wares.ErrComponentCycle, w.ID)
	}
	ctx.visiting[w.ID] = true
	defer delete(ctx.visiting, w.ID)

	sum := 0.0
	for _, id := range w.Components {
		c, ok := r.reg.Get(id)
		if !ok {
			return fmt.Errorf("%w: %q needs %q", wares.ErrMissingComponent, w.ID, id)
		}
		if err := r.resolve(c, ctx, depth+1); err != nil {
			return fmt.Errorf("%q: %w", w.ID, err)
		}
		sum += c.PriceBase
	}
	yield := w.Yield
	if yield < 1 {
		yield = 1
	}
	w.PriceBase = sum / float64(yield) * r.kindMultiplier(w.Kind)
	w.Touch()
	return nil
}

func (r *Resolver) kindMultiplier(k wares.Kind) float64 {
	switch k {
	case wares.KindProcessed:
		return r.cfg.ProcessedMultiplier
	case wares.KindCrafted:
		return r.cfg.CraftedMultiplier
	default:
		return 1
	}
}

func (r *Resolver) maxDepth() int {
	if r.cfg.MaxResolveDepth < 1 {
		return 1
	}
	return r.cfg.MaxResolveDepth
}
