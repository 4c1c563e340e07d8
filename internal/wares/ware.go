// Package wares provides the ware data model and the registry that owns every
// ware in a market.
package wares

import (
	"math"

	"github.com/talgya/mini-market/internal/config"
)

// Kind tags a ware's variant. The set is closed.
type Kind uint8

const (
	KindMaterial    Kind = iota // Plain tradeable stock
	KindProcessed               // Composite, priced from components
	KindCrafted                 // Composite, priced from components
	KindUntradeable             // Component-only, unlimited stock
	KindLinked                  // Priced by an external rule
)

var kindNames = [...]string{"material", "processed", "crafted", "untradeable", "linked"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind maps a definition's type discriminator to a Kind.
func ParseKind(s string) (Kind, bool) {
	for i, n := range kindNames {
		if n == s {
			return Kind(i), true
		}
	}
	return 0, false
}

// Composite reports whether the variant derives its base price from components.
func (k Kind) Composite() bool {
	return k == KindProcessed || k == KindCrafted
}

// Tradeable reports whether the variant can be bought or sold directly.
func (k Kind) Tradeable() bool {
	return k != KindUntradeable
}

// Ware is a tradeable (or component-only) commodity.
//
// Fields are mutated only while the market guard is held exclusively.
type Ware struct {
	ID    string
	Alias string
	Kind  Kind

	// BasePrice is the literal configured price. Composite wares ignore it.
	BasePrice float64
	// PriceBase is the resolved unmodified price. NaN while unresolved.
	PriceBase float64

	Quantity int
	Level    int
	Yield    int

	// Components lists component ware IDs; an ID repeated n times means the
	// recipe needs n units of it per iteration.
	Components []string

	// LinkRule names the external pricer for KindLinked wares.
	LinkRule string

	revision uint64
}

// Unresolved reports whether the ware failed price resolution.
func (w *Ware) Unresolved() bool {
	return math.IsNaN(w.PriceBase)
}

// HasRecipe reports whether the ware can be built from components.
func (w *Ware) HasRecipe() bool {
	return len(w.Components) > 0
}

// Revision increments on every state change and lets derived caches detect
// staleness.
func (w *Ware) Revision() uint64 {
	return w.revision
}

// Touch marks the ware as changed.
func (w *Ware) Touch() {
	w.revision++
}

// SetLevel clamps and stores the hierarchy level. Untradeable wares stay at 0.
func (w *Ware) SetLevel(level int) {
	if w.Kind == KindUntradeable {
		level = 0
	}
	w.Level = config.ClampLevel(level)
	w.Touch()
}

// SetQuantity stores the stock, never below zero.
func (w *Ware) SetQuantity(q int) {
	if q < 0 {
		q = 0
	}
	w.Quantity = q
	w.Level = config.ClampLevel(w.Level)
	w.Touch()
}

// AddStock adds n units (n may be negative) and clamps at zero.
func (w *Ware) AddStock(n int) {
	w.SetQuantity(w.Quantity + n)
}

// RemoveStock removes up to n units and returns how many were removed.
// Untradeable wares have unlimited stock and never change.
func (w *Ware) RemoveStock(n int) int {
	if n <= 0 {
		return 0
	}
	if w.Kind == KindUntradeable {
		return n
	}
	if n > w.Quantity {
		n = w.Quantity
	}
	w.SetQuantity(w.Quantity - n)
	return n
}

// Available returns the stock that can be traded right now.
func (w *Ware) Available() int {
	if w.Kind == KindUntradeable {
		return math.MaxInt32
	}
	return w.Quantity
}

// ComponentCounts returns how many units of each distinct component one
// recipe iteration needs, with the distinct IDs in first-seen order.
func (w *Ware) ComponentCounts() (map[string]int, []string) {
	counts := make(map[string]int, len(w.Components))
	var order []string
	for _, id := range w.Components {
		if counts[id] == 0 {
			order = append(order, id)
		}
		counts[id]++
	}
	return counts, order
}

