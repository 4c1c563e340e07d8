package wares

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDuplicateWare  = errors.New("duplicate ware id")
	ErrDuplicateAlias = errors.New("duplicate ware alias")
	ErrUnknownWare    = errors.New("unknown ware")

	// Resolution failures. A ware failing with any of these is quarantined.
	ErrMissingComponent = errors.New("missing component")
	ErrComponentCycle   = errors.New("component cycle")
	ErrDepthExceeded    = errors.New("component depth exceeded")
	ErrInvalidPrice     = errors.New("invalid price")
)

// Quarantined is a ware excluded from the active registry, kept for
// diagnostics together with the reason it was pulled.
type Quarantined struct {
	Ware   *Ware
	Reason error
}

// Registry owns every ware of a market. Other components keep ware IDs and
// resolve them here, so a reload never leaves dangling pointers.
//
// Registry is not safe for concurrent use; callers hold the market guard.
type Registry struct {
	wares      map[string]*Ware
	aliases    map[string]string // lowercase alias → ID
	quarantine map[string]Quarantined

	avgDirty bool
	avgBase  float64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		wares:      make(map[string]*Ware),
		aliases:    make(map[string]string),
		quarantine: make(map[string]Quarantined),
		avgDirty:   true,
	}
}

// Add inserts a ware into the active set.
func (r *Registry) Add(w *Ware) error {
	if _, ok := r.wares[w.ID]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateWare, w.ID)
	}
	if w.Alias != "" {
		key := strings.ToLower(w.Alias)
		if owner, ok := r.aliases[key]; ok && owner != w.ID {
			return fmt.Errorf("%w: %q already names %q", ErrDuplicateAlias, w.Alias, owner)
		}
		if _, clash := r.wares[key]; clash {
			return fmt.Errorf("%w: %q is another ware's id", ErrDuplicateAlias, w.Alias)
		}
		r.aliases[key] = w.ID
	}
	r.wares[w.ID] = w
	delete(r.quarantine, w.ID)
	r.avgDirty = true
	return nil
}

// Remove drops a ware from the active set and its alias table entry.
func (r *Registry) Remove(id string) *Ware {
	w, ok := r.wares[id]
	if !ok {
		return nil
	}
	delete(r.wares, id)
	if w.Alias != "" {
		delete(r.aliases, strings.ToLower(w.Alias))
	}
	r.avgDirty = true
	return w
}

// Get returns the active ware with the given ID.
func (r *Registry) Get(id string) (*Ware, bool) {
	w, ok := r.wares[id]
	return w, ok
}

// Lookup resolves a user-supplied reference: exact ID first, then alias
// (case-insensitive), then case-insensitive ID.
func (r *Registry) Lookup(ref string) (*Ware, bool) {
	if w, ok := r.wares[ref]; ok {
		return w, true
	}
	key := strings.ToLower(ref)
	if id, ok := r.aliases[key]; ok {
		return r.wares[id], true
	}
	if w, ok := r.wares[key]; ok {
		return w, true
	}
	return nil, false
}

// Quarantine moves an active ware out of the registry, recording why.
// Unknown IDs are ignored.
func (r *Registry) Quarantine(id string, reason error) {
	w := r.Remove(id)
	if w == nil {
		return
	}
	r.quarantine[id] = Quarantined{Ware: w, Reason: reason}
}

// Quarantined returns the excluded wares sorted by ID.
func (r *Registry) Quarantined() []Quarantined {
	out := make([]Quarantined, 0, len(r.quarantine))
	for _, q := range r.quarantine {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ware.ID < out[j].Ware.ID })
	return out
}

// TakeQuarantined empties the quarantine and returns its wares so a reload can
// try them again.
func (r *Registry) TakeQuarantined() []*Ware {
	out := make([]*Ware, 0, len(r.quarantine))
	for id, q := range r.quarantine {
		out = append(out, q.Ware)
		delete(r.quarantine, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns the active wares sorted by ID.
func (r *Registry) List() []*Ware {
	out := make([]*Ware, 0, len(r.wares))
	for _, w := range r.wares {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of active wares.
func (r *Registry) Len() int {
	return len(r.wares)
}

// RefreshStats recomputes cached aggregate statistics. Call it with the guard
// held exclusively after a bulk change.
func (r *Registry) RefreshStats() {
	r.avgBase = r.averageBase()
	r.avgDirty = false
}

// AverageBasePrice returns the mean resolved base price over tradeable wares.
// Unresolved (NaN) wares are excluded. Safe under a shared guard: a stale
// cache is recomputed without being stored.
func (r *Registry) AverageBasePrice() float64 {
	if !r.avgDirty {
		return r.avgBase
	}
	return r.averageBase()
}

func (r *Registry) averageBase() float64 {
	sum, n := 0.0, 0
	for _, w := range r.wares {
		if !w.Kind.Tradeable() || w.Unresolved() {
			continue
		}
		sum += w.PriceBase
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Dependents returns the active wares that list id as a component, directly.
func (r *Registry) Dependents(id string) []*Ware {
	var out []*Ware
	for _, w := range r.wares {
		for _, c := range w.Components {
			if c == id {
				out = append(out, w)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
