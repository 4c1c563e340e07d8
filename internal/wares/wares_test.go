package wares

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/config"
)

func TestRegistryLookupByAlias(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(&Ware{ID: "iron_ingot", Alias: "Iron", PriceBase: 10}))

	w, ok := r.Lookup("iron")
	require.True(t, ok)
	assert.Equal(t, "iron_ingot", w.ID)

	_, ok = r.Lookup("IRON_INGOT")
	assert.True(t, ok, "ids match case-insensitively")

	_, ok = r.Lookup("gold")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(&Ware{ID: "a", Alias: "alpha"}))

	err := r.Add(&Ware{ID: "a"})
	assert.True(t, errors.Is(err, ErrDuplicateWare))

	err = r.Add(&Ware{ID: "b", Alias: "ALPHA"})
	assert.True(t, errors.Is(err, ErrDuplicateAlias))

	err = r.Add(&Ware{ID: "c", Alias: "a"})
	assert.True(t, errors.Is(err, ErrDuplicateAlias))
}

func TestRegistryQuarantine(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(&Ware{ID: "gear", Alias: "cog", PriceBase: math.NaN()}))

	reason := errors.New("missing component")
	r.Quarantine("gear", reason)

	_, ok := r.Get("gear")
	assert.False(t, ok)
	_, ok = r.Lookup("cog")
	assert.False(t, ok, "alias leaves with the ware")

	q := r.Quarantined()
	require.Len(t, q, 1)
	assert.Equal(t, "gear", q[0].Ware.ID)
	assert.Equal(t, reason, q[0].Reason)

	back := r.TakeQuarantined()
	require.Len(t, back, 1)
	assert.Empty(t, r.Quarantined())
}

func TestAverageBasePriceExcludesNaN(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add(&Ware{ID: "a", PriceBase: 4}))
	require.NoError(t, r.Add(&Ware{ID: "b", PriceBase: 6}))
	require.NoError(t, r.Add(&Ware{ID: "c", PriceBase: math.NaN()}))
	require.NoError(t, r.Add(&Ware{ID: "d", Kind: KindUntradeable, PriceBase: 100}))

	assert.InDelta(t, 5.0, r.AverageBasePrice(), 1e-9)
	r.RefreshStats()
	assert.InDelta(t, 5.0, r.AverageBasePrice(), 1e-9)
}

func TestWareStockClamps(t *testing.T) {
	w := &Ware{ID: "x", Quantity: 5}
	assert.Equal(t, 5, w.RemoveStock(9))
	assert.Equal(t, 0, w.Quantity)

	w.AddStock(-3)
	assert.Equal(t, 0, w.Quantity)

	w.SetLevel(9)
	assert.Equal(t, 5, w.Level)
	w.SetLevel(-1)
	assert.Equal(t, 0, w.Level)

	u := &Ware{ID: "u", Kind: KindUntradeable}
	assert.Equal(t, 7, u.RemoveStock(7))
	assert.Equal(t, 0, u.Quantity)
	assert.Greater(t, u.Available(), 1_000_000)
	u.SetLevel(3)
	assert.Equal(t, 0, u.Level)
}

func TestWareRevisionAdvances(t *testing.T) {
	w := &Ware{ID: "x"}
	before := w.Revision()
	w.AddStock(1)
	assert.Greater(t, w.Revision(), before)
}

func TestComponentCounts(t *testing.T) {
	w := &Ware{Components: []string{"b", "a", "b"}}
	counts, order := w.ComponentCounts()
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, counts)
	assert.Equal(t, []string{"b", "a"}, order)
}

const sampleDefs = `[
  {"type": "material", "id": "iron_ingot", "alias": "iron", "price": 10, "level": 2},
  {"type": "crafted", "id": "gear", "yield": 2, "components": [{"id": "iron_ingot", "count": 3}]},
  {"type": "untradeable", "id": "labor", "price": 1, "level": 4},
  {"type": "linked", "id": "voucher", "price": 5, "link_rule": "exchange_rate"},
  {"type": "gadget", "id": "bad"},
  {"type": "material", "id": "neg", "price": -1},
  {"type": "material"}
]`

func TestDecodeDefinitionsSkipsInvalidEntries(t *testing.T) {
	defs, problems := DecodeDefinitions(strings.NewReader(sampleDefs))
	require.Len(t, defs, 4)
	assert.Len(t, problems, 3)
	for _, p := range problems {
		assert.True(t, errors.Is(p, ErrInvalidDefinition))
	}
}

func TestDecodeDefinitionsRejectsNonArray(t *testing.T) {
	defs, problems := DecodeDefinitions(strings.NewReader(`{"type": "material"}`))
	assert.Nil(t, defs)
	require.Len(t, problems, 1)
}

func TestBuildVariants(t *testing.T) {
	cfg := config.Default()
	defs, _ := DecodeDefinitions(strings.NewReader(sampleDefs))

	built := map[string]*Ware{}
	for _, d := range defs {
		w, err := Build(d, &cfg)
		require.NoError(t, err)
		built[w.ID] = w
	}

	iron := built["iron_ingot"]
	assert.Equal(t, KindMaterial, iron.Kind)
	assert.Equal(t, 10.0, iron.PriceBase)
	assert.Equal(t, cfg.StartingQuantity[2], iron.Quantity)

	gear := built["gear"]
	assert.True(t, gear.Unresolved())
	assert.Equal(t, []string{"iron_ingot", "iron_ingot", "iron_ingot"}, gear.Components)
	assert.Equal(t, 2, gear.Yield)

	labor := built["labor"]
	assert.Equal(t, 0, labor.Level, "untradeable wares sit at level 0")
	assert.Equal(t, 1.0, labor.PriceBase)

	assert.Equal(t, "exchange_rate", built["voucher"].LinkRule)
}

func TestBuildRejectsVariantViolations(t *testing.T) {
	cfg := config.Default()
	_, err := Build(Definition{Type: "crafted", ID: "empty"}, &cfg)
	assert.True(t, errors.Is(err, ErrInvalidDefinition))

	_, err = Build(Definition{Type: "material", ID: "m", Components: []ComponentRef{{ID: "x"}}}, &cfg)
	assert.True(t, errors.Is(err, ErrInvalidDefinition))

	_, err = Build(Definition{Type: "linked", ID: "l"}, &cfg)
	assert.True(t, errors.Is(err, ErrInvalidDefinition))
}

func TestDefinitionRoundTripsRecipe(t *testing.T) {
	cfg := config.Default()
	w, err := Build(Definition{
		Type: "processed", ID: "steel", Yield: 1,
		Components: []ComponentRef{{ID: "iron_ingot", Count: 2}, {ID: "coal"}},
	}, &cfg)
	require.NoError(t, err)

	raw, err := json.Marshal([]Definition{w.Definition()})
	require.NoError(t, err)

	defs, problems := DecodeDefinitions(bytes.NewReader(raw))
	require.Empty(t, problems)
	require.Len(t, defs, 1)
	assert.Equal(t, []ComponentRef{{ID: "iron_ingot", Count: 2}, {ID: "coal", Count: 1}}, defs[0].Components)
}
