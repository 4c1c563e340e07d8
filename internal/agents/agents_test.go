package agents

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mini-market/internal/config"
	"github.com/talgya/mini-market/internal/entropy"
	"github.com/talgya/mini-market/internal/guard"
	"github.com/talgya/mini-market/internal/pricing"
	"github.com/talgya/mini-market/internal/trade"
	"github.com/talgya/mini-market/internal/wares"
)

type recorder struct {
	actor string
	calls []map[string]int
}

func (r *recorder) Adjust(actor string, pending map[string]int) []trade.Receipt {
	r.actor = actor
	cp := make(map[string]int, len(pending))
	for k, v := range pending {
		cp[k] = v
	}
	r.calls = append(r.calls, cp)
	return nil
}

func newEngine(t *testing.T, mutate func(*config.Config), ws ...*wares.Ware) (*Engine, *recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Agents.Randomness = 0
	if mutate != nil {
		mutate(&cfg)
	}
	reg := wares.NewRegistry()
	for _, w := range ws {
		require.NoError(t, reg.Add(w))
	}
	rec := &recorder{}
	e := New(reg, &cfg, pricing.New(reg, &cfg), guard.New(), rec, entropy.NewSeeded(7))
	return e, rec
}

func material(id string, qty int) *wares.Ware {
	return &wares.Ware{ID: id, Kind: wares.KindMaterial, BasePrice: 10, PriceBase: 10, Level: 2, Quantity: qty, Yield: 1}
}

func TestPreferredPurchaseWins(t *testing.T) {
	e, rec := newEngine(t, nil, material("ore", 5120), material("pelt", 5120))
	e.Add(&Agent{
		ID:          "trapper",
		Purchasable: []string{"ore"},
		Sellable:    []string{"pelt"},
		Preference:  map[string]float64{"ore": 1.2, "pelt": 0.8},
	})

	ds := e.Decide(mustGet(t, e, "trapper"))
	require.Len(t, ds, 1)
	assert.Equal(t, "ore", ds[0].Ware)
	assert.True(t, ds[0].Buying)
	assert.InDelta(t, 1.2, ds[0].Desirability, 1e-9)

	res := e.RunTradingTick()
	assert.Equal(t, 1, res.Decisions)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, Actor, rec.actor)
	assert.Equal(t, map[string]int{"ore": -51}, rec.calls[0], "1% of equilibrium 5120")
}

func TestCheapStockAttractsBuyers(t *testing.T) {
	e, _ := newEngine(t, nil, material("ore", 10000), material("pelt", 5120))
	e.Add(&Agent{ID: "a", Purchasable: []string{"ore"}, Sellable: []string{"pelt"}})

	ds := e.Decide(mustGet(t, e, "a"))
	require.Len(t, ds, 1)
	assert.Equal(t, "ore", ds[0].Ware)
	assert.Greater(t, ds[0].Desirability, 1.0)
}

func TestDecisionBoundCycles(t *testing.T) {
	e, rec := newEngine(t, nil, material("ore", 5120), material("pelt", 5120))
	e.Add(&Agent{
		ID:               "busy",
		Purchasable:      []string{"ore"},
		Sellable:         []string{"pelt"},
		Preference:       map[string]float64{"ore": 2, "pelt": 1},
		DecisionsPerTick: 5,
	})

	ds := e.Decide(mustGet(t, e, "busy"))
	require.Len(t, ds, 5)
	order := make([]string, len(ds))
	for i, d := range ds {
		order[i] = d.Ware
	}
	assert.Equal(t, []string{"ore", "pelt", "ore", "pelt", "ore"}, order)

	res := e.RunTradingTick()
	assert.Equal(t, 5, res.Decisions)
	assert.Equal(t, map[string]int{"ore": -153, "pelt": 102}, rec.calls[0])
}

func TestHeapKeepsBest(t *testing.T) {
	ws := []*wares.Ware{material("a", 5120), material("b", 5120), material("c", 5120), material("d", 5120)}
	e, _ := newEngine(t, nil, ws...)
	e.Add(&Agent{
		ID:               "picky",
		Purchasable:      []string{"a", "b", "c", "d"},
		Preference:       map[string]float64{"a": 0.5, "b": 3, "c": 1, "d": 2},
		DecisionsPerTick: 2,
	})

	ds := e.Decide(mustGet(t, e, "picky"))
	require.Len(t, ds, 2)
	assert.Equal(t, "b", ds[0].Ware)
	assert.Equal(t, "d", ds[1].Ware)
}

func TestIneligibleWaresSkipped(t *testing.T) {
	coal := &wares.Ware{ID: "coal", Kind: wares.KindUntradeable, BasePrice: 1, PriceBase: 1, Yield: 1}
	e, rec := newEngine(t, nil, material("empty", 0), coal)
	e.Add(&Agent{ID: "idle", Purchasable: []string{"empty", "missing", "coal"}, Sellable: []string{"coal"}})

	assert.Empty(t, e.Decide(mustGet(t, e, "idle")))
	res := e.RunTradingTick()
	assert.Zero(t, res.Decisions)
	assert.Empty(t, rec.calls, "nothing pending means no critical section")
}

func TestRandomnessBounded(t *testing.T) {
	e, _ := newEngine(t, func(c *config.Config) { c.Agents.Randomness = 0.5 }, material("ore", 5120))
	e.Add(&Agent{ID: "a", Purchasable: []string{"ore"}})
	for i := 0; i < 50; i++ {
		d := e.Decide(mustGet(t, e, "a"))[0]
		assert.GreaterOrEqual(t, d.Desirability, 1.0)
		assert.Less(t, d.Desirability, 1.5)
	}
}

func TestSetDecisionsPerTick(t *testing.T) {
	e, _ := newEngine(t, nil)
	e.Add(&Agent{ID: "a"})

	require.NoError(t, e.SetDecisionsPerTick("a", 3))
	assert.Equal(t, 3, mustGet(t, e, "a").DecisionsPerTick)
	assert.ErrorIs(t, e.SetDecisionsPerTick("a", 0), ErrInvalidDecisions)
	assert.ErrorIs(t, e.SetDecisionsPerTick("ghost", 2), ErrUnknownAgent)
}

func TestReconfigureDuringTicks(t *testing.T) {
	e, _ := newEngine(t, nil, material("ore", 5120))
	e.Add(&Agent{ID: "a", Purchasable: []string{"ore"}})
	held := mustGet(t, e, "a")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			e.RunTradingTick()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			assert.NoError(t, e.SetDecisionsPerTick("a", 1+i%4))
		}
	}()
	wg.Wait()

	assert.Equal(t, 4, mustGet(t, e, "a").DecisionsPerTick)
	assert.Zero(t, held.DecisionsPerTick, "agents are replaced, never changed in place")
}

func TestDecodeDefinitions(t *testing.T) {
	src := `
- id: smith
  name: Village Smith
  buys: [iron_ingot, coal]
  sells: [gear]
  preference: {gear: 1.5}
  decisions_per_tick: 2
- id: ""
  buys: [coal]
- id: hermit
- id: smith
  buys: [coal]
`
	list, problems := DecodeDefinitions(strings.NewReader(src))
	require.Len(t, list, 1)
	assert.Len(t, problems, 3)

	a := list[0]
	assert.Equal(t, "Village Smith", a.Name)
	assert.Equal(t, []string{"iron_ingot", "coal"}, a.Purchasable)
	assert.Equal(t, 1.5, a.preference("gear"))
	assert.Equal(t, 1.0, a.preference("coal"))
	assert.Equal(t, 2, a.DecisionsPerTick)
}

func mustGet(t *testing.T, e *Engine, id string) *Agent {
	t.Helper()
	a, ok := e.Get(id)
	require.True(t, ok)
	return a
}
