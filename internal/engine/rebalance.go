package engine

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"

	opensimplex "github.com/ojrac/opensimplex-go"
)

// drift produces smooth per-ware noise for the rebalance rate, so stock
// recovers unevenly across wares and ticks instead of in lockstep.
type drift struct {
	noise opensimplex.Noise
	step  uint64
}

func newDrift(seed int64) *drift {
	return &drift{noise: opensimplex.New(seed)}
}

// at returns noise in [-1, 1] for a ware at the current step.
func (d *drift) at(id string) float64 {
	h := fnv.New32a()
	h.Write([]byte(id))
	y := float64(h.Sum32()%10007) * 0.37
	return octaveNoise(d.noise, float64(d.step)*0.05, y, 3, 1.0, 0.5)
}

// octaveNoise layers several frequencies of simplex noise.
func octaveNoise(noise opensimplex.Noise, x, y float64, octaves int, frequency, persistence float64) float64 {
	total := 0.0
	amplitude := 1.0
	maxVal := 0.0

	for i := 0; i < octaves; i++ {
		total += noise.Eval2(x*frequency, y*frequency) * amplitude
		maxVal += amplitude
		amplitude *= persistence
		frequency *= 2
	}

	return total / maxVal
}

// RebalanceReport summarizes one rebalance pass.
type RebalanceReport struct {
	Wares int `json:"wares"` // wares whose stock moved
	Added int `json:"added"` // units restocked below equilibrium
	Taken int `json:"taken"` // units removed above equilibrium
}

// Rebalance moves the stock of every tradeable raw ware part of the way back
// to its level's equilibrium. The guard is held for the whole pass.
func (m *Market) Rebalance() RebalanceReport {
	var rep RebalanceReport
	rate := m.Config.RebalanceRate
	if rate <= 0 {
		return rep
	}

	m.Guard.Do(func() {
		m.drift.step++
		for _, w := range m.Registry.List() {
			if !w.Kind.Tradeable() || w.Kind.Composite() || w.Unresolved() {
				continue
			}
			_, eq, _ := m.Config.Thresholds(w.Level)
			gap := float64(eq - w.Quantity)
			if gap == 0 {
				continue
			}
			f := rate * (1 + m.Config.RebalanceDrift*m.drift.at(w.ID))
			f = math.Min(math.Max(f, 0), 1)
			delta := int(math.Round(gap * f))
			if delta == 0 {
				continue
			}
			w.SetQuantity(w.Quantity + delta)
			rep.Wares++
			if delta > 0 {
				rep.Added += delta
			} else {
				rep.Taken -= delta
			}
		}
	})

	if rep.Wares > 0 {
		slog.Debug("stock rebalanced", "wares", rep.Wares, "added", rep.Added, "taken", rep.Taken)
		m.Bus.Publish(Event{
			Category:    "rebalance",
			Description: fmt.Sprintf("%d wares rebalanced", rep.Wares),
			Data:        rep,
		})
	}
	return rep
}
