package steward

// Health holds diagnostic signals derived from a Snapshot.
type Health struct {
	Tradeable   int // wares with a buy price
	Scarce      int // buy price well above base
	Glutted     int // sell price well below base
	Quarantined int
	Imbalance   float64 // (scarce+glutted) / tradeable
	Level       string  // "CRITICAL", "WARNING", "WATCH", "HEALTHY"
}

// Price ratios marking a ware as far from equilibrium.
const (
	scarceRatio = 1.5
	glutRatio   = 0.6
)

// Triage computes a Health from the snapshot's data.
func Triage(snap *Snapshot) *Health {
	h := &Health{Quarantined: len(snap.Quarantine)}

	for _, w := range snap.Wares {
		if w.Buy <= 0 || w.PriceBase <= 0 {
			continue
		}
		h.Tradeable++
		switch {
		case w.Buy > w.PriceBase*scarceRatio:
			h.Scarce++
		case w.Sell < w.PriceBase*glutRatio:
			h.Glutted++
		}
	}
	if h.Tradeable > 0 {
		h.Imbalance = float64(h.Scarce+h.Glutted) / float64(h.Tradeable)
	}

	h.Level = "HEALTHY"
	switch {
	case h.Imbalance > 0.5:
		h.Level = "CRITICAL"
	case h.Imbalance > 0.25:
		h.Level = "WARNING"
	case h.Imbalance > 0 || h.Quarantined > 0:
		h.Level = "WATCH"
	}
	return h
}
