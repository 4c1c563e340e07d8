package steward

import (
	"fmt"
	"log/slog"
	"time"
)

// RunCycle executes one observe, decide and act cycle and records it.
func RunCycle(o *Observer, a *Actor, mem *CycleMemory) (Decision, error) {
	snap, err := o.Observe()
	if err != nil {
		return Decision{}, fmt.Errorf("observe: %w", err)
	}
	h := Triage(snap)
	slog.Info("observation complete",
		"wares", snap.Status.Market.Wares,
		"quarantined", h.Quarantined,
		"imbalance", fmt.Sprintf("%.2f", h.Imbalance),
		"level", h.Level,
	)

	d := Decide(h, mem)
	slog.Info("decision made", "action", d.Action, "rationale", d.Rationale)

	if err := a.Act(d); err != nil {
		return d, fmt.Errorf("act %s: %w", d.Action, err)
	}

	mem.Record(CycleRecord{
		Time:        time.Now().UTC(),
		Action:      d.Action,
		Level:       h.Level,
		Imbalance:   h.Imbalance,
		Quarantined: h.Quarantined,
		Rationale:   d.Rationale,
	})
	mem.Save()
	return d, nil
}
