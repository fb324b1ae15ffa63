// Package reducer is the single-writer state engine: the only component
// that produces GlobalState rows. It consumes the ordered log in
// batches, folds events through a deterministic pure function, persists
// exactly one new row per batch, and notifies the update channel.
package reducer

import (
	"sort"

	"github.com/thebutton/backend/internal/core"
	"github.com/thebutton/backend/internal/rules"
)

// ApplyEvent folds one press event into the state. Pure and
// deterministic: identical (prev, event, rules) always yield the same
// result. Note the fold is not idempotent — counter increments every
// application — so a batch refolded after a crash between persist and
// offset commit double-counts. That is the documented at-least-once
// trade-off; do not silently change it.
func ApplyEvent(prev core.GlobalState, event core.PressEvent, rc core.RulesConfig, rulesHash string) core.GlobalState {
	var dtSec *float64
	if prev.UpdatedAtMS != 0 {
		// Clamp at 1ms so clock drift or an out-of-order source
		// timestamp cannot produce a zero or negative gap.
		dtMS := event.TimestampMS - prev.UpdatedAtMS
		if dtMS < 1 {
			dtMS = 1
		}
		v := float64(dtMS) / 1000.0
		dtSec = &v
	}

	entropy := rules.UpdateEntropy(prev.Entropy, dtSec, rc)
	phase := rules.TransitionPhase(entropy, rc)
	cooldown := rules.ComputeCooldownMS(phase, entropy, rc)
	reveal := rules.ComputeRevealUntilMS(prev.RevealUntilMS, event.TimestampMS, phase, rc)

	return core.GlobalState{
		ID:                prev.ID,
		LastAppliedOffset: event.Offset,
		Counter:           prev.Counter + 1,
		Phase:             phase,
		Entropy:           entropy,
		RevealUntilMS:     reveal,
		CooldownMS:        &cooldown,
		UpdatedAtMS:       event.TimestampMS,
		RulesHash:         rulesHash,
	}
}

// ApplyBatch folds events left-to-right in offset order. Sorting is
// defensive; the broker already delivers in order within the partition.
func ApplyBatch(prev core.GlobalState, events []core.PressEvent, rc core.RulesConfig, rulesHash string) core.GlobalState {
	sorted := make([]core.PressEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	state := prev
	for _, ev := range sorted {
		state = ApplyEvent(state, ev, rc, rulesHash)
	}
	return state
}
