// Package rules holds the pure phase/entropy math and the
// content-addressed ruleset registry. Everything in logic.go is
// deterministic: same inputs, same outputs, no clocks, no I/O.
package rules

import (
	"math"

	"github.com/thebutton/backend/internal/core"
)

// UpdateEntropy folds one inter-event gap into the entropy EWMA.
// Faster presses push entropy toward 1, long gaps let it decay toward 0.
// dtSec == nil marks the genesis fold and counts as maximum intensity.
func UpdateEntropy(prevEntropy float64, dtSec *float64, rc core.RulesConfig) float64 {
	var intensity float64
	if dtSec == nil {
		intensity = 1.0
	} else {
		// "how many presses per second would this be if repeated?",
		// clamped so a tiny dt cannot blow up to infinity
		rate := math.Min(1.0/math.Max(*dtSec, 1e-3), rc.MaxRateForEntropy)
		intensity = rate / rc.MaxRateForEntropy
	}

	next := (1.0-rc.EntropyAlpha)*prevEntropy + rc.EntropyAlpha*intensity
	return math.Max(0.0, math.Min(1.0, next))
}

// TransitionPhase derives the phase from entropy alone. Entropy can jump
// across several thresholds in one fold, so the previous phase is
// deliberately not an input.
func TransitionPhase(entropy float64, rc core.RulesConfig) core.Phase {
	switch {
	case entropy < rc.CalmThreshold:
		return core.PhaseCalm
	case entropy < rc.HotThreshold:
		return core.PhaseWarm
	case entropy < rc.ChaosThreshold:
		return core.PhaseHot
	default:
		return core.PhaseChaos
	}
}

// ComputeCooldownMS scales the phase's base cooldown by entropy within
// the phase. WARM uses the warm base; HOT and CHAOS both use the chaos
// base.
func ComputeCooldownMS(phase core.Phase, entropy float64, rc core.RulesConfig) int64 {
	var base int64
	switch phase {
	case core.PhaseCalm:
		base = rc.CooldownCalmMS
	case core.PhaseWarm:
		base = rc.CooldownWarmMS
	default:
		base = rc.CooldownChaosMS
	}
	return int64(math.Round(float64(base) * (0.5 + 0.5*entropy)))
}

// ComputeRevealUntilMS extends the reveal window for this event's phase.
// The window only ever extends, never shortens.
func ComputeRevealUntilMS(prevRevealUntilMS, eventTSMS int64, phase core.Phase, rc core.RulesConfig) int64 {
	var duration int64
	switch phase {
	case core.PhaseCalm:
		duration = rc.RevealCalmMS
	case core.PhaseWarm:
		duration = rc.RevealWarmMS
	default:
		duration = rc.RevealChaosMS
	}

	candidate := eventTSMS + duration
	if candidate > prevRevealUntilMS {
		return candidate
	}
	return prevRevealUntilMS
}

// CooldownBaseMS returns the raw base cooldown the sweeper compares the
// state's age against: WARM maps to the warm base, HOT and CHAOS to the
// chaos base.
func CooldownBaseMS(phase core.Phase, rc core.RulesConfig) int64 {
	switch phase {
	case core.PhaseCalm:
		return rc.CooldownCalmMS
	case core.PhaseWarm:
		return rc.CooldownWarmMS
	default:
		return rc.CooldownChaosMS
	}
}
