package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Phase classifies the button's excitement level. It is derived purely
// from entropy thresholds, never carried over from the previous phase.
type Phase int

const (
	PhaseCalm Phase = iota
	PhaseWarm
	PhaseHot
	PhaseChaos
)

func (p Phase) String() string {
	switch p {
	case PhaseCalm:
		return "CALM"
	case PhaseWarm:
		return "WARM"
	case PhaseHot:
		return "HOT"
	case PhaseChaos:
		return "CHAOS"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// GlobalState is one row of the append-only state log. Rows are immutable
// once written; the highest ID is the authoritative current state.
type GlobalState struct {
	ID                int64     `json:"id"`
	LastAppliedOffset int64     `json:"last_applied_offset"`
	Counter           int64     `json:"counter"`
	Phase             Phase     `json:"phase"`
	Entropy           float64   `json:"entropy"`
	RevealUntilMS     int64     `json:"reveal_until_ms"`
	CooldownMS        *int64    `json:"cooldown_ms"`
	UpdatedAtMS       int64     `json:"updated_at_ms"`
	RulesHash         string    `json:"rules_hash"`
	CreatedAt         time.Time `json:"created_at"`
}

// NewState is a GlobalState before the store assigns id and created_at.
type NewState struct {
	LastAppliedOffset int64
	Counter           int64
	Phase             Phase
	Entropy           float64
	RevealUntilMS     int64
	CooldownMS        *int64
	UpdatedAtMS       int64
	RulesHash         string
}

// Genesis is the pre-first-event state. UpdatedAtMS == 0 marks it; the
// reducer treats the first fold against it as an infinitely fast press.
func Genesis(rulesHash string) GlobalState {
	return GlobalState{
		ID:        0,
		Phase:     PhaseCalm,
		RulesHash: rulesHash,
	}
}

// PressEvent is a single log entry after the broker assigned its offset.
// Ordering by Offset is total; TimestampMS is the wall clock stamped by
// ingress (or the sweeper) and may be out of order under clock drift.
type PressEvent struct {
	Offset      int64
	TimestampMS int64
	RequestID   string
}

// RulesConfig is a frozen, content-addressed rule configuration. New
// versions are appended to the registry under a new hash; existing rows
// are never modified.
type RulesConfig struct {
	EntropyAlpha      float64 `json:"entropy_alpha" yaml:"entropy_alpha"`
	MaxRateForEntropy float64 `json:"max_rate_for_entropy" yaml:"max_rate_for_entropy"`

	CalmThreshold  float64 `json:"calm_threshold" yaml:"calm_threshold"`
	HotThreshold   float64 `json:"hot_threshold" yaml:"hot_threshold"`
	ChaosThreshold float64 `json:"chaos_threshold" yaml:"chaos_threshold"`

	CooldownCalmMS  int64 `json:"cooldown_calm_ms" yaml:"cooldown_calm_ms"`
	CooldownWarmMS  int64 `json:"cooldown_warm_ms" yaml:"cooldown_warm_ms"`
	CooldownChaosMS int64 `json:"cooldown_chaos_ms" yaml:"cooldown_chaos_ms"`

	RevealCalmMS  int64 `json:"reveal_calm_ms" yaml:"reveal_calm_ms"`
	RevealWarmMS  int64 `json:"reveal_warm_ms" yaml:"reveal_warm_ms"`
	RevealChaosMS int64 `json:"reveal_chaos_ms" yaml:"reveal_chaos_ms"`
}

// DefaultRules are the shipped defaults: alpha 0.2 means a single press
// from genesis lands at entropy 0.2, below the calm threshold.
func DefaultRules() RulesConfig {
	return RulesConfig{
		EntropyAlpha:      0.2,
		MaxRateForEntropy: 10.0,
		CalmThreshold:     0.3,
		HotThreshold:      0.6,
		ChaosThreshold:    0.85,
		CooldownCalmMS:    5000,
		CooldownWarmMS:    15000,
		CooldownChaosMS:   30000,
		RevealCalmMS:      1000,
		RevealWarmMS:      5000,
		RevealChaosMS:     15000,
	}
}

// Validate checks internal consistency of a ruleset before it is sealed
// into the registry.
func (rc RulesConfig) Validate() error {
	if rc.EntropyAlpha <= 0 || rc.EntropyAlpha > 1 {
		return fmt.Errorf("entropy_alpha must be in (0,1], got %v", rc.EntropyAlpha)
	}
	if rc.MaxRateForEntropy <= 0 {
		return fmt.Errorf("max_rate_for_entropy must be positive, got %v", rc.MaxRateForEntropy)
	}
	if !(rc.CalmThreshold < rc.HotThreshold && rc.HotThreshold < rc.ChaosThreshold) {
		return fmt.Errorf("thresholds must be strictly ordered calm < hot < chaos")
	}
	if rc.ChaosThreshold > 1 || rc.CalmThreshold < 0 {
		return fmt.Errorf("thresholds must lie in [0,1]")
	}
	if rc.CooldownCalmMS < 0 || rc.CooldownWarmMS < 0 || rc.CooldownChaosMS < 0 {
		return fmt.Errorf("cooldown values must be non-negative")
	}
	if rc.RevealCalmMS < 0 || rc.RevealWarmMS < 0 || rc.RevealChaosMS < 0 {
		return fmt.Errorf("reveal values must be non-negative")
	}
	return nil
}

// Hash returns the content address of the ruleset: sha256 over the
// sorted-key JSON form, truncated to 16 hex chars. encoding/json emits
// struct fields in declaration order, so marshal through a map to get
// the sorted-key canonical form.
func (rc RulesConfig) Hash() string {
	raw, _ := json.Marshal(rc)
	var m map[string]interface{}
	_ = json.Unmarshal(raw, &m)
	canonical, _ := json.Marshal(m) // map keys are sorted by encoding/json
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// Ruleset is a registry row: a RulesConfig plus its identity.
type Ruleset struct {
	ID        int64
	Version   int64
	Hash      string
	Config    RulesConfig
	CreatedAt time.Time
}
