package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "CALM", PhaseCalm.String())
	assert.Equal(t, "WARM", PhaseWarm.String())
	assert.Equal(t, "HOT", PhaseHot.String())
	assert.Equal(t, "CHAOS", PhaseChaos.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
}

func TestGenesis(t *testing.T) {
	g := Genesis("abc")
	assert.Equal(t, int64(0), g.ID)
	assert.Equal(t, int64(0), g.Counter)
	assert.Equal(t, PhaseCalm, g.Phase)
	assert.Zero(t, g.UpdatedAtMS)
	assert.Nil(t, g.CooldownMS)
	assert.Equal(t, "abc", g.RulesHash)
}

func TestDefaultRulesValid(t *testing.T) {
	assert.NoError(t, DefaultRules().Validate())
}

func TestRulesValidation(t *testing.T) {
	mutate := func(f func(*RulesConfig)) RulesConfig {
		rc := DefaultRules()
		f(&rc)
		return rc
	}

	cases := []struct {
		name string
		rc   RulesConfig
	}{
		{"zero alpha", mutate(func(rc *RulesConfig) { rc.EntropyAlpha = 0 })},
		{"alpha above one", mutate(func(rc *RulesConfig) { rc.EntropyAlpha = 1.5 })},
		{"zero max rate", mutate(func(rc *RulesConfig) { rc.MaxRateForEntropy = 0 })},
		{"unordered thresholds", mutate(func(rc *RulesConfig) { rc.HotThreshold = 0.2 })},
		{"threshold above one", mutate(func(rc *RulesConfig) { rc.ChaosThreshold = 1.1 })},
		{"negative cooldown", mutate(func(rc *RulesConfig) { rc.CooldownWarmMS = -1 })},
		{"negative reveal", mutate(func(rc *RulesConfig) { rc.RevealChaosMS = -1 })},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.rc.Validate())
		})
	}
}

func TestRulesHash(t *testing.T) {
	rc := DefaultRules()

	h := rc.Hash()
	assert.Len(t, h, 16)
	assert.Equal(t, h, rc.Hash(), "hash must be stable")

	// Any value change changes the address.
	changed := rc
	changed.CooldownCalmMS = 6000
	assert.NotEqual(t, h, changed.Hash())
}

func TestGlobalStateJSONShape(t *testing.T) {
	cooldown := int64(7500)
	gs := GlobalState{
		ID:                1,
		LastAppliedOffset: 9,
		Counter:           12,
		Phase:             PhaseHot,
		Entropy:           0.7,
		RevealUntilMS:     100,
		CooldownMS:        &cooldown,
		UpdatedAtMS:       90,
		RulesHash:         "h",
	}

	data, err := json.Marshal(gs)
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"id", "last_applied_offset", "counter", "phase",
		"entropy", "reveal_until_ms", "cooldown_ms", "updated_at_ms", "rules_hash"} {
		assert.Contains(t, m, key)
	}

	// Genesis serializes cooldown as explicit null, not a zero.
	data, err = json.Marshal(Genesis("h"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"cooldown_ms":null`)
}
