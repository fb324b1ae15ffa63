package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebutton/backend/internal/core"
)

func TestApplyEventGenesis(t *testing.T) {
	rc := core.DefaultRules()
	hash := rc.Hash()
	genesis := core.Genesis(hash)

	ev := core.PressEvent{Offset: 0, TimestampMS: 1_000_000, RequestID: "r1"}
	state := ApplyEvent(genesis, ev, rc, hash)

	assert.Equal(t, int64(1), state.Counter)
	assert.Equal(t, int64(0), state.LastAppliedOffset)
	assert.Equal(t, ev.TimestampMS, state.UpdatedAtMS)
	assert.Equal(t, hash, state.RulesHash)

	// First fold counts as maximum intensity: entropy lands at alpha,
	// which is below the calm threshold under the default rules.
	assert.InDelta(t, rc.EntropyAlpha, state.Entropy, 1e-9)
	assert.Equal(t, core.PhaseCalm, state.Phase)

	require.NotNil(t, state.CooldownMS)
	assert.Positive(t, *state.CooldownMS)
	assert.Equal(t, ev.TimestampMS+rc.RevealCalmMS, state.RevealUntilMS)
}

func TestApplyEventClampsNonPositiveGap(t *testing.T) {
	rc := core.DefaultRules()
	prev := core.GlobalState{Counter: 3, Entropy: 0.4, UpdatedAtMS: 2_000_000}

	// An out-of-order source timestamp clamps the gap to 1ms, the
	// fastest possible press.
	behind := ApplyEvent(prev, core.PressEvent{Offset: 9, TimestampMS: 1_999_000}, rc, "h")
	exact := ApplyEvent(prev, core.PressEvent{Offset: 9, TimestampMS: prev.UpdatedAtMS + 1}, rc, "h")
	assert.Equal(t, behind.Entropy, exact.Entropy)
}

func TestBurstReachesChaos(t *testing.T) {
	rc := core.DefaultRules()
	hash := rc.Hash()
	state := core.Genesis(hash)

	// 10ms apart saturates the rate clamp; entropy climbs by alpha
	// steps toward 1 and crosses into CHAOS.
	ts := int64(1_000_000)
	for i := 0; i < 20; i++ {
		state = ApplyEvent(state, core.PressEvent{Offset: int64(i), TimestampMS: ts}, rc, hash)
		ts += 10
	}

	assert.Equal(t, core.PhaseChaos, state.Phase)
	assert.Equal(t, int64(20), state.Counter)
	assert.Greater(t, state.Entropy, rc.ChaosThreshold)
}

func TestApplyEventDeterministic(t *testing.T) {
	rc := core.DefaultRules()
	prev := core.GlobalState{Counter: 7, Entropy: 0.55, UpdatedAtMS: 5_000, RevealUntilMS: 9_000}
	ev := core.PressEvent{Offset: 42, TimestampMS: 5_300, RequestID: "x"}

	a := ApplyEvent(prev, ev, rc, "h")
	b := ApplyEvent(prev, ev, rc, "h")
	assert.Equal(t, a.Entropy, b.Entropy)
	assert.Equal(t, a.Phase, b.Phase)
	assert.Equal(t, *a.CooldownMS, *b.CooldownMS)
	assert.Equal(t, a.RevealUntilMS, b.RevealUntilMS)
}

func TestApplyBatchSortsByOffset(t *testing.T) {
	rc := core.DefaultRules()
	hash := rc.Hash()
	genesis := core.Genesis(hash)

	events := []core.PressEvent{
		{Offset: 2, TimestampMS: 3_000},
		{Offset: 0, TimestampMS: 1_000},
		{Offset: 1, TimestampMS: 2_000},
	}
	shuffled := ApplyBatch(genesis, events, rc, hash)

	ordered := ApplyBatch(genesis, []core.PressEvent{
		{Offset: 0, TimestampMS: 1_000},
		{Offset: 1, TimestampMS: 2_000},
		{Offset: 2, TimestampMS: 3_000},
	}, rc, hash)

	assert.Equal(t, ordered, shuffled)
	assert.Equal(t, int64(2), shuffled.LastAppliedOffset)
	assert.Equal(t, int64(3), shuffled.Counter)

	// Input slice is not mutated.
	assert.Equal(t, int64(2), events[0].Offset)
}

func TestApplyBatchEmptyIsNoop(t *testing.T) {
	rc := core.DefaultRules()
	prev := core.GlobalState{Counter: 5, Entropy: 0.3, UpdatedAtMS: 1_000}
	assert.Equal(t, prev, ApplyBatch(prev, nil, rc, "h"))
}

func TestOffsetAndRevealMonotonic(t *testing.T) {
	rc := core.DefaultRules()
	hash := rc.Hash()
	state := core.Genesis(hash)

	prevOffset := int64(-1)
	prevReveal := int64(0)
	ts := int64(1_000_000)
	for i := 0; i < 50; i++ {
		state = ApplyEvent(state, core.PressEvent{Offset: int64(i), TimestampMS: ts}, rc, hash)
		assert.Greater(t, state.LastAppliedOffset, prevOffset)
		assert.GreaterOrEqual(t, state.RevealUntilMS, prevReveal)
		prevOffset = state.LastAppliedOffset
		prevReveal = state.RevealUntilMS
		ts += 500 * int64(i%5+1)
	}
}

func TestIdleDecayStepsPhaseDown(t *testing.T) {
	rc := core.DefaultRules()
	hash := rc.Hash()
	state := core.Genesis(hash)

	// Burst into CHAOS first.
	ts := int64(1_000_000)
	offset := int64(0)
	for i := 0; i < 20; i++ {
		state = ApplyEvent(state, core.PressEvent{Offset: offset, TimestampMS: ts}, rc, hash)
		offset++
		ts += 10
	}
	require.Equal(t, core.PhaseChaos, state.Phase)

	// Long-gap folds, the shape of the sweeper's synthetic presses, walk
	// the phase down through every band without ever raising it.
	var phases []core.Phase
	for i := 0; i < 8; i++ {
		ts += 120_000
		state = ApplyEvent(state, core.PressEvent{
			Offset:      offset,
			TimestampMS: ts,
			RequestID:   "sweep-1",
		}, rc, hash)
		offset++
		phases = append(phases, state.Phase)
	}

	for i := 1; i < len(phases); i++ {
		assert.LessOrEqual(t, phases[i], phases[i-1],
			"an idle fold must never raise the phase")
	}
	assert.Contains(t, phases, core.PhaseHot)
	assert.Contains(t, phases, core.PhaseWarm)
	assert.Equal(t, core.PhaseCalm, phases[len(phases)-1])
	assert.Positive(t, state.Entropy)
}

func TestRefoldInflatesCounter(t *testing.T) {
	rc := core.DefaultRules()
	hash := rc.Hash()
	genesis := core.Genesis(hash)

	events := []core.PressEvent{
		{Offset: 0, TimestampMS: 1_000},
		{Offset: 1, TimestampMS: 1_500},
	}
	once := ApplyBatch(genesis, events, rc, hash)

	// Refolding the same batch after a crash between persist and commit
	// double-counts. The offset stays correct; only the counter inflates.
	twice := ApplyBatch(once, events, rc, hash)
	assert.Equal(t, once.Counter*2, twice.Counter)
	assert.Equal(t, once.LastAppliedOffset, twice.LastAppliedOffset)
}
