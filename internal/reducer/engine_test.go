package reducer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebutton/backend/internal/broker"
	"github.com/thebutton/backend/internal/contracts"
	"github.com/thebutton/backend/internal/core"
	"github.com/thebutton/backend/internal/events"
	"github.com/thebutton/backend/internal/store"
)

// scriptedConsumer feeds pre-built batches to the handler, recording
// whether each was committed (handler returned nil).
type scriptedConsumer struct {
	batches   [][]broker.Message
	committed []bool
	runErr    error
}

func (c *scriptedConsumer) Run(ctx context.Context, handler broker.BatchHandler) error {
	for _, batch := range c.batches {
		err := handler(ctx, batch)
		c.committed = append(c.committed, err == nil)
		if err != nil {
			return err
		}
	}
	if c.runErr != nil {
		return c.runErr
	}
	return context.Canceled
}

func (c *scriptedConsumer) Close() error { return nil }

// memRepo is an in-memory append-only state store.
type memRepo struct {
	rows      []core.GlobalState
	insertErr error
}

func (r *memRepo) Insert(ctx context.Context, ns core.NewState) (core.GlobalState, error) {
	if r.insertErr != nil {
		return core.GlobalState{}, r.insertErr
	}
	gs := core.GlobalState{
		ID:                int64(len(r.rows)) + 1,
		LastAppliedOffset: ns.LastAppliedOffset,
		Counter:           ns.Counter,
		Phase:             ns.Phase,
		Entropy:           ns.Entropy,
		RevealUntilMS:     ns.RevealUntilMS,
		CooldownMS:        ns.CooldownMS,
		UpdatedAtMS:       ns.UpdatedAtMS,
		RulesHash:         ns.RulesHash,
		CreatedAt:         time.Now(),
	}
	r.rows = append(r.rows, gs)
	return gs, nil
}

func (r *memRepo) Latest(ctx context.Context) (core.GlobalState, error) {
	if len(r.rows) == 0 {
		return core.GlobalState{}, store.ErrNoState
	}
	return r.rows[len(r.rows)-1], nil
}

func (r *memRepo) ByID(ctx context.Context, id int64) (core.GlobalState, error) {
	for _, gs := range r.rows {
		if gs.ID == id {
			return gs, nil
		}
	}
	return core.GlobalState{}, store.ErrNoState
}

func (r *memRepo) Ping(ctx context.Context) error { return nil }

type fakeRules struct{ rs core.Ruleset }

func (f *fakeRules) Latest(ctx context.Context) (core.Ruleset, error) { return f.rs, nil }
func (f *fakeRules) ByHash(ctx context.Context, hash string) (core.Ruleset, error) {
	if hash != f.rs.Hash {
		return core.Ruleset{}, errors.New("ruleset not found")
	}
	return f.rs, nil
}

func defaultRuleset() core.Ruleset {
	rc := core.DefaultRules()
	return core.Ruleset{Version: 1, Hash: rc.Hash(), Config: rc}
}

func pressMsg(t *testing.T, offset, tsMS int64) broker.Message {
	t.Helper()
	payload, err := contracts.PressEventMessage{TimestampMS: tsMS, RequestID: "r"}.Encode()
	require.NoError(t, err)
	return broker.Message{Offset: offset, Key: []byte("global"), Value: payload}
}

func TestEngineFoldsAndPersistsBatches(t *testing.T) {
	rs := defaultRuleset()
	repo := &memRepo{}
	consumer := &scriptedConsumer{batches: [][]broker.Message{
		{pressMsg(t, 0, 1_000), pressMsg(t, 1, 2_000)},
		{pressMsg(t, 2, 3_000)},
	}}

	engine := NewEngine(consumer, repo, &fakeRules{rs: rs}, events.NewLocalBus(), nil, DefaultBackoff())
	err := engine.Run(context.Background())
	assert.NoError(t, err)

	// One row per non-empty batch, ids and offsets monotonic.
	require.Len(t, repo.rows, 2)
	assert.Equal(t, int64(1), repo.rows[0].ID)
	assert.Equal(t, int64(1), repo.rows[0].LastAppliedOffset)
	assert.Equal(t, int64(2), repo.rows[0].Counter)
	assert.Equal(t, int64(2), repo.rows[1].ID)
	assert.Equal(t, int64(2), repo.rows[1].LastAppliedOffset)
	assert.Equal(t, int64(3), repo.rows[1].Counter)
	assert.Equal(t, []bool{true, true}, consumer.committed)
}

func TestEngineSkipsMalformedEvents(t *testing.T) {
	rs := defaultRuleset()
	repo := &memRepo{}
	consumer := &scriptedConsumer{batches: [][]broker.Message{
		{
			{Offset: 0, Value: []byte("not json")},
			pressMsg(t, 1, 1_000),
		},
		{
			{Offset: 2, Value: []byte(`{"timestamp_ms":-5,"request_id":"x"}`)},
		},
	}}

	engine := NewEngine(consumer, repo, &fakeRules{rs: rs}, events.NewLocalBus(), nil, DefaultBackoff())
	require.NoError(t, engine.Run(context.Background()))

	// The poisoned payloads are dropped; only the valid event folds, and
	// the all-poisoned batch commits without a row.
	require.Len(t, repo.rows, 1)
	assert.Equal(t, int64(1), repo.rows[0].Counter)
	assert.Equal(t, []bool{true, true}, consumer.committed)
}

func TestEngineDoesNotCommitOnPersistFailure(t *testing.T) {
	rs := defaultRuleset()
	repo := &memRepo{insertErr: errors.New("database down")}
	consumer := &scriptedConsumer{batches: [][]broker.Message{
		{pressMsg(t, 0, 1_000)},
	}}

	// MaxAttempts 0 makes the first failure fatal, keeping the test fast.
	engine := NewEngine(consumer, repo, &fakeRules{rs: rs}, events.NewLocalBus(), nil,
		BackoffConfig{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 0})

	err := engine.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, []bool{false}, consumer.committed)
	assert.Empty(t, repo.rows)
}

func TestEngineResumesFromPersistedState(t *testing.T) {
	rs := defaultRuleset()
	repo := &memRepo{}

	first := &scriptedConsumer{batches: [][]broker.Message{{pressMsg(t, 0, 1_000)}}}
	engine := NewEngine(first, repo, &fakeRules{rs: rs}, events.NewLocalBus(), nil, DefaultBackoff())
	require.NoError(t, engine.Run(context.Background()))
	require.Len(t, repo.rows, 1)

	// A fresh engine over the same store continues the sequence rather
	// than restarting from genesis.
	second := &scriptedConsumer{batches: [][]broker.Message{{pressMsg(t, 1, 2_000)}}}
	engine2 := NewEngine(second, repo, &fakeRules{rs: rs}, events.NewLocalBus(), nil, DefaultBackoff())
	require.NoError(t, engine2.Run(context.Background()))

	require.Len(t, repo.rows, 2)
	assert.Equal(t, int64(2), repo.rows[1].Counter)
	assert.Equal(t, int64(1), repo.rows[1].LastAppliedOffset)
}

func TestEnginePublishesUpdateAfterPersist(t *testing.T) {
	rs := defaultRuleset()
	repo := &memRepo{}
	bus := events.NewLocalBus()

	received := make(chan contracts.StateUpdateMessage, 4)
	_, err := bus.Subscribe(context.Background(), contracts.StateUpdateChannel, func(payload []byte) {
		msg, err := contracts.DecodeStateUpdate(payload)
		if err == nil {
			received <- msg
		}
	})
	require.NoError(t, err)

	consumer := &scriptedConsumer{batches: [][]broker.Message{{pressMsg(t, 0, 1_000)}}}
	engine := NewEngine(consumer, repo, &fakeRules{rs: rs}, bus, nil, DefaultBackoff())
	require.NoError(t, engine.Run(context.Background()))

	select {
	case msg := <-received:
		assert.Equal(t, int64(1), msg.ID)
		assert.Equal(t, int64(0), msg.LastAppliedOffset)
		assert.Equal(t, rs.Hash, msg.RulesHash)
	case <-time.After(time.Second):
		t.Fatal("no state update published")
	}
}

func TestEngineBacksOffThenCrashes(t *testing.T) {
	rs := defaultRuleset()
	repo := &memRepo{}
	consumer := &scriptedConsumer{runErr: errors.New("rebalance storm")}

	engine := NewEngine(consumer, repo, &fakeRules{rs: rs}, events.NewLocalBus(), nil,
		BackoffConfig{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 3})

	err := engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded 3 attempts")
}
