package sweeper

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebutton/backend/internal/contracts"
	"github.com/thebutton/backend/internal/core"
	"github.com/thebutton/backend/internal/store"
)

type fakeRepo struct {
	latest    core.GlobalState
	latestErr error
}

func (f *fakeRepo) Insert(ctx context.Context, ns core.NewState) (core.GlobalState, error) {
	return core.GlobalState{}, errors.New("sweeper must not write state")
}

func (f *fakeRepo) Latest(ctx context.Context) (core.GlobalState, error) {
	return f.latest, f.latestErr
}

func (f *fakeRepo) ByID(ctx context.Context, id int64) (core.GlobalState, error) {
	return f.latest, f.latestErr
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }

type fakeRules struct {
	rs  core.Ruleset
	err error
}

func (f *fakeRules) ByHash(ctx context.Context, hash string) (core.Ruleset, error) {
	return f.rs, f.err
}

type fakeProducer struct {
	produced [][]byte
	failWith error
}

func (f *fakeProducer) Produce(ctx context.Context, topic, key string, value []byte) (int64, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.produced = append(f.produced, value)
	return int64(len(f.produced)) - 1, nil
}

func (f *fakeProducer) Healthy(ctx context.Context) error { return nil }
func (f *fakeProducer) Close() error                      { return nil }

func warmState(updatedAtMS int64) core.GlobalState {
	return core.GlobalState{
		ID:          3,
		Phase:       core.PhaseWarm,
		Entropy:     0.45,
		UpdatedAtMS: updatedAtMS,
		RulesHash:   "abc123",
	}
}

func defaultRuleset() core.Ruleset {
	rc := core.DefaultRules()
	return core.Ruleset{Version: 1, Hash: rc.Hash(), Config: rc}
}

func TestTickSkipsWithoutState(t *testing.T) {
	producer := &fakeProducer{}
	sw := New(&fakeRepo{latestErr: store.ErrNoState}, &fakeRules{rs: defaultRuleset()},
		producer, 30*time.Second, nil)

	emitted, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Empty(t, producer.produced)
}

func TestTickSkipsCalm(t *testing.T) {
	producer := &fakeProducer{}
	state := warmState(0)
	state.Phase = core.PhaseCalm
	sw := New(&fakeRepo{latest: state}, &fakeRules{rs: defaultRuleset()},
		producer, 30*time.Second, nil)

	emitted, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Empty(t, producer.produced)
}

func TestTickSkipsFreshState(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	producer := &fakeProducer{}

	// Updated 10s ago, warm cooldown base is 15s: still fresh.
	sw := New(&fakeRepo{latest: warmState(now.UnixMilli() - 10_000)},
		&fakeRules{rs: defaultRuleset()}, producer, 30*time.Second, nil).
		WithClock(func() time.Time { return now })

	emitted, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, emitted)
}

func TestTickEmitsDecayEvent(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	producer := &fakeProducer{}

	// Updated 20s ago, past the 15s warm cooldown base.
	sw := New(&fakeRepo{latest: warmState(now.UnixMilli() - 20_000)},
		&fakeRules{rs: defaultRuleset()}, producer, 30*time.Second, nil).
		WithClock(func() time.Time { return now })

	emitted, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, emitted)
	require.Len(t, producer.produced, 1)

	msg, err := contracts.DecodePressEvent(producer.produced[0])
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), msg.TimestampMS)

	wantBucket := now.Unix() / 30
	assert.Equal(t, fmt.Sprintf("sweep-%d", wantBucket), msg.RequestID)
}

func TestTickRequestIDStableWithinBucket(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	producer := &fakeProducer{}
	sw := New(&fakeRepo{latest: warmState(now.UnixMilli() - 60_000)},
		&fakeRules{rs: defaultRuleset()}, producer, 30*time.Second, nil).
		WithClock(func() time.Time { return now })

	_, err := sw.Tick(context.Background())
	require.NoError(t, err)

	// A retry a few seconds later inside the same bucket produces the
	// same logical event id.
	now = now.Add(3 * time.Second)
	_, err = sw.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, producer.produced, 2)
	first, _ := contracts.DecodePressEvent(producer.produced[0])
	second, _ := contracts.DecodePressEvent(producer.produced[1])
	assert.Equal(t, first.RequestID, second.RequestID)
}

func TestTickHotUsesChaosBase(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	producer := &fakeProducer{}
	state := warmState(now.UnixMilli() - 20_000)
	state.Phase = core.PhaseHot

	// 20s old is past the warm base but inside the 30s chaos base HOT
	// maps to: no sweep.
	sw := New(&fakeRepo{latest: state}, &fakeRules{rs: defaultRuleset()},
		producer, 30*time.Second, nil).
		WithClock(func() time.Time { return now })

	emitted, err := sw.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, emitted)
}

func TestTickSurfacesProduceError(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	producer := &fakeProducer{failWith: errors.New("broker down")}
	sw := New(&fakeRepo{latest: warmState(now.UnixMilli() - 20_000)},
		&fakeRules{rs: defaultRuleset()}, producer, 30*time.Second, nil).
		WithClock(func() time.Time { return now })

	emitted, err := sw.Tick(context.Background())
	assert.Error(t, err)
	assert.False(t, emitted)
}

func TestTickSurfacesUnknownRuleset(t *testing.T) {
	now := time.UnixMilli(1_700_000_100_000)
	sw := New(&fakeRepo{latest: warmState(now.UnixMilli() - 20_000)},
		&fakeRules{err: errors.New("ruleset not found")}, &fakeProducer{},
		30*time.Second, nil).
		WithClock(func() time.Time { return now })

	emitted, err := sw.Tick(context.Background())
	assert.Error(t, err)
	assert.False(t, emitted)
}
