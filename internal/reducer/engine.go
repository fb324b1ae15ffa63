package reducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thebutton/backend/internal/broker"
	"github.com/thebutton/backend/internal/contracts"
	"github.com/thebutton/backend/internal/core"
	"github.com/thebutton/backend/internal/events"
	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/store"
)

// Consumer is the log side of the engine; broker.BatchConsumer is the
// production implementation.
type Consumer interface {
	Run(ctx context.Context, handler broker.BatchHandler) error
	Close() error
}

// RulesSource resolves rulesets; rules.Registry is the production
// implementation.
type RulesSource interface {
	Latest(ctx context.Context) (core.Ruleset, error)
	ByHash(ctx context.Context, hash string) (core.Ruleset, error)
}

// BackoffConfig tunes the failure backoff of the batch loop.
type BackoffConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff matches the deployed tuning: 1s base doubling to a 30s
// cap, three attempts before the process is handed to the supervisor.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 3}
}

// Engine is the single-writer reducer. Exactly one instance may run
// globally; the consumer group enforces one active member, and the
// commit protocol keeps ids monotonic even if a second member sneaks in
// (at the cost of an inflated counter).
type Engine struct {
	consumer Consumer
	repo     store.StateRepository
	source   RulesSource
	bus      events.Bus
	metrics  *metrics.Metrics
	backoff  BackoffConfig

	state    core.GlobalState
	ruleset  core.Ruleset
	attempts int
}

// NewEngine wires the engine. metrics may be nil in tests.
func NewEngine(consumer Consumer, repo store.StateRepository, source RulesSource, bus events.Bus, m *metrics.Metrics, backoff BackoffConfig) *Engine {
	return &Engine{
		consumer: consumer,
		repo:     repo,
		source:   source,
		bus:      bus,
		metrics:  m,
		backoff:  backoff,
	}
}

// init loads the latest persisted state (or genesis) and pins the
// ruleset referenced by it. Pinning by hash, not "latest", keeps one
// history under one semantics; new rules take effect on restart.
func (e *Engine) init(ctx context.Context) error {
	state, err := e.repo.Latest(ctx)
	switch {
	case err == nil:
		rs, err := e.source.ByHash(ctx, state.RulesHash)
		if err != nil {
			return fmt.Errorf("pinned ruleset lookup: %w", err)
		}
		e.state = state
		e.ruleset = rs
		slog.Info("loaded existing state",
			"id", state.ID, "counter", state.Counter, "offset", state.LastAppliedOffset,
			"rules_hash", rs.Hash)
	case errors.Is(err, store.ErrNoState):
		rs, err := e.source.Latest(ctx)
		if err != nil {
			return fmt.Errorf("latest ruleset lookup: %w", err)
		}
		e.state = core.Genesis(rs.Hash)
		e.ruleset = rs
		slog.Info("no existing state, starting from genesis", "rules_hash", rs.Hash)
	default:
		return fmt.Errorf("load latest state: %w", err)
	}
	return nil
}

// Run drives the batch loop until ctx is cancelled or the engine gives
// up after MaxAttempts consecutive failures; the returned error is then
// fatal and the process must exit non-zero so the supervisor restarts it.
func (e *Engine) Run(ctx context.Context) error {
	for {
		err := e.runOnce(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		if e.attempts >= e.backoff.MaxAttempts {
			slog.Error("reducer reached max attempts, crashing",
				"attempts", e.attempts, "error", err)
			return fmt.Errorf("reducer exceeded %d attempts: %w", e.backoff.MaxAttempts, err)
		}

		delay := e.backoff.Base << e.attempts
		if delay > e.backoff.Cap {
			delay = e.backoff.Cap
		}
		e.attempts++
		slog.Warn("reducer batch error, backing off",
			"attempt", e.attempts, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) error {
	if err := e.init(ctx); err != nil {
		return err
	}
	return e.consumer.Run(ctx, e.handleBatch)
}

// handleBatch is one iteration of the hard invariant: parse, sort, fold,
// persist, publish, and only then let the consumer commit offsets.
// Persist-before-commit means a crash in between replays the batch; the
// refold writes a valid superseding row.
func (e *Engine) handleBatch(ctx context.Context, batch []broker.Message) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	pressEvents := make([]core.PressEvent, 0, len(batch))
	for _, msg := range batch {
		m, err := contracts.DecodePressEvent(msg.Value)
		if err != nil {
			// A poisoned payload must not wedge the partition.
			slog.Warn("skipping malformed press event", "offset", msg.Offset, "error", err)
			continue
		}
		pressEvents = append(pressEvents, core.PressEvent{
			Offset:      msg.Offset,
			TimestampMS: m.TimestampMS,
			RequestID:   m.RequestID,
		})
	}
	if len(pressEvents) == 0 {
		return nil
	}

	folded := ApplyBatch(e.state, pressEvents, e.ruleset.Config, e.ruleset.Hash)

	persisted, err := e.repo.Insert(ctx, core.NewState{
		LastAppliedOffset: folded.LastAppliedOffset,
		Counter:           folded.Counter,
		Phase:             folded.Phase,
		Entropy:           folded.Entropy,
		RevealUntilMS:     folded.RevealUntilMS,
		CooldownMS:        folded.CooldownMS,
		UpdatedAtMS:       folded.UpdatedAtMS,
		RulesHash:         folded.RulesHash,
	})
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	e.publishUpdate(ctx, persisted)

	// Returning nil lets the consumer mark and commit the batch's
	// offsets synchronously; only now is the in-memory state advanced.
	e.state = persisted
	e.attempts = 0
	e.observe(persisted, len(pressEvents), time.Since(start))

	slog.Info("applied batch",
		"events", len(pressEvents), "state_id", persisted.ID,
		"counter", persisted.Counter, "phase", persisted.Phase.String(),
		"entropy", persisted.Entropy, "offset", persisted.LastAppliedOffset)
	return nil
}

// publishUpdate notifies the fan-out. Best-effort: the authoritative
// state is already in storage, the channel is advisory.
func (e *Engine) publishUpdate(ctx context.Context, gs core.GlobalState) {
	msg := contracts.NewStateUpdate(gs.ID, gs.LastAppliedOffset, gs.RulesHash)
	payload, err := msg.Encode()
	if err != nil {
		slog.Warn("encode state update failed", "state_id", gs.ID, "error", err)
		return
	}
	if err := e.bus.Publish(ctx, contracts.StateUpdateChannel, payload); err != nil {
		slog.Warn("state update publish failed, continuing", "state_id", gs.ID, "error", err)
	}
}

func (e *Engine) observe(gs core.GlobalState, batchSize int, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.BatchSize.Observe(float64(batchSize))
	e.metrics.BatchDuration.Observe(elapsed.Seconds())
	e.metrics.EventsApplied.Add(float64(batchSize))
	e.metrics.Entropy.Set(gs.Entropy)
	e.metrics.Phase.Set(float64(gs.Phase))
	e.metrics.StateID.Set(float64(gs.ID))
}
