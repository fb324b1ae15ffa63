// Package sweeper injects synthetic events into the log when the
// system is quiescent, so entropy can decay and the phase can step down
// without a user press. The sweeper never writes state itself; it only
// encourages the reducer to fold an event whose timestamp advances the
// clock.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thebutton/backend/internal/broker"
	"github.com/thebutton/backend/internal/contracts"
	"github.com/thebutton/backend/internal/core"
	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/rules"
	"github.com/thebutton/backend/internal/store"
)

// RulesSource resolves the ruleset pinned by a state's hash.
type RulesSource interface {
	ByHash(ctx context.Context, hash string) (core.Ruleset, error)
}

// Sweeper runs the periodic decay check.
type Sweeper struct {
	repo     store.StateRepository
	source   RulesSource
	producer broker.Producer
	interval time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a sweeper. metrics may be nil in tests.
func New(repo store.StateRepository, source RulesSource, producer broker.Producer, interval time.Duration, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		repo:     repo,
		source:   source,
		producer: producer,
		interval: interval,
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock injects a clock for tests.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run ticks until ctx is cancelled. Per-tick errors are logged and the
// loop continues; a broken tick must not kill the service.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper starting", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if emitted, err := s.Tick(ctx); err != nil {
				slog.Error("sweeper tick failed", "error", err)
			} else if emitted {
				slog.Info("sweeper emitted decay event")
			}
		}
	}
}

// Tick runs one decay check and reports whether a synthetic event was
// emitted.
func (s *Sweeper) Tick(ctx context.Context) (bool, error) {
	state, err := s.repo.Latest(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNoState) {
			// Nothing to decay before the first press.
			return false, nil
		}
		return false, fmt.Errorf("load latest state: %w", err)
	}

	if state.Phase == core.PhaseCalm {
		return false, nil
	}

	rs, err := s.source.ByHash(ctx, state.RulesHash)
	if err != nil {
		return false, fmt.Errorf("ruleset for state %d: %w", state.ID, err)
	}

	nowMS := s.now().UnixMilli()
	age := nowMS - state.UpdatedAtMS
	threshold := rules.CooldownBaseMS(state.Phase, rs.Config)
	if age <= threshold {
		return false, nil
	}

	// Coarse time bucket makes the request_id deterministic: repeated
	// ticks inside one bucket collapse to one logical event even if the
	// produce is retried.
	bucket := s.now().Unix() / int64(s.interval.Seconds())
	payload, err := contracts.PressEventMessage{
		TimestampMS: nowMS,
		RequestID:   fmt.Sprintf("sweep-%d", bucket),
	}.Encode()
	if err != nil {
		return false, fmt.Errorf("encode sweep event: %w", err)
	}

	if _, err := s.producer.Produce(ctx, contracts.PressTopic, contracts.PressPartitionKey, payload); err != nil {
		return false, fmt.Errorf("produce sweep event: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SweepsEmitted.Inc()
	}
	return true, nil
}
