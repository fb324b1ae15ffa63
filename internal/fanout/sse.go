// Package fanout bridges the update channel to connected clients. For
// every notification it re-fetches the referenced state row from
// storage — the channel payload is advisory and deliberately narrow —
// and pushes the full state to each subscriber.
package fanout

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/thebutton/backend/internal/contracts"
	"github.com/thebutton/backend/internal/core"
	"github.com/thebutton/backend/internal/events"
	"github.com/thebutton/backend/internal/metrics"
	"github.com/thebutton/backend/internal/store"
)

// subscriberBuffer bounds per-client queues; a slow client drops
// notifications rather than backing up the bus. Dropped updates are
// harmless because ids are monotonic and clients follow the largest
// id seen.
const subscriberBuffer = 16

// Bridge subscribes to the update channel and feeds push streams.
type Bridge struct {
	bus     events.Bus
	repo    store.StateRepository
	metrics *metrics.Metrics
}

// NewBridge wires the fan-out. metrics may be nil in tests.
func NewBridge(bus events.Bus, repo store.StateRepository, m *metrics.Metrics) *Bridge {
	return &Bridge{bus: bus, repo: repo, metrics: m}
}

// Register mounts the push endpoints.
func (b *Bridge) Register(r *mux.Router) {
	r.HandleFunc("/v1/states/stream", b.HandleSSE).Methods(http.MethodGet)
	r.HandleFunc("/v1/states/ws", b.HandleWebSocket).Methods(http.MethodGet)
}

// subscribe opens a per-client feed of full GlobalState rows. The
// returned cancel must be called on disconnect so the backing channel
// does not accumulate work.
func (b *Bridge) subscribe(r *http.Request) (<-chan core.GlobalState, func(), error) {
	updates := make(chan core.GlobalState, subscriberBuffer)

	unsub, err := b.bus.Subscribe(r.Context(), contracts.StateUpdateChannel, func(payload []byte) {
		msg, err := contracts.DecodeStateUpdate(payload)
		if err != nil {
			slog.Warn("skipping malformed state update", "error", err)
			return
		}
		gs, err := b.repo.ByID(r.Context(), msg.ID)
		if err != nil {
			slog.Warn("state fetch for update failed", "state_id", msg.ID, "error", err)
			return
		}
		select {
		case updates <- gs:
		default:
			slog.Debug("dropping update for slow subscriber", "state_id", msg.ID)
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe update channel: %w", err)
	}
	return updates, unsub, nil
}

// HandleSSE streams state updates as server-sent events. No resume
// cursor: reconnection is the client's responsibility and ids are
// strictly monotonic.
func (b *Bridge) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, unsub, err := b.subscribe(r)
	if err != nil {
		slog.Error("sse subscribe failed", "error", err)
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Hint for nginx and friends to not buffer the stream.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	b.trackClient(1)
	defer b.trackClient(-1)

	for {
		select {
		case <-r.Context().Done():
			slog.Info("client disconnected from SSE stream")
			return
		case gs := <-updates:
			data, err := json.Marshal(gs)
			if err != nil {
				slog.Warn("marshal state for sse failed", "state_id", gs.ID, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: state_update\ndata: %s\n\n", data); err != nil {
				slog.Info("sse write failed, closing stream", "error", err)
				return
			}
			flusher.Flush()
			b.countEmitted()
		}
	}
}

func (b *Bridge) trackClient(delta float64) {
	if b.metrics != nil {
		b.metrics.StreamClients.Add(delta)
	}
}

func (b *Bridge) countEmitted() {
	if b.metrics != nil {
		b.metrics.UpdatesEmitted.Inc()
	}
}
