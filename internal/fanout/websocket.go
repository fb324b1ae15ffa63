package fanout

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The stream is read-only public data; origin checks add nothing.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket serves the same feed as the SSE stream over a
// WebSocket, one JSON GlobalState per text frame. All writes happen on
// this goroutine; the read pump only consumes control frames and
// signals disconnect.
func (b *Bridge) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Info("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, unsub, err := b.subscribe(r)
	if err != nil {
		slog.Error("websocket subscribe failed", "error", err)
		return
	}
	defer unsub()

	b.trackClient(1)
	defer b.trackClient(-1)

	// Read pump: discard inbound frames, surface disconnect.
	done := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			slog.Info("client disconnected from websocket stream")
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case gs := <-updates:
			data, err := json.Marshal(gs)
			if err != nil {
				slog.Warn("marshal state for websocket failed", "state_id", gs.ID, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Info("websocket write failed, closing", "error", err)
				return
			}
			b.countEmitted()
		}
	}
}
