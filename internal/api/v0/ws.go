package v0

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/api/common"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second

	// wsPongWait must exceed wsPingPeriod: a peer that misses one pong is
	// disconnected on the read side instead of lingering until a write fails.
	wsPongWait = 60 * time.Second

	wsMaxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control API sits behind the platform gateway, which enforces
	// origin policy before requests reach this process.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// eventStream handles GET /sync/events: a websocket delivering lifecycle
// events for the caller's tenant. Events are invalidation hints; clients
// re-fetch /sync/health rather than trusting the payload as complete state.
// Slow consumers may miss events and are expected to rely on their polling
// fallback.
func (rr *Routes) eventStream(w http.ResponseWriter, r *http.Request) {
	tenant := common.Tenant(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		rr.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, cancel := rr.bus.Subscribe(r.Context())
	defer cancel()

	// Reader goroutine: we never expect client frames, but reading is what
	// surfaces close and pong traffic. The read deadline advances on every
	// pong, so a silently dead peer times out within wsPongWait.
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Tenant != tenant {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				rr.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
