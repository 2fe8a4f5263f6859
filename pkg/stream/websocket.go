package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/httpx"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, testing tools).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// HandleWebSocket serves the same per-tenant feed as the SSE endpoint over a
// WebSocket connection, one text message per published batch.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if _, err := h.store.GetTenant(r.Context(), tenantID); err != nil {
		httpx.RespondError(w, http.StatusNotFound, "Tenant not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(MetricsChannel(tenantID))
	defer sub.Close()

	log.WithFields(log.Fields{"tenant_id": tenantID}).Info("WebSocket stream started")
	defer log.WithFields(log.Fields{"tenant_id": tenantID}).Info("WebSocket stream closed")

	// Read loop detects client close and keeps pong handling alive.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WithError(err).Debug("WebSocket read error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(config.WSPingInterval)
	defer ping.Stop()
	deadline := time.NewTimer(h.maxSession)
	defer deadline.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, open := <-sub.C:
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
