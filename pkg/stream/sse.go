package stream

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	"github.com/pulseboard/pulseboard/pkg/httpx"
	"github.com/pulseboard/pulseboard/pkg/storage"
)

// Handler serves the per-tenant streaming endpoints.
type Handler struct {
	store      storage.Store
	bus        *Bus
	keepalive  time.Duration
	maxSession time.Duration
}

// NewHandler creates a streaming handler.
func NewHandler(store storage.Store, bus *Bus) *Handler {
	return &Handler{
		store:      store,
		bus:        bus,
		keepalive:  config.StreamKeepalive,
		maxSession: config.StreamMaxSession,
	}
}

// HandleSSE streams every batch published to the tenant's channel as a
// server-sent event until the client disconnects, the maximum session
// duration elapses, or the server shuts down. Periodic comment frames detect
// dead connections.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	if _, err := h.store.GetTenant(r.Context(), tenantID); err != nil {
		httpx.RespondError(w, http.StatusNotFound, "Tenant not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.RespondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	channel := MetricsChannel(tenantID)
	sub := h.bus.Subscribe(channel)
	defer sub.Close()

	log.WithFields(log.Fields{"tenant_id": tenantID, "channel": channel}).Info("SSE stream started")
	defer log.WithFields(log.Fields{"tenant_id": tenantID}).Info("SSE stream closed")

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()
	deadline := time.NewTimer(h.maxSession)
	defer deadline.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-sub.C:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
