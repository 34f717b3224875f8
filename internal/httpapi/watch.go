package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/internal/storage"
	"pkt.systems/pslog"
)

const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleWatch godoc
// @Summary      Watch lock events
// @Description  Upgrades to a websocket streaming api.LockEvent JSON messages for the resource.
// @Tags         locks
// @Param        resourceId  path  string  true  "Resource id (path-escaped)"
// @Success      101
// @Router       /locks/{resourceId}/watch [get]
func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) error {
	if h.hub == nil {
		return httpError{Status: http.StatusNotImplemented, Code: api.ErrCodeNotFound, Detail: "watch is disabled"}
	}
	resourceID := r.PathValue("resourceId")
	if err := storage.ValidateResourceID(resourceID); err != nil {
		return httpError{Status: http.StatusBadRequest, Code: api.ErrCodeInvalidResource, Detail: err.Error()}
	}
	logger := pslog.LoggerFromContext(r.Context())
	if logger == nil {
		logger = h.logger
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		logger.Debug("lock.watch.upgrade_failed", "error", err)
		return nil
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe(resourceID, h.watchBuffer)
	defer cancel()
	logger.Debug("lock.watch.open", "resource", resourceID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-closed:
			logger.Debug("lock.watch.closed", "resource", resourceID)
			return nil
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTimeout)); err != nil {
				return nil
			}
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(watchWriteTimeout))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Debug("lock.watch.write_failed", "error", err)
				return nil
			}
		}
	}
}
