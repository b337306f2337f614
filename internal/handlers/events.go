package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"watchsync/internal/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Events upgrades to a websocket and streams the caller's events until either side
// goes away. Nothing is replayed: a client that (re)connects loads a fresh snapshot.
func (h *SyncHandler) Events(c *gin.Context) {
	id := middleware.IdentityFromContext(c)
	deviceID := strings.TrimSpace(c.GetHeader(middleware.HeaderDeviceID))
	if deviceID == "" {
		deviceID = strings.TrimSpace(c.Query("device_id"))
	}
	// Registered before the handshake completes so a client that reads its snapshot
	// right after connecting cannot miss a write.
	sess := h.hub.Subscribe(id.ID, deviceID)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.Unsubscribe(sess)
		h.log.Warnf("websocket upgrade user=%s: %v", id.ID, err)
		return
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(sess)
		_ = conn.Close()
		h.log.Infof("session %s closed user=%s", sess.ID, id.ID)
	}()
	h.log.Infof("session %s opened user=%s device=%s", sess.ID, id.ID, deviceID)

	for {
		select {
		case evt, ok := <-sess.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
