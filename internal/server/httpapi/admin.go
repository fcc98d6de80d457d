package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/dmitrijs2005/mediaingest/internal/server/notify"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origins are enforced by the admin token, not the browser
	CheckOrigin: func(*http.Request) bool { return true },
}

type uploadsResponse struct {
	Uploads []notify.Payload `json:"uploads"`
}

func (h *Handler) listUploads(w http.ResponseWriter, _ *http.Request) {
	snaps := h.tracker.List()
	res := uploadsResponse{Uploads: make([]notify.Payload, 0, len(snaps))}
	for _, s := range snaps {
		res.Uploads = append(res.Uploads, notify.NewPayload(s))
	}
	writeJSON(w, http.StatusOK, res)
}

// streamUploads relays broadcast payloads to an admin websocket until
// either side goes away.
func (h *Handler) streamUploads(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.broadcaster.Subscribe(ctx)
	if err != nil {
		h.log.Error(ctx, "subscribe failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"), time.Now().Add(writeWait))
		return
	}

	// reader: only control frames are expected; any error ends the stream
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
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
	defer ticker.Stop()

	h.log.Info(ctx, "admin stream opened")
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case msg, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
