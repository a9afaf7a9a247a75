package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/prosearch/internal/streaming"
)

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSessionWS pushes session events as JSON text frames and closes the
// socket once the session finished.
// GET /research/{id}/ws?types=a,b&last_event_id=N
func (h *Handler) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	known, live := h.resolveSession(r.Context(), id)
	if !known {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sr := parseStreamRequest(r, id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.Close()

	var ch chan streaming.Event
	if live {
		ch = h.events.Subscribe(id, subscriberBuffer)
		defer h.events.Unsubscribe(id, ch)
	}

	for _, evt := range h.events.ReplaySince(r.Context(), id, sr.lastID) {
		if !sr.wants(evt) {
			continue
		}
		if err := writeWS(conn, evt); err != nil {
			return
		}
		sr.lastID = evt.Seq
	}
	if !live {
		closeWS(conn)
		return
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	// Reader pump: client frames are discarded, a read error means the peer left.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				closeWS(conn)
				return
			}
			if !sr.wants(evt) {
				continue
			}
			if err := writeWS(conn, evt); err != nil {
				return
			}
			sr.lastID = evt.Seq
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, evt streaming.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(evt)
}

func closeWS(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
