package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsReadLimit = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers are authenticated by token, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket sends a status_snapshot frame, then retained history,
// then live events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	from, err := replayFrom(r)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	st, err := s.projects.Status(r.Context(), id)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	sub := s.events.Subscribe(id, from)
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "project_id", id, "error", err)
		return
	}
	defer conn.Close()

	pongWait := 2 * s.pingInterval
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.SetReadLimit(wsReadLimit)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		// Client messages carry nothing; reading drives pong and close handling.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeFrame(conn, Frame{Type: FrameStatusSnapshot, Status: &st}); err != nil {
		return
	}

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				_ = writeFrame(conn, Frame{Type: FrameClosed, Reason: "project purged"})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
				return
			}
			if err := writeFrame(conn, Frame{Type: FrameEvent, Event: &ev}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f)
}
