package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The widget is served from the same origin; the token query
	// parameter is the actual access control.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const roomsPushInterval = 5 * time.Second

// handleRoomsWS streams room snapshots to the widget. Browsers cannot
// set headers on websocket dials, so the token rides in the query
// string instead of an Authorization header.
func (s *Server) handleRoomsWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.errorResponse(w, http.StatusUnauthorized, "missing token")
		return
	}
	owner, err := s.tokens.Verify(token)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Info("room feed connected", "owner", owner)

	// Drain client frames so close and ping control messages are
	// processed; the feed itself is one-way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(roomsPushInterval)
	defer ticker.Stop()

	push := func() bool {
		snapshot, err := s.roomsSnapshot(owner)
		if err != nil {
			s.logger.Error("room feed snapshot failed", "owner", owner, "error", err)
			return true // transient, keep the connection
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			s.logger.Debug("room feed write failed", "owner", owner, "error", err)
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			s.logger.Info("room feed disconnected", "owner", owner)
			return
		case <-ticker.C:
			if !push() {
				return
			}
		}
	}
}
