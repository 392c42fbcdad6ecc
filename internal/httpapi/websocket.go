package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is same-deployment only; origin policy is enforced at the
	// gateway in front of it.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
)

// handleWebSocket streams session events over a websocket. The ?since=
// parameter replays buffered events after that sequence, mirroring the
// SSE Last-Event-ID contract. The connection closes after a terminal
// event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			since = v
		}
	}
	filter := parseTypeFilter(r.URL.Query().Get("types"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logStreamEnd(sessionID, err)
		return
	}
	defer conn.Close()

	// Discard client frames but notice the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ch := s.emitter.Subscribe(sessionID)
	defer s.emitter.Unsubscribe(sessionID, ch)

	lastSent := since
	for _, evt := range s.emitter.ReplaySince(sessionID, since) {
		if filter != nil && !filter[evt.Type] && !evt.Terminal() {
			continue
		}
		if err := writeWS(conn, evt.Marshal()); err != nil {
			s.logStreamEnd(sessionID, err)
			return
		}
		lastSent = evt.Seq
		if evt.Terminal() {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logStreamEnd(sessionID, err)
				return
			}
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSent {
				continue
			}
			if filter != nil && !filter[evt.Type] && !evt.Terminal() {
				continue
			}
			if err := writeWS(conn, evt.Marshal()); err != nil {
				s.logStreamEnd(sessionID, err)
				return
			}
			lastSent = evt.Seq
			if evt.Terminal() {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"))
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, payload []byte) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
