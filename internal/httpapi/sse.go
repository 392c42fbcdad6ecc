package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/veritaslab/scribe/internal/streaming"
)

const heartbeatInterval = 15 * time.Second

// handleSSE streams session events as Server-Sent Events. Reconnecting
// clients send Last-Event-ID and receive a replay of the buffered
// events after that sequence before going live. A terminal event closes
// the stream. The optional ?types= parameter filters by event type.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := parseTypeFilter(r.URL.Query().Get("types"))

	var since uint64
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if v, err := strconv.ParseUint(lastID, 10, 64); err == nil {
			since = v
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Replay first so a reconnect never observes a gap; the subscriber
	// channel is registered before replay is read, so events landing in
	// between are delivered twice at most, never dropped. Duplicates are
	// harmless: clients key on seq.
	ch := s.emitter.Subscribe(sessionID)
	defer s.emitter.Unsubscribe(sessionID, ch)

	lastSent := since
	for _, evt := range s.emitter.ReplaySince(sessionID, since) {
		if writeSSE(w, flusher, evt, filter) {
			lastSent = evt.Seq
		}
		if evt.Terminal() {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if evt.Seq <= lastSent {
				continue
			}
			if writeSSE(w, flusher, evt, filter) {
				lastSent = evt.Seq
			}
			if evt.Terminal() {
				return
			}
		}
	}
}

// writeSSE emits one event frame and reports whether it passed the
// filter. Terminal events always pass so clients can stop cleanly.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, evt streaming.Event, filter map[string]bool) bool {
	if filter != nil && !filter[evt.Type] && !evt.Terminal() {
		return false
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, evt.Marshal())
	flusher.Flush()
	return true
}

func parseTypeFilter(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			filter[t] = true
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

func (s *Server) logStreamEnd(sessionID string, err error) {
	if err != nil {
		s.logger.Debug("Stream closed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
