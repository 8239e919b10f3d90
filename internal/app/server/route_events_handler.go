package server

import (
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"netguard/internal/broadcast"
)

const eventKeepAlive = 25 * time.Second

// streamEvents relays verdict, alert and status messages as server-sent events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, "event stream is disabled", http.StatusServiceUnavailable)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Debug("Event stream: cannot clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	messages, unsubscribe := s.hub.Subscribe()
	defer unsubscribe()

	keepAlive := time.NewTicker(eventKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if _, err := io.WriteString(w, broadcast.FormatEvent(msg)); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
