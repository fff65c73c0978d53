package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/obadiaha/veritas-kanban/internal/session"
)

// handleAgentEvents streams the task's typed agent events as Server-Sent
// Events. The stream opens with the gateway's "subscribed" hello, then
// carries live events until a terminal event or client disconnect.
func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, cancel, hello := s.deps.Gateway.Subscribe(taskID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)

	writeSSEEvent(w, hello)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
			if ev.Type == session.TypeComplete || ev.Type == session.TypeError {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev session.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
