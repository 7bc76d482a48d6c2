package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/slidekick-data/slidekick/internal/inference"
)

// viewportStream starts a viewport analysis and streams its progress
// as server-sent events. Validation failures are plain JSON errors
// before any stream bytes are written; once the stream starts, exactly
// one terminal event (complete or error) ends it. A client that
// disconnects mid-stream does not stop the analysis; the result is
// persisted regardless and the remaining events are dropped.
func (s *Server) viewportStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req inference.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	events, err := s.orchestrator.Run(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, inference.ErrSlideNotFound):
			s.writeJSONError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, inference.ErrEmptyViewport), errors.Is(err, inference.ErrInvalidLevel):
			s.writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start analysis: %v", err))
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	disconnected := false
	for ev := range events {
		// Keep draining after a disconnect so the channel closes and
		// the analysis goroutine is never blocked on a dead client.
		if disconnected {
			continue
		}
		if err := writeSSE(w, ev); err != nil {
			disconnected = true
			continue
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev inference.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
