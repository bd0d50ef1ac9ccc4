package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event
func (s *SSEWriter) WriteError(message string) {
	s.WriteEvent("error", map[string]string{"error": message}) //nolint:errcheck
}

// handleStatusStream pushes a status event whenever the job changes and a
// final complete event once it is terminal.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.lookupJob(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	var last []byte
	for {
		summary := job.Summary()
		current, err := json.Marshal(summary)
		if err != nil {
			sse.WriteError("failed to encode status")
			return
		}
		if string(current) != string(last) {
			if err := sse.WriteEvent("status", summary); err != nil {
				return
			}
			last = current
		}
		if job.Status.IsTerminal() {
			sse.WriteEvent("complete", map[string]string{ //nolint:errcheck
				"job_id": job.ID,
				"status": string(job.Status),
			})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-s.draining:
			sse.WriteError("server is shutting down")
			return
		case <-ticker.C:
		}

		if job, err = s.lookupJob(r.Context(), id); err != nil {
			sse.WriteError(err.Error())
			return
		}
	}
}
