package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepAliveInterval = 30 * time.Second

// handleGlobalStream pushes every queue event to the client as SSE.
func (s *Server) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, "")
}

// handleJobStream pushes one job's events to the client as SSE.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	s.streamEvents(w, r, jobID)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(payload any) bool {
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Initial snapshot so a reconnecting client recovers missed state.
	if jobID == "" {
		if !send(s.queue.List()) {
			return
		}
	} else {
		job, exists := s.queue.Get(jobID)
		if !exists {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if !send(job) {
			return
		}
	}

	events, cancel := s.queue.Broadcaster().Subscribe(jobID)
	defer cancel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !send(event) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
