package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/TaehongKim/personal-audio/internal/config"
	"github.com/TaehongKim/personal-audio/internal/jobs"
)

type submitRequest struct {
	URL     string        `json:"url"`
	Format  string        `json:"format"`
	Options *jobs.Options `json:"options,omitempty"`
	// Quality is a shortcut for options.quality.
	Quality string `json:"quality,omitempty"`
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		listing, err := s.queue.QueueListing(r.Context())
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, listing)
	case http.MethodPost:
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.URL == "" {
			writeError(w, http.StatusBadRequest, "url is required")
			return
		}
		opts := req.Options
		if opts == nil && req.Quality != "" {
			opts = &jobs.Options{Quality: req.Quality}
		}

		job, err := s.queue.Enqueue(r.Context(), jobs.EnqueueRequest{
			URL:     req.URL,
			Format:  jobs.Format(strings.ToLower(strings.TrimSpace(req.Format))),
			Options: opts,
		})
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	counts, err := s.queue.Summary(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	affected, err := s.queue.PauseAll(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": affected})
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	affected, err := s.queue.ResumeAll(r.Context())
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resumed": affected})
}

type deleteBatchRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req deleteBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if err := s.queue.DeleteBatch(r.Context(), req.IDs); err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": req.IDs})
}

// handleDownloadRoutes dispatches /api/downloads/{id} and
// /api/downloads/{id}/{action}.
func (s *Server) handleDownloadRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := parseDownloadRoute(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.handleJobDetail(w, r, jobID)
		case http.MethodDelete:
			if err := s.queue.Delete(r.Context(), jobID); err != nil {
				writeQueueError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": jobID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "cancel":
		s.handleControl(w, r, jobID, s.queue.Cancel)
	case "pause":
		s.handleControl(w, r, jobID, s.queue.Pause)
	case "resume":
		s.handleControl(w, r, jobID, s.queue.Resume)
	case "stream":
		s.handleJobStream(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func parseDownloadRoute(path string) (jobID string, action string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/api/downloads/")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		return "", "", false
	}
	rawID, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(rawID) == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return rawID, "", true
	}
	return rawID, parts[1], true
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request, jobID string, op func(ctx context.Context, id string) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := op(r.Context(), jobID); err != nil {
		writeQueueError(w, err)
		return
	}
	job, ok := s.queue.Get(jobID)
	if !ok {
		// Idempotent success for ids that are already gone.
		writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "ok": true})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type jobDetailResponse struct {
	Job   *jobs.Job            `json:"job"`
	Items []*jobs.PlaylistItem `json:"items,omitempty"`
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.queue.Get(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	detail := jobDetailResponse{Job: job}
	if job.Type.IsPlaylist() {
		detail.Items = s.queue.Items(jobID)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings store is not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		settings, err := s.settings.GetRuntimeSettings()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req config.RuntimeSettings
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := req.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		saved, err := s.settings.UpdateRuntimeSettings(req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if s.apply != nil {
			if err := s.apply(saved); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, saved)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

// writeQueueError maps the queue's error taxonomy onto HTTP status codes.
func writeQueueError(w http.ResponseWriter, err error) {
	var qe *jobs.QueueError
	if !errors.As(err, &qe) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch qe.Kind {
	case jobs.ErrInvalidInput:
		status = http.StatusBadRequest
	case jobs.ErrNotFound:
		status = http.StatusNotFound
	case jobs.ErrInvalidState:
		status = http.StatusConflict
	}
	payload := map[string]any{"error": qe.Message, "kind": qe.Kind.String()}
	if len(qe.ConflictIDs) > 0 {
		payload["conflict_ids"] = qe.ConflictIDs
	}
	writeJSON(w, status, payload)
}
