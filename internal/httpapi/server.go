package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/TaehongKim/personal-audio/internal/config"
	"github.com/TaehongKim/personal-audio/internal/jobs"
)

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type runtimeSettingsApplier func(next config.RuntimeSettings) error

type Server struct {
	queue    *jobs.Queue
	settings runtimeSettingsStore
	apply    runtimeSettingsApplier

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithRuntimeSettingsApplier(apply runtimeSettingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

func NewServer(queue *jobs.Queue, opts ...Option) *Server {
	s := &Server{
		queue: queue,
		mux:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/downloads", s.handleDownloads)
	s.mux.HandleFunc("/api/downloads/summary", s.handleSummary)
	s.mux.HandleFunc("/api/downloads/stream", s.handleGlobalStream)
	s.mux.HandleFunc("/api/downloads/pause-all", s.handlePauseAll)
	s.mux.HandleFunc("/api/downloads/resume-all", s.handleResumeAll)
	s.mux.HandleFunc("/api/downloads/delete-batch", s.handleDeleteBatch)
	s.mux.HandleFunc("/api/downloads/", s.handleDownloadRoutes)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
}
