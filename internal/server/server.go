// Package server provides the HTTP API for kioku.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/chat"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/llm"
	"github.com/hyperjump/kioku/internal/notebook"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
)

// WatchService manages the watched upload directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, scanExisting bool) error
	RemoveDirectory(path string) error
}

// Deps are the services the API exposes. Watch and Models may be nil.
type Deps struct {
	Store     storage.Storage
	Pipeline  *ingest.Pipeline
	Notebooks *notebook.Service
	Chat      *chat.Service
	Assembler *assembler.Assembler
	Search    *search.Engine
	Models    *llm.Registry
	Watch     WatchService
}

// Server is the HTTP server for the kioku API.
type Server struct {
	Deps
	config     *config.Config
	configPath string
	configMu   sync.Mutex
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a server. configPath is where watch directory changes are persisted;
// empty disables persistence.
func NewServer(deps Deps, cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Deps: deps, config: cfg, configPath: configPath, logger: logger}
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		// Routes that wait on ingestion or a model answer; server.write_timeout still bounds them.
		r.Post("/chat/sessions/{id}/messages", s.handleChatMessage)
		r.Post("/embeddings/rebuild", s.handleRebuild)
		r.Post("/sources", s.handleCreateSource)
		r.Post("/sources/{id}/reprocess", s.handleReprocess)
		r.Post("/sources/{id}/insights", s.handleCreateInsight)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(middleware.Compress(5))

			r.Get("/status", s.handleStatus)
			r.Get("/models", s.handleListModels)
			r.Post("/search", s.handleSearch)

			r.Post("/notebooks", s.handleCreateNotebook)
			r.Get("/notebooks", s.handleListNotebooks)
			r.Get("/notebooks/{id}", s.handleGetNotebook)
			r.Put("/notebooks/{id}", s.handleUpdateNotebook)
			r.Delete("/notebooks/{id}", s.handleDeleteNotebook)
			r.Post("/notebooks/{id}/sources/{sourceID}", s.handleLinkSource)
			r.Delete("/notebooks/{id}/sources/{sourceID}", s.handleUnlinkSource)

			r.Get("/sources", s.handleListSources)
			r.Get("/sources/{id}", s.handleGetSource)
			r.Delete("/sources/{id}", s.handleDeleteSource)
			r.Get("/sources/{id}/status", s.handleSourceStatus)
			r.Get("/sources/{id}/insights", s.handleListInsights)
			r.Post("/insights/{id}/note", s.handleSaveInsightAsNote)

			r.Get("/commands", s.handleListCommands)
			r.Get("/commands/{id}", s.handleGetCommand)
			r.Delete("/commands/{id}", s.handleCancelCommand)

			r.Post("/notes", s.handleCreateNote)
			r.Get("/notes", s.handleListNotes)
			r.Get("/notes/{id}", s.handleGetNote)
			r.Put("/notes/{id}", s.handleUpdateNote)
			r.Delete("/notes/{id}", s.handleDeleteNote)

			r.Post("/chat/sessions", s.handleCreateSession)
			r.Get("/chat/sessions", s.handleListSessions)
			r.Get("/chat/sessions/{id}", s.handleGetSession)
			r.Put("/chat/sessions/{id}", s.handleUpdateSession)
			r.Delete("/chat/sessions/{id}", s.handleDeleteSession)
			r.Post("/chat/context", s.handleBuildContext)

			r.Get("/watch/directories", s.handleWatchDirectoriesList)
			r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
			r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.Server.WriteTimeout,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
