package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sourceCount, err := s.Store.CountSources(ctx)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	chunkCount, err := s.Store.CountAllChunks(ctx)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	resp := map[string]interface{}{
		"sources": sourceCount,
		"chunks":  chunkCount,
	}
	if s.Models != nil {
		resp["models"] = map[string]interface{}{
			"default":   s.Models.Default(),
			"providers": s.Models.Providers(),
		}
	}
	if s.Watch != nil {
		resp["watch_directories"] = s.Watch.Directories()
	}
	if s.config != nil {
		resp["config"] = map[string]interface{}{
			"storage_driver":       s.config.Storage.Driver,
			"database_path":        s.config.Storage.DatabasePath,
			"bleve_index_path":     s.config.Storage.BleveIndexPath,
			"embedding_provider":   s.config.Embedding.Provider,
			"embedding_dimensions": s.config.Embedding.Dimensions,
			"chunk_size":           s.config.Ingest.ChunkSize,
			"chunk_overlap":        s.config.Ingest.ChunkOverlap,
			"token_budget":         s.config.Context.TokenBudget,
		}
		diskBytes, err := storage.DiskUsageBytes(
			s.config.Storage.DatabasePath,
			s.config.Storage.BleveIndexPath,
			s.config.Storage.UploadsPath,
		)
		if err == nil {
			resp["disk_usage_bytes"] = diskBytes
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// modelsResponse lists the chat model registry.
type modelsResponse struct {
	Default   string   `json:"default"`
	Providers []string `json:"providers"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := modelsResponse{Providers: []string{}}
	if s.Models != nil {
		resp.Default = s.Models.Default()
		resp.Providers = s.Models.Providers()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if !s.decode(w, r, &query) {
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.String("type", string(query.Type)), zap.Int("limit", query.Limit))
	response, err := s.Search.Search(r.Context(), &query)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

type rebuildRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	req := rebuildRequest{Mode: ingest.RebuildExisting}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = ingest.RebuildExisting
	}
	s.logger.Info("rebuild embeddings", zap.String("mode", req.Mode))
	res, err := s.Pipeline.Rebuild(r.Context(), req.Mode)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

type contextRequest struct {
	Scope       models.Scope          `json:"scope"`
	Config      *models.ContextConfig `json:"context_config,omitempty"`
	Query       string                `json:"query,omitempty"`
	TokenBudget *int                  `json:"token_budget,omitempty"`
}

func (s *Server) handleBuildContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Config.Empty() {
		if err := req.Scope.Validate(); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	budget := 8000
	if s.config != nil {
		budget = s.config.Context.TokenBudget
	}
	if req.TokenBudget != nil {
		budget = *req.TokenBudget
	}
	bundle, err := s.Assembler.Build(r.Context(), assembler.Request{
		Scope:  req.Scope,
		Config: req.Config,
		Budget: budget,
		Query:  req.Query,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if bundle.Fragments == nil {
		bundle.Fragments = []models.Fragment{}
	}
	s.respondJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.Watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondErr(w, err)
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.Watch.AddDirectory(abs, syncExisting); err != nil {
		s.respondErr(w, err)
		return
	}
	s.persistWatch()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.Watch.RemoveDirectory(abs); err != nil {
		s.respondErr(w, err)
		return
	}
	s.persistWatch()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatch writes the current watch directories back to the config file.
func (s *Server) persistWatch() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	s.config.Watch.Directories = s.Watch.Directories()
	err := config.Save(s.configPath, s.config)
	s.configMu.Unlock()
	if err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// decode reads a JSON body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondErr(w, fmt.Errorf("%w: invalid request body: %v", models.ErrInvalidInput, err))
		return false
	}
	return true
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
