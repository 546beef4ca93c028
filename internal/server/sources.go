package server

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/notebook"
)

const maxUploadMemory = 32 << 20

// submitResponse carries the failure of a synchronous attempt next to its result.
type submitResponse struct {
	*models.SubmitResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	var (
		in  *models.SourceInput
		err error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		in, err = s.uploadInput(r)
	} else {
		in = &models.SourceInput{}
		if !s.decode(w, r, in) {
			return
		}
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Debug("create source request", zap.String("type", string(in.Type)), zap.Bool("async", in.Async))
	s.respondSubmit(w, http.StatusCreated, func() (*models.SubmitResult, error) {
		return s.Pipeline.Submit(r.Context(), in)
	})
}

// respondSubmit answers with the attempt result. A synchronous attempt that failed still
// created its source, so the failure is reported inside a success response.
func (s *Server) respondSubmit(w http.ResponseWriter, status int, submit func() (*models.SubmitResult, error)) {
	res, err := submit()
	if res == nil {
		s.respondErr(w, err)
		return
	}
	resp := submitResponse{SubmitResult: res}
	if err != nil {
		resp.Error = err.Error()
	}
	s.respondJSON(w, status, resp)
}

// uploadInput saves the multipart "file" field under the uploads directory and builds an
// upload source from the remaining form fields.
func (s *Server) uploadInput(r *http.Request) (*models.SourceInput, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, fmt.Errorf("%w: invalid multipart form: %v", models.ErrInvalidInput, err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("%w: file field is required", models.ErrInvalidInput)
	}
	defer file.Close()

	path, err := s.saveUpload(file, header)
	if err != nil {
		return nil, err
	}
	in := &models.SourceInput{
		Type:     models.SourceUpload,
		FilePath: path,
		Title:    r.FormValue("title"),
	}
	if in.Title == "" {
		in.Title = filepath.Base(header.Filename)
	}
	for _, v := range r.MultipartForm.Value["notebooks"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				in.Notebooks = append(in.Notebooks, id)
			}
		}
	}
	if v := r.FormValue("async_processing"); v != "" {
		if in.Async, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("%w: async_processing must be a boolean", models.ErrInvalidInput)
		}
	}
	if v := r.FormValue("embed"); v != "" {
		embed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: embed must be a boolean", models.ErrInvalidInput)
		}
		in.Embed = &embed
	}
	return in, nil
}

func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	dir := os.TempDir()
	if s.config != nil && s.config.Storage.UploadsPath != "" {
		dir = s.config.Storage.UploadsPath
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "upload"
	}
	path := filepath.Join(dir, uuid.New().String()+"-"+name)
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	s.logger.Debug("upload saved", zap.String("path", path), zap.Int64("size", header.Size))
	return path, nil
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	notebookID := r.URL.Query().Get("notebook_id")
	if notebookID != "" {
		if _, err := s.Store.GetNotebook(ctx, notebookID); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	sources, err := s.Store.ListSources(ctx, notebookID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out := make([]models.Source, 0, len(sources))
	for _, src := range sources {
		item := *src
		item.FullText = ""
		out = append(out, item)
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.Store.GetSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.logger.Debug("delete source request", zap.String("id", id))
	if err := s.Pipeline.Delete(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.Pipeline.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// handleReprocess queues a new attempt; ?async=false waits for it.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	async := true
	if v := r.URL.Query().Get("async"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "async must be a boolean")
			return
		}
		async = b
	}
	id := chi.URLParam(r, "id")
	s.respondSubmit(w, http.StatusAccepted, func() (*models.SubmitResult, error) {
		return s.Pipeline.Reprocess(r.Context(), id, async)
	})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	ins, err := s.Notebooks.ListInsights(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, ins)
}

func (s *Server) handleCreateInsight(w http.ResponseWriter, r *http.Request) {
	var in notebook.InsightInput
	if !s.decode(w, r, &in) {
		return
	}
	ins, err := s.Notebooks.CreateInsight(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, ins)
}

func (s *Server) handleSaveInsightAsNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NotebookID string `json:"notebook_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.NotebookID == "" {
		s.respondError(w, http.StatusBadRequest, "notebook_id is required")
		return
	}
	note, err := s.Notebooks.SaveInsightAsNote(r.Context(), chi.URLParam(r, "id"), req.NotebookID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sourceID := r.URL.Query().Get("source_id")
	if sourceID != "" {
		if _, err := s.Store.GetSource(ctx, sourceID); err != nil {
			s.respondErr(w, err)
			return
		}
	}
	cmds, err := s.Store.ListCommands(ctx, sourceID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if cmds == nil {
		cmds = []*models.Command{}
	}
	s.respondJSON(w, http.StatusOK, cmds)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.Store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Pipeline.Cancel(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}
