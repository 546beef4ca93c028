package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperjump/kioku/internal/notebook"
)

func (s *Server) handleCreateNotebook(w http.ResponseWriter, r *http.Request) {
	var in notebook.NotebookInput
	if !s.decode(w, r, &in) {
		return
	}
	nb, err := s.Notebooks.CreateNotebook(r.Context(), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, nb)
}

func (s *Server) handleListNotebooks(w http.ResponseWriter, r *http.Request) {
	nbs, err := s.Notebooks.ListNotebooks(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, nbs)
}

func (s *Server) handleGetNotebook(w http.ResponseWriter, r *http.Request) {
	nb, err := s.Notebooks.GetNotebook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, nb)
}

func (s *Server) handleUpdateNotebook(w http.ResponseWriter, r *http.Request) {
	var in notebook.NotebookInput
	if !s.decode(w, r, &in) {
		return
	}
	nb, err := s.Notebooks.UpdateNotebook(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, nb)
}

func (s *Server) handleDeleteNotebook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Notebooks.DeleteNotebook(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func (s *Server) handleLinkSource(w http.ResponseWriter, r *http.Request) {
	id, sourceID := chi.URLParam(r, "id"), chi.URLParam(r, "sourceID")
	if err := s.Notebooks.LinkSource(r.Context(), id, sourceID); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"notebook_id": id, "source_id": sourceID, "status": "linked"})
}

func (s *Server) handleUnlinkSource(w http.ResponseWriter, r *http.Request) {
	id, sourceID := chi.URLParam(r, "id"), chi.URLParam(r, "sourceID")
	if err := s.Notebooks.UnlinkSource(r.Context(), id, sourceID); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"notebook_id": id, "source_id": sourceID, "status": "unlinked"})
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request) {
	var in notebook.NoteInput
	if !s.decode(w, r, &in) {
		return
	}
	note, err := s.Notebooks.CreateNote(r.Context(), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, note)
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.Notebooks.ListNotes(r.Context(), r.URL.Query().Get("notebook_id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, notes)
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	note, err := s.Notebooks.GetNote(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, note)
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	var in notebook.NoteInput
	if !s.decode(w, r, &in) {
		return
	}
	note, err := s.Notebooks.UpdateNote(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, note)
}

func (s *Server) handleDeleteNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Notebooks.DeleteNote(r.Context(), id); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
