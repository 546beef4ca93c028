// Package notebook manages notebooks, notes and source insights.
package notebook

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

// KeywordIndexer keeps notes searchable.
type KeywordIndexer interface {
	IndexNote(ctx context.Context, note *models.Note) error
	RemoveNote(ctx context.Context, noteID string) error
}

// Service wraps storage with validation, id assignment and note indexing.
type Service struct {
	store   storage.Storage
	indexer KeywordIndexer
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger for keyword index failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a notebook service. indexer may be nil.
func NewService(store storage.Storage, indexer KeywordIndexer, opts ...Option) *Service {
	s := &Service{store: store, indexer: indexer}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NotebookInput creates or updates a notebook. Nil fields are left unchanged on update.
type NotebookInput struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Archived    *bool   `json:"archived,omitempty"`
}

// CreateNotebook creates a notebook; the name is required.
func (s *Service) CreateNotebook(ctx context.Context, in NotebookInput) (*models.Notebook, error) {
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		return nil, fmt.Errorf("%w: notebook name is required", models.ErrInvalidInput)
	}
	nb := &models.Notebook{ID: uuid.New().String(), Name: strings.TrimSpace(*in.Name)}
	if in.Description != nil {
		nb.Description = *in.Description
	}
	if in.Archived != nil {
		nb.Archived = *in.Archived
	}
	if err := s.store.CreateNotebook(ctx, nb); err != nil {
		return nil, err
	}
	return nb, nil
}

func (s *Service) GetNotebook(ctx context.Context, id string) (*models.Notebook, error) {
	return s.store.GetNotebook(ctx, id)
}

func (s *Service) ListNotebooks(ctx context.Context) ([]*models.Notebook, error) {
	nbs, err := s.store.ListNotebooks(ctx)
	if nbs == nil && err == nil {
		nbs = []*models.Notebook{}
	}
	return nbs, err
}

// UpdateNotebook applies the non-nil fields of in.
func (s *Service) UpdateNotebook(ctx context.Context, id string, in NotebookInput) (*models.Notebook, error) {
	nb, err := s.store.GetNotebook(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		if strings.TrimSpace(*in.Name) == "" {
			return nil, fmt.Errorf("%w: notebook name cannot be empty", models.ErrInvalidInput)
		}
		nb.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		nb.Description = *in.Description
	}
	if in.Archived != nil {
		nb.Archived = *in.Archived
	}
	if err := s.store.UpdateNotebook(ctx, nb); err != nil {
		return nil, err
	}
	return nb, nil
}

// DeleteNotebook removes the notebook with its notes and links; linked sources are kept.
func (s *Service) DeleteNotebook(ctx context.Context, id string) error {
	notes, err := s.store.ListNotes(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNotebook(ctx, id); err != nil {
		return err
	}
	for _, n := range notes {
		s.unindex(ctx, n.ID)
	}
	return nil
}

func (s *Service) LinkSource(ctx context.Context, notebookID, sourceID string) error {
	return s.store.LinkSource(ctx, notebookID, sourceID)
}

func (s *Service) UnlinkSource(ctx context.Context, notebookID, sourceID string) error {
	return s.store.UnlinkSource(ctx, notebookID, sourceID)
}

// NoteInput creates or updates a note. NotebookID is required on create only.
type NoteInput struct {
	NotebookID string          `json:"notebook_id,omitempty"`
	Title      *string         `json:"title,omitempty"`
	Content    *string         `json:"content,omitempty"`
	Type       models.NoteType `json:"note_type,omitempty"`
}

// CreateNote creates a note in an existing notebook. An empty title is derived from the content.
func (s *Service) CreateNote(ctx context.Context, in NoteInput) (*models.Note, error) {
	if in.NotebookID == "" {
		return nil, fmt.Errorf("%w: notebook_id is required", models.ErrInvalidInput)
	}
	if in.Content == nil || strings.TrimSpace(*in.Content) == "" {
		return nil, fmt.Errorf("%w: note content is required", models.ErrInvalidInput)
	}
	switch in.Type {
	case "":
		in.Type = models.NoteHuman
	case models.NoteHuman, models.NoteAI:
	default:
		return nil, fmt.Errorf("%w: unknown note type %q", models.ErrInvalidInput, in.Type)
	}
	note := &models.Note{ID: uuid.New().String(), NotebookID: in.NotebookID, Content: *in.Content, Type: in.Type}
	if in.Title != nil {
		note.Title = *in.Title
	}
	if note.Title == "" {
		note.Title = utils.TitleFrom(note.Content, 60)
	}
	if err := s.store.CreateNote(ctx, note); err != nil {
		return nil, err
	}
	s.index(ctx, note)
	return note, nil
}

func (s *Service) GetNote(ctx context.Context, id string) (*models.Note, error) {
	return s.store.GetNote(ctx, id)
}

// ListNotes lists the notes of a notebook, or all notes when notebookID is empty.
func (s *Service) ListNotes(ctx context.Context, notebookID string) ([]*models.Note, error) {
	if notebookID != "" {
		if _, err := s.store.GetNotebook(ctx, notebookID); err != nil {
			return nil, err
		}
	}
	notes, err := s.store.ListNotes(ctx, notebookID)
	if notes == nil && err == nil {
		notes = []*models.Note{}
	}
	return notes, err
}

// UpdateNote applies the non-nil title and content of in.
func (s *Service) UpdateNote(ctx context.Context, id string, in NoteInput) (*models.Note, error) {
	note, err := s.store.GetNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		note.Title = *in.Title
	}
	if in.Content != nil {
		if strings.TrimSpace(*in.Content) == "" {
			return nil, fmt.Errorf("%w: note content cannot be empty", models.ErrInvalidInput)
		}
		note.Content = *in.Content
	}
	if err := s.store.UpdateNote(ctx, note); err != nil {
		return nil, err
	}
	s.index(ctx, note)
	return note, nil
}

func (s *Service) DeleteNote(ctx context.Context, id string) error {
	if err := s.store.DeleteNote(ctx, id); err != nil {
		return err
	}
	s.unindex(ctx, id)
	return nil
}

// InsightInput creates an insight.
type InsightInput struct {
	Type    string `json:"insight_type"`
	Content string `json:"content"`
}

// CreateInsight attaches a derived highlight to a source.
func (s *Service) CreateInsight(ctx context.Context, sourceID string, in InsightInput) (*models.Insight, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, fmt.Errorf("%w: insight content is required", models.ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = "summary"
	}
	ins := &models.Insight{ID: uuid.New().String(), SourceID: sourceID, Type: in.Type, Content: in.Content}
	if err := s.store.CreateInsight(ctx, ins); err != nil {
		return nil, err
	}
	return ins, nil
}

// ListInsights lists the insights of an existing source.
func (s *Service) ListInsights(ctx context.Context, sourceID string) ([]*models.Insight, error) {
	if _, err := s.store.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	ins, err := s.store.ListInsights(ctx, sourceID)
	if ins == nil && err == nil {
		ins = []*models.Insight{}
	}
	return ins, err
}

// SaveInsightAsNote copies an insight into notebookID as an AI note.
func (s *Service) SaveInsightAsNote(ctx context.Context, insightID, notebookID string) (*models.Note, error) {
	ins, err := s.store.GetInsight(ctx, insightID)
	if err != nil {
		return nil, err
	}
	title := ins.Type
	if src, err := s.store.GetSource(ctx, ins.SourceID); err == nil && src.Title != "" {
		title = fmt.Sprintf("%s: %s", ins.Type, src.Title)
	}
	return s.CreateNote(ctx, NoteInput{NotebookID: notebookID, Title: &title, Content: &ins.Content, Type: models.NoteAI})
}

func (s *Service) index(ctx context.Context, note *models.Note) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.IndexNote(ctx, note); err != nil && s.logger != nil {
		s.logger.Warn("failed to index note", zap.String("note_id", note.ID), zap.Error(err))
	}
}

func (s *Service) unindex(ctx context.Context, id string) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.RemoveNote(ctx, id); err != nil && s.logger != nil {
		s.logger.Warn("failed to remove note from index", zap.String("note_id", id), zap.Error(err))
	}
}
