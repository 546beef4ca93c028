// Package storage defines the persistence interfaces for notebooks, sources, chunks,
// commands, notes and chat sessions.
package storage

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// NotebookStore persists notebooks and their source links.
type NotebookStore interface {
	CreateNotebook(ctx context.Context, nb *models.Notebook) error
	GetNotebook(ctx context.Context, id string) (*models.Notebook, error)
	ListNotebooks(ctx context.Context) ([]*models.Notebook, error)
	UpdateNotebook(ctx context.Context, nb *models.Notebook) error
	DeleteNotebook(ctx context.Context, id string) error
	LinkSource(ctx context.Context, notebookID, sourceID string) error
	UnlinkSource(ctx context.Context, notebookID, sourceID string) error
}

// SourceStore persists sources and their insights.
type SourceStore interface {
	// CreateSource inserts src, its notebook links and its first command in one transaction.
	CreateSource(ctx context.Context, src *models.Source, cmd *models.Command) error
	GetSource(ctx context.Context, id string) (*models.Source, error)
	GetSourceByExternalKey(ctx context.Context, key string) (*models.Source, error)
	// ListSources returns sources ordered by id; an empty notebookID lists all.
	ListSources(ctx context.Context, notebookID string) ([]*models.Source, error)
	SourceIDs(ctx context.Context, notebookID string) ([]string, error)
	UpdateSourceContent(ctx context.Context, id, title, fullText string) error
	DeleteSource(ctx context.Context, id string) error
	CountSources(ctx context.Context) (int64, error)

	CreateInsight(ctx context.Context, in *models.Insight) error
	GetInsight(ctx context.Context, id string) (*models.Insight, error)
	ListInsights(ctx context.Context, sourceID string) ([]*models.Insight, error)
}

// CommandStore persists ingestion attempts.
type CommandStore interface {
	// StartCommand inserts cmd and points its source at it with status pending.
	StartCommand(ctx context.Context, cmd *models.Command) error
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	ListCommands(ctx context.Context, sourceID string) ([]*models.Command, error)
	// ApplyTransition updates the command and its source in one transaction.
	ApplyTransition(ctx context.Context, t models.Transition) error
}

// ChunkStore persists embedded chunks.
type ChunkStore interface {
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
	DeleteChunks(ctx context.Context, sourceID string) error
	ListChunks(ctx context.Context, sourceID string) ([]*models.Chunk, error)
	CountChunks(ctx context.Context, sourceID string) (int, error)
	CountAllChunks(ctx context.Context) (int64, error)
	// ChunkCandidates returns chunks with embeddings for the given sources (all when nil),
	// restricted to sources whose last embedding pass succeeded.
	ChunkCandidates(ctx context.Context, sourceIDs []string) ([]*models.Chunk, error)
}

// NoteStore persists notebook notes.
type NoteStore interface {
	CreateNote(ctx context.Context, note *models.Note) error
	GetNote(ctx context.Context, id string) (*models.Note, error)
	ListNotes(ctx context.Context, notebookID string) ([]*models.Note, error)
	UpdateNote(ctx context.Context, note *models.Note) error
	DeleteNote(ctx context.Context, id string) error
}

// ChatStore persists chat sessions and their messages.
type ChatStore interface {
	CreateSession(ctx context.Context, s *models.ChatSession) error
	GetSession(ctx context.Context, id string) (*models.ChatSession, error)
	ListSessions(ctx context.Context, scope models.Scope) ([]*models.ChatSession, error)
	UpdateSession(ctx context.Context, s *models.ChatSession) error
	DeleteSession(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, m *models.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// Storage is the full persistence surface.
type Storage interface {
	NotebookStore
	SourceStore
	CommandStore
	ChunkStore
	NoteStore
	ChatStore
	Close() error
}
