package indexer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

// Indexer embeds chunks into storage and keeps the keyword index in step with sources and notes.
type Indexer struct {
	chunks   storage.ChunkStore
	embedder embedding.Embedder
	keywords keyword.Index
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithLimiter throttles embedding calls; each chunk waits for one token.
func WithLimiter(l *rate.Limiter) IndexerOption {
	return func(idx *Indexer) { idx.limiter = l }
}

// NewIndexer creates an indexer. keywords may be nil to disable keyword indexing.
func NewIndexer(chunks storage.ChunkStore, embedder embedding.Embedder, keywords keyword.Index, opts ...IndexerOption) *Indexer {
	idx := &Indexer{chunks: chunks, embedder: embedder, keywords: keywords}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// EmbedAndStore embeds each span and stores it as a chunk of src, in span order. Ordinals are
// assigned 0..n-1 from emission order. The first failing chunk aborts the pass with
// models.ErrEmbedding (or the context error). On success the source is (re)indexed for
// keyword search and the number of stored chunks is returned.
func (idx *Indexer) EmbedAndStore(ctx context.Context, src *models.Source, spans iter.Seq[Span]) (int, error) {
	dims := idx.embedder.Dimensions()
	n := 0
	for span := range spans {
		if idx.limiter != nil {
			if err := idx.limiter.Wait(ctx); err != nil {
				return n, fmt.Errorf("embedding chunk %d: %w", n, err)
			}
		}
		vec, err := idx.embedder.Embed(ctx, span.Text)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return n, ctxErr
			}
			if errors.Is(err, models.ErrEmbedding) {
				return n, fmt.Errorf("chunk %d: %w", n, err)
			}
			return n, fmt.Errorf("%w: chunk %d: %v", models.ErrEmbedding, n, err)
		}
		if err := embedding.CheckDimensions(vec, dims); err != nil {
			return n, fmt.Errorf("chunk %d: %w", n, err)
		}
		chunk := &models.Chunk{
			ID:        uuid.New().String(),
			SourceID:  src.ID,
			Ordinal:   n,
			Content:   span.Text,
			Start:     span.Start,
			End:       span.End,
			Embedding: vec,
			CreatedAt: time.Now(),
		}
		if err := idx.chunks.InsertChunk(ctx, chunk); err != nil {
			return n, fmt.Errorf("failed to store chunk %d: %w", n, err)
		}
		n++
	}
	if err := idx.IndexSource(ctx, src); err != nil {
		return n, err
	}
	if idx.logger != nil {
		idx.logger.Debug("indexer source embedded", zap.String("source_id", src.ID), zap.Int("chunks", n))
	}
	return n, nil
}

// Reset deletes every chunk of the source and removes it from the keyword index.
func (idx *Indexer) Reset(ctx context.Context, sourceID string) error {
	if err := idx.chunks.DeleteChunks(ctx, sourceID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return idx.RemoveSource(ctx, sourceID)
}

// IndexSource adds or replaces the source's title and full text in the keyword index.
func (idx *Indexer) IndexSource(ctx context.Context, src *models.Source) error {
	if idx.keywords == nil {
		return nil
	}
	doc := &keyword.Document{Kind: models.EntitySource, ID: src.ID, Title: src.Title, Content: src.FullText}
	if err := idx.keywords.Index(ctx, doc); err != nil {
		return fmt.Errorf("failed to index keywords: %w", err)
	}
	return nil
}

// RemoveSource removes the source from the keyword index.
func (idx *Indexer) RemoveSource(ctx context.Context, sourceID string) error {
	if idx.keywords == nil {
		return nil
	}
	if err := idx.keywords.Delete(ctx, models.EntitySource, sourceID); err != nil {
		return fmt.Errorf("failed to delete from keyword index: %w", err)
	}
	return nil
}

// IndexNote adds or replaces a note in the keyword index.
func (idx *Indexer) IndexNote(ctx context.Context, note *models.Note) error {
	if idx.keywords == nil {
		return nil
	}
	doc := &keyword.Document{Kind: models.EntityNote, ID: note.ID, Title: note.Title, Content: note.Content}
	if err := idx.keywords.Index(ctx, doc); err != nil {
		return fmt.Errorf("failed to index note: %w", err)
	}
	return nil
}

// RemoveNote removes a note from the keyword index.
func (idx *Indexer) RemoveNote(ctx context.Context, noteID string) error {
	if idx.keywords == nil {
		return nil
	}
	if err := idx.keywords.Delete(ctx, models.EntityNote, noteID); err != nil {
		return fmt.Errorf("failed to delete note from keyword index: %w", err)
	}
	return nil
}
