// Package search provides chunk-level vector retrieval and the text/vector search surface.
package search

import (
	"context"
	"fmt"
	"slices"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

// Scope limits retrieval to a notebook's sources, an explicit set of sources, or both
// (intersection). The zero Scope covers every source.
type Scope struct {
	NotebookID string
	SourceIDs  []string
}

// ScopeOf converts a chat scope into a retrieval scope.
func ScopeOf(s models.Scope) Scope {
	if s.Kind == models.ScopeNotebook {
		return Scope{NotebookID: s.ID}
	}
	return Scope{SourceIDs: []string{s.ID}}
}

// Retriever finds the chunks most similar to a query vector.
type Retriever struct {
	store    storage.Storage
	embedder embedding.Embedder
}

// NewRetriever creates a retriever.
func NewRetriever(store storage.Storage, embedder embedding.Embedder) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// Search returns up to limit chunks in scope with score >= threshold, ordered by score desc,
// then ordinal, source id and chunk id. Only sources whose last embedding pass succeeded
// contribute. No match is an empty slice, not an error.
func (r *Retriever) Search(ctx context.Context, scope Scope, query []float32, threshold float64, limit int) ([]models.ChunkHit, error) {
	sourceIDs, err := r.resolve(ctx, scope)
	if err != nil {
		return nil, err
	}
	if sourceIDs != nil && len(sourceIDs) == 0 {
		return []models.ChunkHit{}, nil
	}
	candidates, err := r.store.ChunkCandidates(ctx, sourceIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: load candidates: %v", models.ErrRetrieval, err)
	}
	return vector.Rank(query, candidates, threshold, limit), nil
}

// SearchText embeds text and runs Search.
func (r *Retriever) SearchText(ctx context.Context, scope Scope, text string, threshold float64, limit int) ([]models.ChunkHit, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", models.ErrRetrieval, err)
	}
	return r.Search(ctx, scope, vec, threshold, limit)
}

// resolve returns the source ids in scope, or nil for all sources.
func (r *Retriever) resolve(ctx context.Context, scope Scope) ([]string, error) {
	if scope.NotebookID == "" {
		return scope.SourceIDs, nil
	}
	ids, err := r.store.SourceIDs(ctx, scope.NotebookID)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve notebook %s: %v", models.ErrRetrieval, scope.NotebookID, err)
	}
	if ids == nil {
		ids = []string{}
	}
	if scope.SourceIDs == nil {
		return ids, nil
	}
	out := make([]string, 0, len(scope.SourceIDs))
	for _, id := range scope.SourceIDs {
		if slices.Contains(ids, id) {
			out = append(out, id)
		}
	}
	return out, nil
}
