package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

const (
	// DefaultVectorMinScore is the similarity floor for vector search when none is given.
	DefaultVectorMinScore = 0.2
	snippetLength         = 300
	minHybridCandidates   = 50
)

// Engine runs text (keyword), vector and hybrid search over sources and notes.
type Engine struct {
	store     storage.Storage
	keywords  keyword.Index
	retriever *Retriever
	spell     *keyword.SpellChecker
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithSpellChecker offers a corrected query when keyword matching finds nothing. It has no
// effect unless the keyword index exposes its term dictionary.
func WithSpellChecker(opts ...keyword.SpellCheckerOption) EngineOption {
	return func(e *Engine) {
		if dict, ok := e.keywords.(keyword.TermDictionary); ok {
			e.spell = keyword.NewSpellChecker(dict, opts...)
		}
	}
}

// NewEngine creates a search engine.
func NewEngine(store storage.Storage, keywords keyword.Index, retriever *Retriever, opts ...EngineOption) *Engine {
	e := &Engine{store: store, keywords: keywords, retriever: retriever}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search validates query and dispatches on its type.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if err := query.Validate(); err != nil {
		return nil, err
	}
	var (
		results    []*models.SearchResult
		noKeywords bool
		err        error
	)
	switch query.Type {
	case models.SearchVector:
		results, err = e.vectorSearch(ctx, query)
	case models.SearchHybrid:
		results, noKeywords, err = e.hybridSearch(ctx, query)
	default:
		results, err = e.textSearch(ctx, query)
		noKeywords = len(results) == 0
	}
	if err != nil {
		return nil, err
	}
	for i, r := range results {
		r.Rank = i + 1
	}
	if e.logger != nil {
		e.logger.Debug("search", zap.String("type", string(query.Type)), zap.Int("results", len(results)))
	}
	resp := &models.SearchResponse{
		Results: results,
		Total:   len(results),
		Query:   query.Query,
		Type:    query.Type,
	}
	if noKeywords {
		resp.Suggestion = e.suggest(query.Query)
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}

// hybridSearch runs keyword and vector search concurrently and fuses them per source or note.
// noKeywords reports whether the keyword side matched nothing.
func (e *Engine) hybridSearch(ctx context.Context, query *models.SearchQuery) (results []*models.SearchResult, noKeywords bool, err error) {
	candidates := max(query.Limit*2, minHybridCandidates)
	textQuery := *query
	textQuery.Limit = candidates
	textQuery.MinScore = 0
	vectorQuery := textQuery

	var (
		wg                 sync.WaitGroup
		textRes, vectorRes []*models.SearchResult
		textErr, vectorErr error
	)
	if query.KeywordWeight > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			textRes, textErr = e.textSearch(ctx, &textQuery)
		}()
	}
	if query.SemanticWeight > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vectorRes, vectorErr = e.vectorSearch(ctx, &vectorQuery)
		}()
	}
	wg.Wait()
	if err := errors.Join(textErr, vectorErr); err != nil {
		return nil, false, err
	}

	fused := Fuse(textRes, BestChunkPerSource(vectorRes), query.KeywordWeight, query.SemanticWeight)
	results = make([]*models.SearchResult, 0, min(len(fused), query.Limit))
	for _, f := range fused {
		if f.Score < query.MinScore {
			continue
		}
		r := f.Result
		r.Score = f.Score
		r.KeywordScore = f.KeywordScore
		r.SemanticScore = f.SemanticScore
		results = append(results, r)
		if len(results) == query.Limit {
			break
		}
	}
	return results, query.KeywordWeight > 0 && len(textRes) == 0, nil
}

// suggest returns a corrected query, or "" when none applies or no spell checker is set.
func (e *Engine) suggest(query string) string {
	if e.spell == nil {
		return ""
	}
	corrected, err := e.spell.Correct(query)
	if err != nil {
		if e.logger != nil {
			e.logger.Debug("spell check failed", zap.Error(err))
		}
		return ""
	}
	return corrected
}

func (e *Engine) vectorSearch(ctx context.Context, query *models.SearchQuery) ([]*models.SearchResult, error) {
	minScore := query.MinScore
	if minScore <= 0 {
		minScore = DefaultVectorMinScore
	}
	hits, err := e.retriever.SearchText(ctx, Scope{NotebookID: query.NotebookID, SourceIDs: query.SourceIDs}, query.Query, minScore, query.Limit)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string)
	results := make([]*models.SearchResult, 0, len(hits))
	for _, h := range hits {
		title, ok := titles[h.Chunk.SourceID]
		if !ok {
			if src, err := e.store.GetSource(ctx, h.Chunk.SourceID); err == nil {
				title = src.Title
			}
			titles[h.Chunk.SourceID] = title
		}
		results = append(results, &models.SearchResult{
			Kind:     models.EntitySource,
			ID:       h.Chunk.SourceID,
			Title:    title,
			SourceID: h.Chunk.SourceID,
			ChunkID:  h.Chunk.ID,
			Ordinal:  h.Chunk.Ordinal,
			Snippet:  Highlight(h.Chunk.Content, query.Query, snippetLength),
			Score:    h.Score,
		})
	}
	return results, nil
}

func (e *Engine) textSearch(ctx context.Context, query *models.SearchQuery) ([]*models.SearchResult, error) {
	docIDs, err := e.scopeDocIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := e.keywords.Search(ctx, query.Query, query.Limit, &keyword.SearchOptions{
		TitleBoost:  2.0,
		PhraseBoost: 1.5,
		DocIDs:      docIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRetrieval, err)
	}
	scores := NormalizeScores(hits)
	results := make([]*models.SearchResult, 0, len(hits))
	for _, h := range hits {
		score := scores[keyword.DocID(h.Kind, h.ID)]
		if score < query.MinScore {
			continue
		}
		r, err := e.describe(ctx, h, query.Query)
		if errors.Is(err, models.ErrNotFound) {
			// Stale index entry for a deleted record.
			continue
		}
		if err != nil {
			return nil, err
		}
		r.Score = score
		results = append(results, r)
	}
	return results, nil
}

// scopeDocIDs lists the index ids a text query may match; nil means unrestricted.
func (e *Engine) scopeDocIDs(ctx context.Context, query *models.SearchQuery) ([]string, error) {
	if query.NotebookID == "" && query.SourceIDs == nil {
		return nil, nil
	}
	sourceIDs, err := e.retriever.resolve(ctx, Scope{NotebookID: query.NotebookID, SourceIDs: query.SourceIDs})
	if err != nil {
		return nil, err
	}
	docIDs := make([]string, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		docIDs = append(docIDs, keyword.DocID(models.EntitySource, id))
	}
	if query.NotebookID != "" && query.SourceIDs == nil {
		notes, err := e.store.ListNotes(ctx, query.NotebookID)
		if err != nil {
			return nil, fmt.Errorf("%w: list notes: %v", models.ErrRetrieval, err)
		}
		for _, n := range notes {
			docIDs = append(docIDs, keyword.DocID(models.EntityNote, n.ID))
		}
	}
	return docIDs, nil
}

func (e *Engine) describe(ctx context.Context, h *keyword.Hit, query string) (*models.SearchResult, error) {
	switch h.Kind {
	case models.EntityNote:
		n, err := e.store.GetNote(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		return &models.SearchResult{Kind: models.EntityNote, ID: n.ID, Title: n.Title, Snippet: Highlight(n.Content, query, snippetLength)}, nil
	default:
		s, err := e.store.GetSource(ctx, h.ID)
		if err != nil {
			return nil, err
		}
		return &models.SearchResult{Kind: models.EntitySource, ID: s.ID, SourceID: s.ID, Title: s.Title, Snippet: Highlight(s.FullText, query, snippetLength)}, nil
	}
}

// NormalizeScores maps keyword hits to [0,1] by dividing by the best score, keyed by index id.
func NormalizeScores(hits []*keyword.Hit) map[string]float64 {
	normalized := make(map[string]float64, len(hits))
	maxScore := 0.0
	for _, h := range hits {
		maxScore = max(maxScore, h.Score)
	}
	for _, h := range hits {
		if maxScore > 0 {
			normalized[keyword.DocID(h.Kind, h.ID)] = h.Score / maxScore
		} else {
			normalized[keyword.DocID(h.Kind, h.ID)] = 0
		}
	}
	return normalized
}
