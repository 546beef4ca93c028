// Package assembler builds the token-budgeted context bundle sent to the chat model.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
)

// Overflow decides what happens to the first fragment that does not fit the budget.
type Overflow string

const (
	// OverflowTruncate cuts the fragment to the remaining budget and stops.
	OverflowTruncate Overflow = "truncate"
	// OverflowSkip drops the fragment and keeps going.
	OverflowSkip Overflow = "skip"
)

// ParseOverflow accepts "truncate" (also the empty string) and "skip".
func ParseOverflow(s string) (Overflow, error) {
	switch Overflow(s) {
	case "", OverflowTruncate:
		return OverflowTruncate, nil
	case OverflowSkip:
		return OverflowSkip, nil
	}
	return "", fmt.Errorf("%w: unknown overflow policy %q", models.ErrInvalidInput, s)
}

// Retriever finds the chunks of a scope most similar to a query.
type Retriever interface {
	SearchText(ctx context.Context, scope search.Scope, query string, threshold float64, limit int) ([]models.ChunkHit, error)
}

// Request describes one context build. A nil or empty Config means DefaultConfig(Scope).
type Request struct {
	Scope  models.Scope
	Config *models.ContextConfig
	Budget int
	Query  string
}

// Assembler resolves inclusion modes to text and fits it to a token budget.
type Assembler struct {
	store     storage.Storage
	retriever Retriever
	counter   TokenCounter
	overflow  Overflow
	threshold float64
	limit     int
	logger    *zap.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets a logger for skipped entities and degraded retrieval.
func WithLogger(l *zap.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// WithCounter sets the token counter (default WordCounter).
func WithCounter(c TokenCounter) Option {
	return func(a *Assembler) { a.counter = c }
}

// WithOverflow sets the overflow policy (default truncate).
func WithOverflow(o Overflow) Option {
	return func(a *Assembler) { a.overflow = o }
}

// WithRetrieval sets the similarity threshold and chunk limit for query-driven inclusion.
func WithRetrieval(threshold float64, limit int) Option {
	return func(a *Assembler) {
		a.threshold = threshold
		a.limit = limit
	}
}

// New creates an assembler. retriever may be nil to disable similarity inclusion.
func New(store storage.Storage, retriever Retriever, opts ...Option) *Assembler {
	a := &Assembler{
		store:     store,
		retriever: retriever,
		counter:   WordCounter{},
		overflow:  OverflowTruncate,
		threshold: 0.2,
		limit:     5,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// DefaultConfig includes every source in scope as insights and, for a notebook, every note in full.
func (a *Assembler) DefaultConfig(ctx context.Context, scope models.Scope) (*models.ContextConfig, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	cfg := &models.ContextConfig{Sources: map[string]models.InclusionMode{}, Notes: map[string]models.InclusionMode{}}
	if scope.Kind == models.ScopeSource {
		cfg.Sources[scope.ID] = models.IncludeInsights
		return cfg, nil
	}
	sourceIDs, err := a.store.SourceIDs(ctx, scope.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range sourceIDs {
		cfg.Sources[id] = models.IncludeInsights
	}
	notes, err := a.store.ListNotes(ctx, scope.ID)
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		cfg.Notes[n.ID] = models.IncludeFull
	}
	return cfg, nil
}

// Build assembles the bundle: sources by ascending id, then notes by ascending id, each fitted
// to the remaining budget under the overflow policy. The token count never exceeds the budget.
func (a *Assembler) Build(ctx context.Context, req Request) (*models.ContextBundle, error) {
	bundle := &models.ContextBundle{Fragments: []models.Fragment{}}
	if req.Budget <= 0 {
		return bundle, nil
	}
	cfg := req.Config
	if cfg.Empty() {
		var err error
		if cfg, err = a.DefaultConfig(ctx, req.Scope); err != nil {
			return nil, err
		}
	}

	remaining := req.Budget
	for _, id := range sortedKeys(cfg.Sources) {
		frag, err := a.sourceFragment(ctx, id, cfg.Sources[id], req.Query)
		if err != nil {
			return nil, err
		}
		if frag == nil {
			continue
		}
		if !a.fit(bundle, frag, &remaining) {
			return bundle, nil
		}
	}
	for _, id := range sortedKeys(cfg.Notes) {
		frag, err := a.noteFragment(ctx, id, cfg.Notes[id])
		if err != nil {
			return nil, err
		}
		if frag == nil {
			continue
		}
		if !a.fit(bundle, frag, &remaining) {
			return bundle, nil
		}
	}
	return bundle, nil
}

// fit appends frag if it fits, applying the overflow policy otherwise. It reports whether
// assembly should continue.
func (a *Assembler) fit(bundle *models.ContextBundle, frag *models.Fragment, remaining *int) bool {
	frag.Tokens = a.counter.Count(frag.Text)
	if frag.Tokens > *remaining {
		if a.overflow == OverflowSkip {
			return true
		}
		frag.Text = a.counter.Truncate(frag.Text, *remaining)
		frag.Tokens = a.counter.Count(frag.Text)
		frag.Truncated = true
		if frag.Text != "" && frag.Tokens <= *remaining {
			a.add(bundle, frag, remaining)
		}
		return false
	}
	a.add(bundle, frag, remaining)
	return *remaining > 0 || a.overflow == OverflowSkip
}

func (a *Assembler) add(bundle *models.ContextBundle, frag *models.Fragment, remaining *int) {
	frag.Chars = utf8.RuneCountInString(frag.Text)
	*remaining -= frag.Tokens
	bundle.Fragments = append(bundle.Fragments, *frag)
	bundle.TokenCount += frag.Tokens
	bundle.CharCount += frag.Chars
}

func (a *Assembler) sourceFragment(ctx context.Context, id string, mode models.InclusionMode, query string) (*models.Fragment, error) {
	if mode == models.IncludeNone {
		return nil, nil
	}
	src, err := a.store.GetSource(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		if a.logger != nil {
			a.logger.Warn("context source not found", zap.String("source_id", id))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	frag := &models.Fragment{Kind: models.EntitySource, ID: src.ID, Title: src.Title, Mode: mode, Origin: models.OriginFullText, Text: src.FullText}
	if mode == models.IncludeInsights {
		if err := a.highlights(ctx, src, frag, query); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(frag.Text) == "" {
		return nil, nil
	}
	return frag, nil
}

// highlights replaces the fragment text with stored insights, else with chunks retrieved for
// the query. Without either the full text stays.
func (a *Assembler) highlights(ctx context.Context, src *models.Source, frag *models.Fragment, query string) error {
	insights, err := a.store.ListInsights(ctx, src.ID)
	if err != nil {
		return err
	}
	if len(insights) > 0 {
		parts := make([]string, 0, len(insights))
		for _, in := range insights {
			parts = append(parts, in.Content)
			frag.InsightIDs = append(frag.InsightIDs, in.ID)
		}
		frag.Origin = models.OriginInsights
		frag.Text = strings.Join(parts, "\n\n")
		return nil
	}
	if query == "" || a.retriever == nil {
		return nil
	}
	hits, err := a.retriever.SearchText(ctx, search.Scope{SourceIDs: []string{src.ID}}, query, a.threshold, a.limit)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("context retrieval failed", zap.String("source_id", src.ID), zap.Error(err))
		}
		return nil
	}
	if len(hits) == 0 {
		return nil
	}
	parts := make([]string, 0, len(hits))
	for _, h := range hits {
		parts = append(parts, h.Chunk.Content)
	}
	frag.Origin = models.OriginChunks
	frag.Text = strings.Join(parts, "\n\n")
	return nil
}

func (a *Assembler) noteFragment(ctx context.Context, id string, mode models.InclusionMode) (*models.Fragment, error) {
	if mode == models.IncludeNone {
		return nil, nil
	}
	note, err := a.store.GetNote(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		if a.logger != nil {
			a.logger.Warn("context note not found", zap.String("note_id", id))
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(note.Content) == "" {
		return nil, nil
	}
	return &models.Fragment{Kind: models.EntityNote, ID: note.ID, Title: note.Title, Mode: mode, Origin: models.OriginFullText, Text: note.Content}, nil
}

func sortedKeys(m map[string]models.InclusionMode) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
