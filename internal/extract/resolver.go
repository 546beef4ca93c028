package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// Resolver obtains a source's text according to its type: links are fetched, uploads are read
// from disk and text sources use the content they were created with.
type Resolver struct {
	extractor *Extractor
	fetcher   *Fetcher
}

// NewResolver creates a resolver. fetcher may be nil when link sources are not needed.
func NewResolver(extractor *Extractor, fetcher *Fetcher) *Resolver {
	if extractor == nil {
		extractor = NewExtractor()
	}
	return &Resolver{extractor: extractor, fetcher: fetcher}
}

// Resolve returns the title and text for src. Failures, including empty text, wrap
// models.ErrExtraction. The returned title is a suggestion; callers keep a user-supplied one.
func (r *Resolver) Resolve(ctx context.Context, src *models.Source) (*Page, error) {
	var (
		page *Page
		err  error
	)
	switch src.Type {
	case models.SourceText:
		page = &Page{Title: src.Title, Text: src.FullText}
	case models.SourceUpload:
		var text string
		text, err = r.extractor.Extract(src.FilePath)
		page = &Page{Title: filepath.Base(src.FilePath), Text: text}
	case models.SourceLink:
		if r.fetcher == nil {
			return nil, fmt.Errorf("%w: link fetching is disabled", models.ErrExtraction)
		}
		page, err = r.fetcher.Fetch(ctx, src.URL)
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", models.ErrExtraction, src.Type)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", models.ErrExtraction, err)
	}
	if strings.TrimSpace(page.Text) == "" {
		return nil, fmt.Errorf("%w: no text found in %s source", models.ErrExtraction, src.Type)
	}
	return page, nil
}
