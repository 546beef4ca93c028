// Package keyword provides full-text (BM25) indexing and search over sources and notes.
package keyword

import (
	"context"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// TitleBoost multiplies the score contribution from matches in the title field.
	// Values > 1 make title matches rank higher (e.g. 3.0). Use 1.0 for no boost.
	TitleBoost float64
	// PhraseBoost multiplies the score when query terms appear close together.
	PhraseBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum edit distance for fuzzy matching (1 or 2). Default 2.
	Fuzziness int
	// DocIDs restricts the search to these index ids (see DocID). Nil means no restriction;
	// an empty non-nil slice matches nothing.
	DocIDs []string
}

// Document is what gets indexed for a source or note.
type Document struct {
	Kind    models.EntityKind `json:"kind"`
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Content string            `json:"content"`
}

// Index defines keyword search operations.
type Index interface {
	Index(ctx context.Context, doc *Document) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Hit, error)
	Delete(ctx context.Context, kind models.EntityKind, id string) error
	DocCount() (uint64, error)
	Close() error
}

// TermDictionary exposes the indexed vocabulary for spell checking.
type TermDictionary interface {
	// Terms returns every indexed term with the number of entities containing it.
	Terms() (map[string]int, error)
}

// Hit is a single keyword search hit.
type Hit struct {
	Kind  models.EntityKind
	ID    string
	Score float64
}

// DocID is the index id for an entity: "<kind>:<id>".
func DocID(kind models.EntityKind, id string) string {
	return string(kind) + ":" + id
}

// ParseDocID splits an index id produced by DocID.
func ParseDocID(docID string) (models.EntityKind, string) {
	kind, id, ok := strings.Cut(docID, ":")
	if !ok {
		return "", docID
	}
	return models.EntityKind(kind), id
}
