package models

import "fmt"

// SearchType selects keyword, vector or hybrid search.
type SearchType string

const (
	SearchText   SearchType = "text"
	SearchVector SearchType = "vector"
	SearchHybrid SearchType = "hybrid"
)

// DefaultKeywordWeight and DefaultSemanticWeight apply to hybrid queries that set neither weight.
const (
	DefaultKeywordWeight  = 0.5
	DefaultSemanticWeight = 0.5
)

// SearchQuery is a search request over sources and notes.
type SearchQuery struct {
	Query      string     `json:"query"`
	Type       SearchType `json:"type,omitempty"`
	NotebookID string     `json:"notebook_id,omitempty"`
	SourceIDs  []string   `json:"source_ids,omitempty"`
	Limit      int        `json:"limit,omitempty"`
	MinScore   float64    `json:"min_score,omitempty"`

	// Hybrid only.
	KeywordWeight  float64 `json:"keyword_weight,omitempty"`
	SemanticWeight float64 `json:"semantic_weight,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
func (q *SearchQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidInput)
	}
	switch q.Type {
	case "":
		q.Type = SearchText
	case SearchText, SearchVector, SearchHybrid:
	default:
		return fmt.Errorf("%w: unknown search type %q", ErrInvalidInput, q.Type)
	}
	if q.KeywordWeight < 0 || q.SemanticWeight < 0 {
		return fmt.Errorf("%w: weights cannot be negative", ErrInvalidInput)
	}
	if q.Type == SearchHybrid && q.KeywordWeight == 0 && q.SemanticWeight == 0 {
		q.KeywordWeight = DefaultKeywordWeight
		q.SemanticWeight = DefaultSemanticWeight
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	return nil
}
