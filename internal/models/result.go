package models

// SearchResult is a single search hit.
type SearchResult struct {
	Kind     EntityKind `json:"kind"`
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	SourceID string     `json:"source_id,omitempty"`
	ChunkID  string     `json:"chunk_id,omitempty"`
	Ordinal  int        `json:"ordinal,omitempty"`
	Snippet  string     `json:"snippet"`
	Score    float64    `json:"score"`
	Rank     int        `json:"rank"`

	// Hybrid only.
	KeywordScore  float64 `json:"keyword_score,omitempty"`
	SemanticScore float64 `json:"semantic_score,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	Query     string          `json:"query"`
	Type      SearchType      `json:"type"`

	// Suggestion is a corrected query offered when keyword matching found nothing.
	Suggestion string `json:"suggestion,omitempty"`
}
