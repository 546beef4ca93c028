package models

import "time"

// Chunk is an immutable, embedded slice of a source's text.
type Chunk struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Ordinal   int       `json:"ordinal"`
	Content   string    `json:"content"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkHit is a chunk scored against a query vector.
type ChunkHit struct {
	Chunk *Chunk  `json:"chunk"`
	Score float64 `json:"score"`
}
