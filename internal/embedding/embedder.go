// Package embedding turns text into fixed-length vectors. Providers are ONNX (local),
// Gemini, OpenAI and a deterministic mock; all are wrapped by an LRU cache.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/kioku/internal/models"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// CheckDimensions rejects vectors whose length differs from want.
func CheckDimensions(vec []float32, want int) error {
	if want > 0 && len(vec) != want {
		return fmt.Errorf("%w: vector has %d dimensions, want %d", models.ErrEmbedding, len(vec), want)
	}
	return nil
}

// embedEach implements EmbedBatch on top of a single-text embed function.
func embedEach(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
