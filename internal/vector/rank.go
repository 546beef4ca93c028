package vector

import (
	"sort"

	"github.com/hyperjump/kioku/internal/models"
)

// Rank scores every chunk against query by cosine similarity and returns at most limit hits
// with score >= threshold.
// Hits are ordered by score descending, then ordinal, source id and chunk id ascending, so the
// result is identical for identical input regardless of candidate order. Chunks whose vector
// length differs from the query, or that are all zeros, are ignored. The result is never nil.
func Rank(query []float32, chunks []*models.Chunk, threshold float64, limit int) []models.ChunkHit {
	hits := make([]models.ChunkHit, 0)
	qn := L2Norm(query)
	if limit <= 0 || qn == 0 {
		return hits
	}
	for _, c := range chunks {
		if c == nil || len(c.Embedding) != len(query) {
			continue
		}
		cn := L2Norm(c.Embedding)
		if cn == 0 {
			continue
		}
		score := InnerProduct(query, c.Embedding) / (qn * cn)
		if score < threshold {
			continue
		}
		hits = append(hits, models.ChunkHit{Chunk: c, Score: score})
	}
	sort.SliceStable(hits, func(i, j int) bool { return less(hits[i], hits[j]) })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func less(a, b models.ChunkHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Chunk.Ordinal != b.Chunk.Ordinal {
		return a.Chunk.Ordinal < b.Chunk.Ordinal
	}
	if a.Chunk.SourceID != b.Chunk.SourceID {
		return a.Chunk.SourceID < b.Chunk.SourceID
	}
	return a.Chunk.ID < b.Chunk.ID
}
