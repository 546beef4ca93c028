package search

import (
	"sort"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
)

// FusedResult carries the weighted keyword and vector scores for one source or note.
type FusedResult struct {
	Result        *models.SearchResult
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// BestChunkPerSource keeps the highest scoring vector result for each source, keyed by index id.
// Input order breaks ties, so ranked input keeps its first hit.
func BestChunkPerSource(results []*models.SearchResult) map[string]*models.SearchResult {
	best := make(map[string]*models.SearchResult, len(results))
	for _, r := range results {
		key := keyword.DocID(models.EntitySource, r.SourceID)
		if cur, ok := best[key]; !ok || r.Score > cur.Score {
			best[key] = r
		}
	}
	return best
}

// Fuse merges keyword results (scores in [0,1]) with per-source vector results using the given
// weights. A source found by both keeps the keyword title and takes the chunk location and
// snippet of its best vector hit. Output is sorted by fused score, then index id.
func Fuse(keywordResults []*models.SearchResult, vectorBySource map[string]*models.SearchResult, keywordWeight, semanticWeight float64) []*FusedResult {
	fused := make(map[string]*FusedResult, len(keywordResults)+len(vectorBySource))
	for _, r := range keywordResults {
		fused[keyword.DocID(r.Kind, r.ID)] = &FusedResult{Result: r, KeywordScore: r.Score}
	}
	for key, v := range vectorBySource {
		f, ok := fused[key]
		if !ok {
			fused[key] = &FusedResult{Result: v, SemanticScore: v.Score}
			continue
		}
		f.SemanticScore = v.Score
		f.Result.ChunkID = v.ChunkID
		f.Result.Ordinal = v.Ordinal
		f.Result.Snippet = v.Snippet
	}

	out := make([]*FusedResult, 0, len(fused))
	keys := make(map[*FusedResult]string, len(fused))
	for key, f := range fused {
		f.Score = keywordWeight*f.KeywordScore + semanticWeight*f.SemanticScore
		keys[f] = key
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return keys[out[i]] < keys[out[j]]
	})
	return out
}
