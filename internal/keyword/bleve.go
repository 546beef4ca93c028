package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kioku/internal/models"
)

// BleveIndex implements Index using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates an in-memory index.
// If you change the index mapping in code, remove the index directory (or run a rebuild).
func NewBleveIndex(path string) (*BleveIndex, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer: lowercase + tokenize, no stemming, so "bayes" matches "Bayes" exactly.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("title", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("kind", keywordFieldMapping)
	im.AddDocumentMapping("entity", docMapping)
	im.DefaultType = "entity"
	im.DefaultMapping = docMapping

	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

// Index adds or replaces doc. Underscores in titles are indexed as spaces so uploaded file
// names like "quarterly_report_2021.pdf" match "quarterly report".
func (b *BleveIndex) Index(ctx context.Context, doc *Document) error {
	indexed := *doc
	indexed.Title = strings.ReplaceAll(doc.Title, "_", " ")
	return b.index.Index(DocID(doc.Kind, doc.ID), &indexed)
}

// Search runs a match query and returns up to limit results.
// When opts is nil or both boosts are <= 1, a single match over title+content is used.
// Otherwise title and content queries run separately and are merged with additive scoring,
// a term coverage penalty and a phrase proximity boost.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Hit, error) {
	titleBoost := 1.0
	phraseBoost := 1.0
	fuzzyEnabled := false
	fuzziness := 2
	var docIDs []string
	if opts != nil {
		if opts.TitleBoost > 0 {
			titleBoost = opts.TitleBoost
		}
		if opts.PhraseBoost > 0 {
			phraseBoost = opts.PhraseBoost
		}
		fuzzyEnabled = opts.FuzzyEnabled
		if opts.Fuzziness > 0 {
			fuzziness = opts.Fuzziness
		}
		docIDs = opts.DocIDs
		if docIDs != nil && len(docIDs) == 0 {
			return []*Hit{}, nil
		}
	}
	if limit <= 0 {
		return []*Hit{}, nil
	}

	s := &searcher{index: b.index, docIDs: docIDs, fuzzy: fuzzyEnabled, fuzziness: fuzziness}
	if titleBoost <= 1.0 && phraseBoost <= 1.0 {
		return s.single(query, limit)
	}
	return s.boosted(query, limit, titleBoost, phraseBoost)
}

// searcher carries one request's settings through the query helpers.
type searcher struct {
	index     bleve.Index
	docIDs    []string
	fuzzy     bool
	fuzziness int
}

func (s *searcher) run(q blevequery.Query, size int) ([]hitScore, error) {
	if s.docIDs != nil {
		q = bleve.NewConjunctionQuery(q, bleve.NewDocIDQuery(s.docIDs))
	}
	req := bleve.NewSearchRequest(q)
	req.Size = size
	req.SortBy([]string{"-_score", "_id"})
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("%w: bleve search: %v", models.ErrRetrieval, err)
	}
	out := make([]hitScore, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = hitScore{id: h.ID, score: h.Score}
	}
	return out, nil
}

type hitScore struct {
	id    string
	score float64
}

func (s *searcher) single(query string, limit int) ([]*Hit, error) {
	hits, err := s.run(s.match(query, ""), limit)
	if err != nil {
		return nil, err
	}
	return toHits(hits), nil
}

func (s *searcher) boosted(query string, limit int, titleBoost, phraseBoost float64) ([]*Hit, error) {
	// Request enough from each so the merged top "limit" is correct.
	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}
	terms := tokenizeQuery(query)

	titleHits, err := s.run(s.match(query, "title"), reqSize)
	if err != nil {
		return nil, err
	}
	contentHits, err := s.run(s.match(query, "content"), reqSize)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64)
	for _, h := range titleHits {
		scores[h.id] += h.score * titleBoost
	}
	for _, h := range contentHits {
		scores[h.id] += h.score
	}

	// (matched/total)^2: documents matching every query term outrank partial matches.
	if len(terms) > 1 {
		coverage := s.termCoverage(terms, reqSize)
		for id := range scores {
			matched := coverage[id]
			if matched == 0 {
				matched = 1
			}
			c := float64(matched) / float64(len(terms))
			scores[id] *= c * c
		}
		if phraseBoost > 1.0 {
			for id := range s.phraseMatches(query, reqSize) {
				if _, ok := scores[id]; ok {
					scores[id] *= phraseBoost
				}
			}
		}
	}

	merged := make([]hitScore, 0, len(scores))
	for id, score := range scores {
		merged = append(merged, hitScore{id: id, score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].score != merged[j].score {
			return merged[i].score > merged[j].score
		}
		return merged[i].id < merged[j].id
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return toHits(merged), nil
}

func toHits(in []hitScore) []*Hit {
	out := make([]*Hit, len(in))
	for i, h := range in {
		kind, id := ParseDocID(h.id)
		out[i] = &Hit{Kind: kind, ID: id, Score: h.score}
	}
	return out
}

// match builds a match query, or a disjunction of fuzzy queries per term when fuzzy matching is on.
// An empty field searches all fields.
func (s *searcher) match(query, field string) blevequery.Query {
	terms := tokenizeQuery(query)
	if !s.fuzzy || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		if field != "" {
			mq.SetField(field)
		}
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(s.fuzziness)
		if field != "" {
			fq.SetField(field)
		}
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// termCoverage counts how many unique query terms each document matches.
func (s *searcher) termCoverage(terms []string, reqSize int) map[string]int {
	coverage := make(map[string]int)
	for _, term := range terms {
		hits, err := s.run(s.match(term, ""), reqSize)
		if err != nil {
			continue
		}
		for _, h := range hits {
			coverage[h.id]++
		}
	}
	return coverage
}

// phraseMatches finds documents where the query appears as a phrase in the title or content.
func (s *searcher) phraseMatches(query string, reqSize int) map[string]bool {
	matches := make(map[string]bool)
	for _, field := range []string{"content", "title"} {
		pq := bleve.NewMatchPhraseQuery(query)
		pq.SetField(field)
		hits, err := s.run(pq, reqSize)
		if err != nil {
			continue
		}
		for _, h := range hits {
			matches[h.id] = true
		}
	}
	return matches
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// Terms reads the title and content field dictionaries. A term found in both fields reports
// the larger document count.
func (b *BleveIndex) Terms() (map[string]int, error) {
	terms := make(map[string]int)
	for _, field := range []string{"content", "title"} {
		dict, err := b.index.FieldDict(field)
		if err != nil {
			return nil, fmt.Errorf("read %s dictionary: %w", field, err)
		}
		for {
			entry, err := dict.Next()
			if err != nil {
				_ = dict.Close()
				return nil, fmt.Errorf("read %s dictionary: %w", field, err)
			}
			if entry == nil {
				break
			}
			terms[entry.Term] = max(terms[entry.Term], int(entry.Count))
		}
		if err := dict.Close(); err != nil {
			return nil, err
		}
	}
	return terms, nil
}

// Delete removes an entity from the index. Deleting a missing id is not an error.
func (b *BleveIndex) Delete(ctx context.Context, kind models.EntityKind, id string) error {
	return b.index.Delete(DocID(kind, id))
}

// DocCount returns the total number of indexed entities.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}
