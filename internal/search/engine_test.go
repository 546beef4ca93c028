package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

type env struct {
	store    *storage.SQLiteStorage
	keywords *keyword.BleveIndex
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(storage.DriverPureGo, filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })
	return &env{store: store, keywords: kw}
}

// addSource stores a completed source whose chunks carry the given vectors.
func (e *env) addSource(t *testing.T, id, text string, notebooks []string, vecs ...[]float32) {
	t.Helper()
	ctx := context.Background()
	src := &models.Source{ID: id, Title: "Title " + id, Type: models.SourceText, FullText: text, NotebookIDs: notebooks}
	require.NoError(t, e.store.CreateSource(ctx, src, &models.Command{ID: "cmd-" + id}))
	for i, v := range vecs {
		require.NoError(t, e.store.InsertChunk(ctx, &models.Chunk{
			ID: fmt.Sprintf("%s-c%d", id, i), SourceID: id, Ordinal: i, Content: text, Embedding: v,
		}))
	}
	n := len(vecs)
	require.NoError(t, e.store.ApplyTransition(ctx, models.Transition{
		CommandID: "cmd-" + id, SourceID: id, Stage: models.StageCompleted, EmbeddedChunks: &n,
	}))
	require.NoError(t, e.keywords.Index(ctx, &keyword.Document{Kind: models.EntitySource, ID: id, Title: src.Title, Content: text}))
}

func fixedEmbedder(vec []float32) embedding.Embedder {
	return &embedding.Func{Dims: len(vec), Fn: func(ctx context.Context, text string) ([]float32, error) {
		return vec, nil
	}}
}

func TestRetriever_ScopeAndThreshold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateNotebook(ctx, &models.Notebook{ID: "nb", Name: "NB"}))
	e.addSource(t, "s1", "alpha", []string{"nb"}, []float32{1, 0}, []float32{0.6, 0.8})
	e.addSource(t, "s2", "beta", nil, []float32{1, 0})

	r := NewRetriever(e.store, fixedEmbedder([]float32{1, 0}))

	hits, err := r.Search(ctx, Scope{}, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "s1-c0", hits[0].Chunk.ID, "ties break on ordinal then source id")
	assert.Equal(t, "s2-c0", hits[1].Chunk.ID)
	assert.Equal(t, "s1-c1", hits[2].Chunk.ID)

	hits, err = r.Search(ctx, Scope{NotebookID: "nb"}, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = r.Search(ctx, Scope{SourceIDs: []string{"s2"}}, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s2", hits[0].Chunk.SourceID)

	hits, err = r.Search(ctx, Scope{NotebookID: "nb", SourceIDs: []string{"s2"}}, []float32{1, 0}, 0.5, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = r.SearchText(ctx, ScopeOf(models.Scope{Kind: models.ScopeSource, ID: "s1"}), "q", 0.8, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s1-c0", hits[0].Chunk.ID)

	hits, err = r.Search(ctx, Scope{}, []float32{0, -1}, 0.8, 10)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestRetriever_IgnoresFailedSources(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addSource(t, "ok", "x", nil, []float32{1, 0})

	src := &models.Source{ID: "bad", Type: models.SourceText, FullText: "y"}
	require.NoError(t, e.store.CreateSource(ctx, src, &models.Command{ID: "cmd-bad"}))
	require.NoError(t, e.store.InsertChunk(ctx, &models.Chunk{ID: "bad-c0", SourceID: "bad", Content: "y", Embedding: []float32{1, 0}}))
	zero := 0
	require.NoError(t, e.store.ApplyTransition(ctx, models.Transition{CommandID: "cmd-bad", SourceID: "bad", Stage: models.StageFailed, Error: "boom", EmbeddedChunks: &zero}))

	hits, err := NewRetriever(e.store, nil).Search(ctx, Scope{}, []float32{1, 0}, 0, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ok", hits[0].Chunk.SourceID)
}

func TestRetriever_EmbedError(t *testing.T) {
	e := newEnv(t)
	failing := &embedding.Func{Dims: 2, Fn: func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("down")
	}}
	_, err := NewRetriever(e.store, failing).SearchText(context.Background(), Scope{}, "q", 0, 5)
	assert.ErrorIs(t, err, models.ErrRetrieval)
}

func TestEngine_TextSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateNotebook(ctx, &models.Notebook{ID: "nb", Name: "NB"}))
	e.addSource(t, "s1", "penguins live in antarctica", []string{"nb"}, []float32{1, 0})
	e.addSource(t, "s2", "penguins also visit zoos", nil, []float32{1, 0})
	note := &models.Note{ID: "n1", NotebookID: "nb", Title: "Penguin note", Content: "penguins are birds"}
	require.NoError(t, e.store.CreateNote(ctx, note))
	require.NoError(t, e.keywords.Index(ctx, &keyword.Document{Kind: models.EntityNote, ID: "n1", Title: note.Title, Content: note.Content}))

	engine := NewEngine(e.store, e.keywords, NewRetriever(e.store, fixedEmbedder([]float32{1, 0})), WithLogger(zap.NewNop()))

	resp, err := engine.Search(ctx, &models.SearchQuery{Query: "penguins"})
	require.NoError(t, err)
	assert.Equal(t, models.SearchText, resp.Type)
	assert.Equal(t, 3, resp.Total)
	for i, r := range resp.Results {
		assert.Equal(t, i+1, r.Rank)
		assert.NotEmpty(t, r.Snippet)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)

	resp, err = engine.Search(ctx, &models.SearchQuery{Query: "penguins", NotebookID: "nb"})
	require.NoError(t, err)
	got := map[string]models.EntityKind{}
	for _, r := range resp.Results {
		got[r.ID] = r.Kind
	}
	assert.Equal(t, map[string]models.EntityKind{"s1": models.EntitySource, "n1": models.EntityNote}, got)

	resp, err = engine.Search(ctx, &models.SearchQuery{Query: "penguins", SourceIDs: []string{"s2"}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "s2", resp.Results[0].ID)
}

func TestEngine_VectorSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addSource(t, "s1", "close match", nil, []float32{1, 0})
	e.addSource(t, "s2", "weak match", nil, []float32{0.1, 0.995})

	engine := NewEngine(e.store, e.keywords, NewRetriever(e.store, fixedEmbedder([]float32{1, 0})))
	resp, err := engine.Search(ctx, &models.SearchQuery{Query: "anything", Type: models.SearchVector})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1, "default floor drops scores under 0.2")
	r := resp.Results[0]
	assert.Equal(t, "s1", r.SourceID)
	assert.Equal(t, "Title s1", r.Title)
	assert.Equal(t, "s1-c0", r.ChunkID)
	assert.Equal(t, 1, r.Rank)
}

func TestEngine_HybridSearch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addSource(t, "s1", "penguins live in antarctica", nil, []float32{1, 0})
	e.addSource(t, "s2", "zebras roam the savannah", nil, []float32{0.6, 0.8})
	e.addSource(t, "s3", "unrelated text", nil, []float32{0, 1})

	engine := NewEngine(e.store, e.keywords, NewRetriever(e.store, fixedEmbedder([]float32{1, 0})))
	resp, err := engine.Search(ctx, &models.SearchQuery{Query: "penguins", Type: models.SearchHybrid})
	require.NoError(t, err)
	assert.Equal(t, models.SearchHybrid, resp.Type)
	require.Len(t, resp.Results, 2, "s3 is below the vector floor and has no keyword match")

	top := resp.Results[0]
	assert.Equal(t, "s1", top.ID)
	assert.Equal(t, "s1-c0", top.ChunkID)
	assert.InDelta(t, 1.0, top.KeywordScore, 1e-6)
	assert.InDelta(t, 1.0, top.SemanticScore, 1e-6)
	assert.InDelta(t, 1.0, top.Score, 1e-6)

	second := resp.Results[1]
	assert.Equal(t, "s2", second.ID)
	assert.Equal(t, "Title s2", second.Title)
	assert.Zero(t, second.KeywordScore)
	assert.InDelta(t, 0.3, second.Score, 1e-6)
	assert.Equal(t, 2, second.Rank)

	resp, err = engine.Search(ctx, &models.SearchQuery{Query: "penguins", Type: models.SearchHybrid, MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "s1", resp.Results[0].ID)

	resp, err = engine.Search(ctx, &models.SearchQuery{Query: "penguins", Type: models.SearchHybrid, KeywordWeight: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1, "a zero semantic weight skips vector search")
	assert.Zero(t, resp.Results[0].SemanticScore)
}

func TestEngine_Suggestion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.addSource(t, "s1", "penguins live in antarctica", nil, []float32{1, 0})
	retriever := NewRetriever(e.store, fixedEmbedder([]float32{1, 0}))

	engine := NewEngine(e.store, e.keywords, retriever, WithSpellChecker())
	resp, err := engine.Search(ctx, &models.SearchQuery{Query: "pengiuns"})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, "penguins", resp.Suggestion)

	resp, err = engine.Search(ctx, &models.SearchQuery{Query: "pengiuns in antartica", Type: models.SearchHybrid})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results, "vector search still matches")
	assert.Equal(t, "penguins in antarctica", resp.Suggestion)

	resp, err = engine.Search(ctx, &models.SearchQuery{Query: "penguins"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.Empty(t, resp.Suggestion)

	plain := NewEngine(e.store, e.keywords, retriever)
	resp, err = plain.Search(ctx, &models.SearchQuery{Query: "pengiuns"})
	require.NoError(t, err)
	assert.Empty(t, resp.Suggestion)
}

func TestEngine_InvalidQuery(t *testing.T) {
	e := newEnv(t)
	engine := NewEngine(e.store, e.keywords, NewRetriever(e.store, nil))
	_, err := engine.Search(context.Background(), &models.SearchQuery{})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = engine.Search(context.Background(), &models.SearchQuery{Query: "x", Type: "fuzzy"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}
