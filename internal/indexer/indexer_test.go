package indexer

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

type fixture struct {
	store    *storage.SQLiteStorage
	keywords *keyword.BleveIndex
	source   *models.Source
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(storage.DriverPureGo, filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex(filepath.Join(dir, "bleve"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })

	text := strings.Repeat("a", 100) + "\n\n" + strings.Repeat("b", 80) + " zebra"
	src := &models.Source{ID: "s1", Title: "Animals", Type: models.SourceText, FullText: text}
	require.NoError(t, store.CreateSource(context.Background(), src, &models.Command{ID: "c1"}))
	return &fixture{store: store, keywords: kw, source: src}
}

func TestEmbedAndStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx := NewIndexer(f.store, embedding.NewMockEmbedder(8), f.keywords,
		WithLogger(zap.NewNop()), WithLimiter(rate.NewLimiter(rate.Inf, 1)))

	chunker := NewChunker(120, 0)
	n, err := idx.EmbedAndStore(ctx, f.source, chunker.Chunks(f.source.FullText))
	require.NoError(t, err)
	assert.Equal(t, chunker.Count(f.source.FullText), n)

	chunks, err := f.store.ListChunks(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, chunks, n)
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Len(t, c.Embedding, 8)
		assert.NotEmpty(t, c.ID)
	}

	hits, err := f.keywords.Search(ctx, "zebra", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s1", hits[0].ID)
}

func TestEmbedAndStore_FailsOnSecondChunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	calls := 0
	failing := &embedding.Func{Dims: 4, Fn: func(ctx context.Context, text string) ([]float32, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("provider unavailable")
		}
		return []float32{1, 0, 0, 0}, nil
	}}
	idx := NewIndexer(f.store, failing, f.keywords)

	n, err := idx.EmbedAndStore(ctx, f.source, NewChunker(120, 0).Chunks(f.source.FullText))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEmbedding)
	assert.Contains(t, err.Error(), "provider unavailable")
	assert.Equal(t, 1, n)

	hits, err := f.keywords.Search(ctx, "zebra", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits, "failed pass is not keyword indexed")
}

func TestEmbedAndStore_DimensionMismatch(t *testing.T) {
	f := newFixture(t)
	wrong := &embedding.Func{Dims: 4, Fn: func(ctx context.Context, text string) ([]float32, error) {
		return []float32{1, 0}, nil
	}}
	_, err := NewIndexer(f.store, wrong, nil).EmbedAndStore(context.Background(), f.source, NewChunker(120, 0).Chunks(f.source.FullText))
	assert.ErrorIs(t, err, models.ErrEmbedding)
}

func TestEmbedAndStore_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewIndexer(f.store, embedding.NewMockEmbedder(4), nil).EmbedAndStore(ctx, f.source, NewChunker(120, 0).Chunks(f.source.FullText))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx := NewIndexer(f.store, embedding.NewMockEmbedder(4), f.keywords)
	_, err := idx.EmbedAndStore(ctx, f.source, NewChunker(120, 0).Chunks(f.source.FullText))
	require.NoError(t, err)

	require.NoError(t, idx.Reset(ctx, "s1"))
	n, err := f.store.CountChunks(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, n)
	hits, err := f.keywords.Search(ctx, "zebra", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexNote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	idx := NewIndexer(f.store, embedding.NewMockEmbedder(4), f.keywords)
	note := &models.Note{ID: "n1", NotebookID: "nb", Title: "Meeting", Content: "discussed quokka habitats"}
	require.NoError(t, idx.IndexNote(ctx, note))

	hits, err := f.keywords.Search(ctx, "quokka", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, models.EntityNote, hits[0].Kind)

	require.NoError(t, idx.RemoveNote(ctx, "n1"))
	hits, err = f.keywords.Search(ctx, "quokka", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
