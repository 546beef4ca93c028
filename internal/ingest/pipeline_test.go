package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

var twoParagraphs = strings.Repeat("a", 100) + "\n\n" + strings.Repeat("b", 80)

type fixture struct {
	store    *storage.SQLiteStorage
	keywords *keyword.BleveIndex
	pipeline *Pipeline
}

func newFixture(t *testing.T, embedder embedding.Embedder, opts ...Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(storage.DriverPureGo, filepath.Join(dir, "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })

	idx := indexer.NewIndexer(store, embedder, kw, indexer.WithLimiter(NewLimiter(1000, 100)))
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	p := NewPipeline(store, extract.NewResolver(nil, nil), idx, indexer.NewChunker(120, 0), opts...)
	t.Cleanup(func() { _ = p.Close() })
	return &fixture{store: store, keywords: kw, pipeline: p}
}

// flakyEmbedder fails on the given call number while armed.
type flakyEmbedder struct {
	failOn int32
	calls  atomic.Int32
	armed  atomic.Bool
}

func (f *flakyEmbedder) embedder() embedding.Embedder {
	return &embedding.Func{Dims: 4, Fn: func(ctx context.Context, text string) ([]float32, error) {
		n := f.calls.Add(1)
		if f.armed.Load() && n == f.failOn {
			return nil, errors.New("provider unavailable")
		}
		return []float32{1, 0, 0, 0}, nil
	}}
}

// gateEmbedder blocks every call until its context is done.
func gateEmbedder(started chan<- struct{}) embedding.Embedder {
	var once sync.Once
	return &embedding.Func{Dims: 4, Fn: func(ctx context.Context, text string) ([]float32, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}}
}

func textInput(content string, async bool) *models.SourceInput {
	return &models.SourceInput{Type: models.SourceText, Content: content, Async: async}
}

func TestSubmit_Sync(t *testing.T) {
	f := newFixture(t, embedding.NewMockEmbedder(8))
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, textInput(twoParagraphs, false))
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, res.Status)

	src, err := f.store.GetSource(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, src.Status)
	assert.Equal(t, 2, src.EmbeddedChunks)
	assert.True(t, src.Embedded)
	assert.Equal(t, res.CommandID, src.CommandID)
	assert.NotEmpty(t, src.Title)

	chunks, err := f.store.ListChunks(ctx, res.SourceID)
	require.NoError(t, err)
	require.Len(t, chunks, indexer.NewChunker(120, 0).Count(twoParagraphs))
	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
	}

	cmd, err := f.store.GetCommand(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, cmd.Stage)

	status, err := f.pipeline.Status(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, status.Status)
	assert.Contains(t, status.Message, "2 embedded chunks")
}

func TestSubmit_Async(t *testing.T) {
	f := newFixture(t, embedding.NewMockEmbedder(8))
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, textInput(twoParagraphs, true))
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, res.Status)
	assert.NotEmpty(t, res.CommandID)

	require.Eventually(t, func() bool {
		st, err := f.pipeline.Status(ctx, res.SourceID)
		return err == nil && st.Status == models.StageCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubmit_NoEmbed(t *testing.T) {
	f := newFixture(t, embedding.NewMockEmbedder(8))
	ctx := context.Background()
	no := false
	in := textInput("penguins waddle", false)
	in.Embed = &no

	res, err := f.pipeline.Submit(ctx, in)
	require.NoError(t, err)
	src, err := f.store.GetSource(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, src.Status)
	assert.Equal(t, 0, src.EmbeddedChunks)
	assert.False(t, src.Embedded)

	hits, err := f.keywords.Search(ctx, "penguins", 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, res.SourceID, hits[0].ID)
}

func TestSubmit_InvalidInput(t *testing.T) {
	f := newFixture(t, embedding.NewMockEmbedder(8))
	_, err := f.pipeline.Submit(context.Background(), &models.SourceInput{Type: models.SourceText})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.pipeline.Submit(context.Background(), &models.SourceInput{Type: models.SourceText, Content: "x", Notebooks: []string{"missing"}})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubmit_EmbeddingFailure(t *testing.T) {
	flaky := &flakyEmbedder{failOn: 2}
	flaky.armed.Store(true)
	f := newFixture(t, flaky.embedder())
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, textInput(twoParagraphs, false))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrEmbedding)
	require.NotNil(t, res)
	assert.Equal(t, models.StageFailed, res.Status)

	src, err := f.store.GetSource(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, src.Status)
	assert.Equal(t, 0, src.EmbeddedChunks)

	status, err := f.pipeline.Status(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, status.Status)
	assert.Contains(t, status.Message, "provider unavailable")

	candidates, err := f.store.ChunkCandidates(ctx, []string{res.SourceID})
	require.NoError(t, err)
	assert.Empty(t, candidates)
	n, err := f.store.CountChunks(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "chunks written before the failure are kept")

	// Retry with a healthy provider replaces the partial attempt.
	flaky.armed.Store(false)
	retry, err := f.pipeline.Reprocess(ctx, res.SourceID, false)
	require.NoError(t, err)
	assert.NotEqual(t, res.CommandID, retry.CommandID)
	assert.Equal(t, models.StageCompleted, retry.Status)

	chunks, err := f.store.ListChunks(ctx, res.SourceID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)

	cmds, err := f.store.ListCommands(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, gateEmbedder(started))
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, textInput(twoParagraphs, true))
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never reached embedding")
	}

	_, err = f.pipeline.Reprocess(ctx, res.SourceID, true)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	require.NoError(t, f.pipeline.Cancel(ctx, res.CommandID))
	require.Eventually(t, func() bool {
		st, err := f.pipeline.Status(ctx, res.SourceID)
		return err == nil && st.Status == models.StageFailed
	}, 5*time.Second, 10*time.Millisecond)

	status, err := f.pipeline.Status(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", status.Message)

	err = f.pipeline.Cancel(ctx, res.CommandID)
	assert.ErrorIs(t, err, models.ErrInvalidState)
	err = f.pipeline.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// heldEmbedder blocks every call until release is closed.
func heldEmbedder(started chan<- struct{}, release <-chan struct{}) embedding.Embedder {
	var once sync.Once
	return &embedding.Func{Dims: 4, Fn: func(ctx context.Context, text string) ([]float32, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
			return []float32{1, 0, 0, 0}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func TestSubmit_AsyncFullQueueDrains(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, heldEmbedder(started, release), WithWorkers(1), WithQueueSize(1))
	ctx := context.Background()

	first, err := f.pipeline.Submit(ctx, textInput("first source", true))
	require.NoError(t, err)
	<-started
	second, err := f.pipeline.Submit(ctx, textInput("second source", true))
	require.NoError(t, err)

	type submitted struct {
		res *models.SubmitResult
		err error
		at  time.Duration
	}
	done := make(chan submitted, 1)
	begin := time.Now()
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		res, err := f.pipeline.Submit(waitCtx, textInput("third source", true))
		done <- submitted{res, err, time.Since(begin)}
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)

	var third submitted
	select {
	case third = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("third submit never returned")
	}
	require.NoError(t, third.err)
	assert.Less(t, third.at, 2*time.Second)

	for _, id := range []string{first.SourceID, second.SourceID, third.res.SourceID} {
		require.Eventually(t, func() bool {
			src, err := f.store.GetSource(ctx, id)
			return err == nil && src.Status == models.StageCompleted
		}, 5*time.Second, 10*time.Millisecond, "source %s", id)
	}
	require.NoError(t, f.pipeline.Close())
}

func TestSubmit_SyncCallerCancelled(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, gateEmbedder(started))
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res, err := f.pipeline.Submit(ctx, textInput(twoParagraphs, false))
	require.ErrorIs(t, err, context.Canceled)
	src, err := f.store.GetSource(context.Background(), res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, src.Status)
}

func TestClose_FailsInFlight(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, gateEmbedder(started))
	ctx := context.Background()
	res, err := f.pipeline.Submit(ctx, textInput(twoParagraphs, true))
	require.NoError(t, err)
	<-started

	require.NoError(t, f.pipeline.Close())
	src, err := f.store.GetSource(ctx, res.SourceID)
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, src.Status)
	cmd, err := f.store.GetCommand(ctx, res.CommandID)
	require.NoError(t, err)
	assert.Contains(t, cmd.Error, "cancelled")
}

func TestRebuild(t *testing.T) {
	f := newFixture(t, embedding.NewMockEmbedder(8))
	ctx := context.Background()

	embedded, err := f.pipeline.Submit(ctx, textInput(twoParagraphs, false))
	require.NoError(t, err)
	no := false
	in := textInput("short text only", false)
	in.Embed = &no
	plain, err := f.pipeline.Submit(ctx, in)
	require.NoError(t, err)

	res, err := f.pipeline.Rebuild(ctx, RebuildExisting)
	require.NoError(t, err)
	assert.Equal(t, &models.RebuildResult{Mode: RebuildExisting, Total: 1, Processed: 1}, res)

	res, err = f.pipeline.Rebuild(ctx, RebuildAll)
	require.NoError(t, err)
	assert.Equal(t, &models.RebuildResult{Mode: RebuildAll, Total: 2, Processed: 2}, res)

	src, err := f.store.GetSource(ctx, plain.SourceID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.EmbeddedChunks)
	src, err = f.store.GetSource(ctx, embedded.SourceID)
	require.NoError(t, err)
	assert.Equal(t, 2, src.EmbeddedChunks)

	_, err = f.pipeline.Rebuild(ctx, "everything")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, embedding.NewMockEmbedder(8))
	ctx := context.Background()
	res, err := f.pipeline.Submit(ctx, textInput("unique walrus text", false))
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Delete(ctx, res.SourceID))
	_, err = f.store.GetSource(ctx, res.SourceID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	hits, err := f.keywords.Search(ctx, "walrus", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.ErrorIs(t, f.pipeline.Delete(ctx, res.SourceID), models.ErrNotFound)
}

func TestConcurrentSources(t *testing.T) {
	f := newFixture(t, embedding.NewMockEmbedder(8), WithWorkers(3), WithQueueSize(4))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 12; i++ {
		res, err := f.pipeline.Submit(ctx, textInput(fmt.Sprintf("document %d\n\n%s", i, twoParagraphs), true))
		require.NoError(t, err)
		ids = append(ids, res.SourceID)
	}
	require.Eventually(t, func() bool {
		for _, id := range ids {
			src, err := f.store.GetSource(ctx, id)
			if err != nil || src.Status != models.StageCompleted {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	for _, id := range ids {
		n, err := f.store.CountChunks(ctx, id)
		require.NoError(t, err)
		src, err := f.store.GetSource(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, n, src.EmbeddedChunks)
	}
}
