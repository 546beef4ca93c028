package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/chat"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/extract"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/llm"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/notebook"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
)

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type testServer struct {
	srv     *Server
	handler http.Handler
	cfg     *config.Config
	watch   *mockWatchService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Storage.Driver = storage.DriverPureGo
	cfg.Storage.DatabasePath = filepath.Join(dir, "db.sqlite")
	cfg.Storage.BleveIndexPath = ""
	cfg.Storage.UploadsPath = filepath.Join(dir, "uploads")

	store, err := storage.NewSQLiteStorage(cfg.Storage.Driver, cfg.Storage.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	kw, err := keyword.NewBleveIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = kw.Close() })

	embedder := embedding.NewMockEmbedder(8)
	idx := indexer.NewIndexer(store, embedder, kw)
	pipeline := ingest.NewPipeline(store, extract.NewResolver(extract.NewExtractor(), nil), idx,
		indexer.NewChunker(200, 0), ingest.WithLogger(zap.NewNop()))
	t.Cleanup(func() { _ = pipeline.Close() })

	retriever := search.NewRetriever(store, embedder)
	asm := assembler.New(store, retriever)
	registry := llm.NewRegistry("echo", "echo")
	registry.Register("echo", func(string) (llm.ChatModel, error) { return llm.Echo{}, nil })

	watch := &mockWatchService{}
	srv := NewServer(Deps{
		Store:     store,
		Pipeline:  pipeline,
		Notebooks: notebook.NewService(store, idx),
		Chat:      chat.NewService(store, asm, registry),
		Assembler: asm,
		Search:    search.NewEngine(store, kw, retriever),
		Models:    registry,
		Watch:     watch,
	}, cfg, filepath.Join(dir, "config.yaml"), zap.NewNop())
	return &testServer{srv: srv, handler: srv.Handler(), cfg: cfg, watch: watch}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out), w.Body.String())
	return out
}

func (ts *testServer) addText(t *testing.T, title, content string, notebooks ...string) string {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/v1/sources", map[string]interface{}{
		"type": "text", "title": title, "content": content, "notebooks": notebooks,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decodeBody[submitResponse](t, w)
	require.Equal(t, models.StageCompleted, res.Status)
	return res.SourceID
}

func TestHandleHealthAndStatus(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	ts.addText(t, "Otters", "Sea otters hold hands while they sleep.")
	w = ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBody[map[string]interface{}](t, w)
	assert.EqualValues(t, 1, out["sources"])
	assert.EqualValues(t, 1, out["chunks"])
	assert.Contains(t, out, "models")
	assert.Contains(t, out, "config")
}

func TestListModels(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBody[modelsResponse](t, w)
	assert.Equal(t, "echo/echo", out.Default)
	assert.Equal(t, []string{"echo"}, out.Providers)

	ts.srv.Models = nil
	w = ts.do(t, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out = decodeBody[modelsResponse](t, w)
	assert.Empty(t, out.Default)
	assert.NotNil(t, out.Providers)
}

func TestRoutes_LongRequestsSkipTimeout(t *testing.T) {
	ts := newTestServer(t)
	counts := map[string]int{}
	err := chi.Walk(ts.handler.(chi.Routes), func(method, route string, _ http.Handler, mws ...func(http.Handler) http.Handler) error {
		counts[method+" "+route] = len(mws)
		return nil
	})
	require.NoError(t, err)

	base := counts["GET /health"]
	for _, route := range []string{
		"POST /api/v1/sources",
		"POST /api/v1/sources/{id}/reprocess",
		"POST /api/v1/sources/{id}/insights",
		"POST /api/v1/chat/sessions/{id}/messages",
		"POST /api/v1/embeddings/rebuild",
	} {
		require.Contains(t, counts, route)
		assert.Equal(t, base, counts[route], "%s runs without the request timeout", route)
	}
	assert.Greater(t, counts["GET /api/v1/status"], base)
	assert.Greater(t, counts["GET /api/v1/sources"], base)
}

func TestSources_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.addText(t, "Otters", "Sea otters hold hands while they sleep.")

	w := ts.do(t, http.MethodGet, "/api/v1/sources/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	src := decodeBody[models.Source](t, w)
	assert.Equal(t, "Otters", src.Title)
	assert.True(t, src.Embedded)
	assert.Equal(t, 1, src.EmbeddedChunks)

	w = ts.do(t, http.MethodGet, "/api/v1/sources/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decodeBody[models.StatusReport](t, w)
	assert.Equal(t, models.StageCompleted, report.Status)
	assert.Equal(t, "Completed with 1 embedded chunks", report.Message)

	w = ts.do(t, http.MethodGet, "/api/v1/sources", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]models.Source](t, w)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].FullText)

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]interface{}{"query": "otters"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody[models.SearchResponse](t, w)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, id, resp.Results[0].ID)

	w = ts.do(t, http.MethodPost, "/api/v1/sources/"+id+"/reprocess?async=false", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	res := decodeBody[submitResponse](t, w)
	assert.Equal(t, models.StageCompleted, res.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/commands?source_id="+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cmds := decodeBody[[]models.Command](t, w)
	assert.Len(t, cmds, 2)

	w = ts.do(t, http.MethodDelete, "/api/v1/commands/"+res.CommandID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/sources/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/sources/"+id, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	out := decodeBody[map[string]string](t, w)
	assert.Contains(t, out["error"], "not found")
}

func TestSources_Errors(t *testing.T) {
	ts := newTestServer(t)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/sources", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/sources", map[string]string{"type": "text"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/sources", map[string]interface{}{"type": "text", "content": "x", "notebooks": []string{"missing"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/commands/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]string{"query": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSources_SyncFailureReportsError(t *testing.T) {
	ts := newTestServer(t)
	path := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(path, []byte("   "), 0600))

	w := ts.do(t, http.MethodPost, "/api/v1/sources", map[string]string{"type": "upload", "file_path": path})
	require.Equal(t, http.StatusCreated, w.Code)
	res := decodeBody[submitResponse](t, w)
	assert.Equal(t, models.StageFailed, res.Status)
	assert.Contains(t, res.Error, "extraction failed")
}

func TestSources_MultipartUpload(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/notebooks", map[string]string{"name": "Reading"})
	require.Equal(t, http.StatusCreated, w.Code)
	nb := decodeBody[models.Notebook](t, w)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "plan.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("# Plan\n\nRead the penguin paper."))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("notebooks", nb.ID))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/sources", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[submitResponse](t, rec)
	assert.Equal(t, models.StageCompleted, res.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/sources/"+res.SourceID, nil)
	src := decodeBody[models.Source](t, w)
	assert.Equal(t, "plan.md", src.Title)
	assert.Equal(t, []string{nb.ID}, src.NotebookIDs)
	assert.True(t, strings.HasPrefix(src.FilePath, ts.cfg.Storage.UploadsPath))
	_, err = os.Stat(src.FilePath)
	assert.NoError(t, err)

	w = ts.do(t, http.MethodGet, "/api/v1/sources?notebook_id="+nb.ID, nil)
	assert.Len(t, decodeBody[[]models.Source](t, w), 1)
}

func TestNotebooksNotesAndInsights(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/notebooks", map[string]string{"name": "Birds"})
	require.Equal(t, http.StatusCreated, w.Code)
	nb := decodeBody[models.Notebook](t, w)

	w = ts.do(t, http.MethodPost, "/api/v1/notebooks", map[string]string{"name": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPut, "/api/v1/notebooks/"+nb.ID, map[string]string{"description": "flightless"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "flightless", decodeBody[models.Notebook](t, w).Description)

	id := ts.addText(t, "Penguins", "Penguins cannot fly but swim well.")
	w = ts.do(t, http.MethodPost, "/api/v1/notebooks/"+nb.ID+"/sources/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/notes", map[string]string{"notebook_id": nb.ID, "content": "Check emperor penguins"})
	require.Equal(t, http.StatusCreated, w.Code)
	note := decodeBody[models.Note](t, w)
	assert.Equal(t, models.NoteHuman, note.Type)

	w = ts.do(t, http.MethodGet, "/api/v1/notes?notebook_id="+nb.ID, nil)
	assert.Len(t, decodeBody[[]models.Note](t, w), 1)

	w = ts.do(t, http.MethodPost, "/api/v1/sources/"+id+"/insights", map[string]string{"content": "Birds that swim."})
	require.Equal(t, http.StatusCreated, w.Code)
	ins := decodeBody[models.Insight](t, w)
	assert.Equal(t, "summary", ins.Type)

	w = ts.do(t, http.MethodPost, "/api/v1/insights/"+ins.ID+"/note", map[string]string{"notebook_id": nb.ID})
	require.Equal(t, http.StatusCreated, w.Code)
	aiNote := decodeBody[models.Note](t, w)
	assert.Equal(t, models.NoteAI, aiNote.Type)
	assert.Equal(t, "summary: Penguins", aiNote.Title)

	w = ts.do(t, http.MethodDelete, "/api/v1/notebooks/"+nb.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/notes/"+note.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/sources/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// readEvents parses a server-sent event stream into kinds and payloads.
func readEvents(t *testing.T, body string) ([]string, []models.Event) {
	t.Helper()
	var kinds []string
	var events []models.Event
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			kinds = append(kinds, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			var ev models.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			events = append(events, ev)
		}
	}
	return kinds, events
}

func TestChat_StreamsEvents(t *testing.T) {
	ts := newTestServer(t)
	id := ts.addText(t, "Penguins", "Penguins cannot fly.")

	w := ts.do(t, http.MethodPost, "/api/v1/chat/sessions", map[string]interface{}{
		"scope": map[string]string{"kind": "source", "id": id},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sess := decodeBody[models.ChatSession](t, w)

	w = ts.do(t, http.MethodPost, "/api/v1/chat/sessions/"+sess.ID+"/messages", map[string]string{"message": "hi there"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	kinds, events := readEvents(t, w.Body.String())
	require.NotEmpty(t, kinds)
	assert.Equal(t, "user_message", kinds[0])
	assert.Equal(t, "context_indicators", kinds[1])
	assert.Equal(t, "complete", kinds[len(kinds)-1])
	assert.Equal(t, []string{id}, events[1].Indicators.Sources)
	assert.Equal(t, "You said: hi there", events[len(events)-1].Message.Content)

	w = ts.do(t, http.MethodPost, "/api/v1/chat/sessions/"+sess.ID+"/messages?stream=false", map[string]string{"message": "again"})
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]models.Event](t, w)
	require.NotEmpty(t, list)
	assert.Equal(t, models.EventComplete, list[len(list)-1].Kind)

	w = ts.do(t, http.MethodGet, "/api/v1/chat/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody[models.ChatSession](t, w)
	assert.Equal(t, 4, got.MessageCount)
	assert.Equal(t, "hi there", got.Title)

	w = ts.do(t, http.MethodGet, "/api/v1/chat/sessions?source_id="+id, nil)
	assert.Len(t, decodeBody[[]models.ChatSession](t, w), 1)

	w = ts.do(t, http.MethodPost, "/api/v1/chat/sessions/"+sess.ID+"/messages", map[string]string{"message": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/chat/sessions/missing/messages", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/chat/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestChat_Context(t *testing.T) {
	ts := newTestServer(t)
	id := ts.addText(t, "Penguins", strings.Repeat("penguin ", 50))

	w := ts.do(t, http.MethodPost, "/api/v1/chat/context", map[string]interface{}{
		"context_config": map[string]interface{}{"sources": map[string]string{id: "full"}},
		"token_budget":   10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bundle := decodeBody[models.ContextBundle](t, w)
	require.Len(t, bundle.Fragments, 1)
	assert.Equal(t, 10, bundle.TokenCount)
	assert.True(t, bundle.Fragments[0].Truncated)

	w = ts.do(t, http.MethodPost, "/api/v1/chat/context", map[string]interface{}{
		"scope":        map[string]string{"kind": "source", "id": id},
		"token_budget": 0,
	})
	require.Equal(t, http.StatusOK, w.Code)
	bundle = decodeBody[models.ContextBundle](t, w)
	assert.Empty(t, bundle.Fragments)
	assert.NotNil(t, bundle.Fragments)

	w = ts.do(t, http.MethodPost, "/api/v1/chat/context", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRebuild(t *testing.T) {
	ts := newTestServer(t)
	ts.addText(t, "A", "alpha text")

	w := ts.do(t, http.MethodPost, "/api/v1/embeddings/rebuild", map[string]string{"mode": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/embeddings/rebuild", map[string]string{"mode": "all"})
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[models.RebuildResult](t, w)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Failed)

	w = ts.do(t, http.MethodPost, "/api/v1/embeddings/rebuild", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ingest.RebuildExisting, decodeBody[models.RebuildResult](t, w).Mode)
}

func TestWatchDirectories(t *testing.T) {
	ts := newTestServer(t)
	dir := t.TempDir()

	w := ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]interface{}{"path": dir, "sync": false})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, []string{dir}, ts.watch.dirs)

	loaded, err := config.Load(ts.srv.configPath)
	require.NoError(t, err)
	assert.Equal(t, []string{dir}, loaded.Watch.Directories)

	w = ts.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decodeBody[struct {
		Directories []string `json:"directories"`
	}](t, w)
	assert.Equal(t, []string{dir}, out.Directories)

	w = ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": filepath.Join(dir, "nope")})
	assert.Equal(t, http.StatusNotFound, w.Code)
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	w = ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": file})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ts.watch.dirs)
	w = ts.do(t, http.MethodDelete, "/api/v1/watch/directories", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWatchDirectories_Disabled(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.Watch = nil
	handler := ts.srv.Handler()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/watch/directories", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(models.ErrNotFound))
	assert.Equal(t, http.StatusBadRequest, statusFor(models.ErrInvalidInput))
	assert.Equal(t, http.StatusConflict, statusFor(models.ErrInvalidState))
	assert.Equal(t, http.StatusInternalServerError, statusFor(context.Canceled))
}
