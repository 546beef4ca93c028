package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/llm"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

// scripted replies with fixed deltas, or fails after them.
type scripted struct {
	name   string
	deltas []string
	err    error
	delay  time.Duration

	mu   sync.Mutex
	reqs []llm.Request
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) (string, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	time.Sleep(s.delay)
	for _, d := range s.deltas {
		if err := onDelta(d); err != nil {
			return "", err
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return strings.Join(s.deltas, ""), nil
}

type failingBuilder struct{}

func (failingBuilder) Build(context.Context, assembler.Request) (*models.ContextBundle, error) {
	return nil, errors.New("storage offline")
}

type fixture struct {
	store   *storage.SQLiteStorage
	models  *llm.Registry
	service *Service
	session *models.ChatSession
}

func newFixture(t *testing.T, model llm.ChatModel, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(storage.DriverPureGo, filepath.Join(t.TempDir(), "db.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	src := &models.Source{ID: "s1", Title: "Penguins", Type: models.SourceText, FullText: "Penguins cannot fly."}
	require.NoError(t, store.CreateSource(ctx, src, &models.Command{ID: "c1"}))

	reg := llm.NewRegistry("test", "default")
	reg.Register("test", func(string) (llm.ChatModel, error) { return model, nil })
	reg.Register("echo", func(string) (llm.ChatModel, error) { return llm.Echo{}, nil })

	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	svc := NewService(store, assembler.New(store, nil), reg, opts...)
	sess, err := svc.CreateSession(ctx, SessionInput{Scope: models.Scope{Kind: models.ScopeSource, ID: "s1"}})
	require.NoError(t, err)
	return &fixture{store: store, models: reg, service: svc, session: sess}
}

func kinds(events []models.Event) []models.EventKind {
	out := make([]models.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestTurn_Complete(t *testing.T) {
	model := &scripted{name: "test/default", deltas: []string{"They ", "swim."}}
	f := newFixture(t, model)
	ctx := context.Background()

	ch, err := f.service.Turn(ctx, f.session.ID, TurnRequest{Message: "Can penguins fly?"})
	require.NoError(t, err)
	events := Collect(ch)

	assert.Equal(t, []models.EventKind{
		models.EventUserMessage, models.EventContextIndicators,
		models.EventAIMessage, models.EventAIMessage, models.EventComplete,
	}, kinds(events))
	assert.Equal(t, "Can penguins fly?", events[0].Message.Content)
	assert.Equal(t, []string{"s1"}, events[1].Indicators.Sources)
	assert.Empty(t, events[1].Indicators.Notes)
	assert.NotNil(t, events[1].Indicators.Insights)
	assert.Equal(t, "They ", events[2].Delta)
	assert.Equal(t, "They swim.", events[4].Message.Content)
	for _, ev := range events {
		assert.Equal(t, f.session.ID, ev.SessionID)
	}

	require.Len(t, model.reqs, 1)
	assert.Contains(t, model.reqs[0].System, "Penguins cannot fly.")
	assert.Equal(t, "Can penguins fly?", model.reqs[0].Prompt)
	assert.Empty(t, model.reqs[0].History)

	sess, err := f.service.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Can penguins fly?", sess.Title)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, models.RoleHuman, sess.Messages[0].Role)
	assert.Equal(t, models.RoleAI, sess.Messages[1].Role)

	_, err = f.service.Turn(ctx, f.session.ID, TurnRequest{Message: "And seals?"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		model.mu.Lock()
		defer model.mu.Unlock()
		return len(model.reqs) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, model.reqs[1].History, 2)
}

func TestTurn_ModelError(t *testing.T) {
	f := newFixture(t, &scripted{name: "test/default", err: errors.New("quota exceeded")})
	ctx := context.Background()

	ch, err := f.service.Turn(ctx, f.session.ID, TurnRequest{Message: "hello"})
	require.NoError(t, err)
	events := Collect(ch)

	assert.Equal(t, []models.EventKind{models.EventUserMessage, models.EventContextIndicators, models.EventError}, kinds(events))
	assert.Contains(t, events[2].Error, "quota exceeded")

	msgs, err := f.store.ListMessages(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleHuman, msgs[0].Role)
}

func TestTurn_AssemblerError(t *testing.T) {
	f := newFixture(t, &scripted{name: "test/default", deltas: []string{"x"}})
	f.service.builder = failingBuilder{}

	ch, err := f.service.Turn(context.Background(), f.session.ID, TurnRequest{Message: "hello"})
	require.NoError(t, err)
	events := Collect(ch)
	assert.Equal(t, []models.EventKind{models.EventUserMessage, models.EventError}, kinds(events))
	assert.Contains(t, events[1].Error, "storage offline")
}

func TestTurn_Validation(t *testing.T) {
	f := newFixture(t, llm.Echo{})
	_, err := f.service.Turn(context.Background(), f.session.ID, TurnRequest{Message: "   "})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = f.service.Turn(context.Background(), "missing", TurnRequest{Message: "hi"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTurn_ModelResolution(t *testing.T) {
	f := newFixture(t, &scripted{name: "test/default", deltas: []string{"default"}})
	ctx := context.Background()

	last := func(req TurnRequest) models.Event {
		ch, err := f.service.Turn(ctx, f.session.ID, req)
		require.NoError(t, err)
		events := Collect(ch)
		return events[len(events)-1]
	}

	assert.Equal(t, "default", last(TurnRequest{Message: "a"}).Message.Content)
	assert.Equal(t, "You said: b", last(TurnRequest{Message: "b", ModelOverride: "echo"}).Message.Content)

	echo := "echo/echo"
	_, err := f.service.UpdateSession(ctx, f.session.ID, SessionUpdate{ModelOverride: &echo})
	require.NoError(t, err)
	assert.Equal(t, "You said: c", last(TurnRequest{Message: "c"}).Message.Content)
	assert.Equal(t, "default", last(TurnRequest{Message: "d", ModelOverride: "test/x"}).Message.Content)

	ev := last(TurnRequest{Message: "e", ModelOverride: "nope/x"})
	assert.Equal(t, models.EventError, ev.Kind)
}

func TestTurn_SequentialWithinSession(t *testing.T) {
	f := newFixture(t, &scripted{name: "test/default", deltas: []string{"ok"}, delay: 20 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, err := f.service.Turn(ctx, f.session.ID, TurnRequest{Message: "q"})
			if assert.NoError(t, err) {
				Collect(ch)
			}
		}()
	}
	wg.Wait()

	msgs, err := f.store.ListMessages(ctx, f.session.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i, m := range msgs {
		want := models.RoleHuman
		if i%2 == 1 {
			want = models.RoleAI
		}
		assert.Equal(t, want, m.Role, "message %d", i)
	}
}

func TestTurn_QueuedTurnSeesLatestSession(t *testing.T) {
	model := &scripted{name: "test/default", deltas: []string{"ok"}}
	f := newFixture(t, model)
	ctx := context.Background()

	// Another turn holds the session while this one is submitted.
	unlock := f.service.locks.Lock(f.session.ID)
	ch, err := f.service.Turn(ctx, f.session.ID, TurnRequest{Message: "what do penguins eat"})
	require.NoError(t, err)

	sess, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	sess.Title = "Penguin diet"
	sess.ModelOverride = "echo"
	require.NoError(t, f.store.UpdateSession(ctx, sess))
	unlock()

	events := Collect(ch)
	require.Equal(t, models.EventComplete, events[len(events)-1].Kind)
	assert.Equal(t, "You said: what do penguins eat", events[len(events)-1].Message.Content)
	assert.Empty(t, model.reqs, "the override written while queued is used")

	got, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Penguin diet", got.Title)
	assert.Equal(t, "echo", got.ModelOverride)
}

func TestTurn_ConsumerGone(t *testing.T) {
	f := newFixture(t, &scripted{name: "test/default", deltas: strings.Split(strings.Repeat("x", 100), "")})
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := f.service.Turn(ctx, f.session.ID, TurnRequest{Message: "q"})
	require.NoError(t, err)
	<-ch
	cancel()
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after cancellation")
	}
}

func TestSessions_CRUD(t *testing.T) {
	f := newFixture(t, llm.Echo{})
	ctx := context.Background()
	require.NoError(t, f.store.CreateNotebook(ctx, &models.Notebook{ID: "nb", Name: "NB"}))

	_, err := f.service.CreateSession(ctx, SessionInput{Scope: models.Scope{Kind: models.ScopeNotebook, ID: "missing"}})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = f.service.CreateSession(ctx, SessionInput{Scope: models.Scope{Kind: "user", ID: "x"}})
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	sess, err := f.service.CreateSession(ctx, SessionInput{Title: "Plan", Scope: models.Scope{Kind: models.ScopeNotebook, ID: "nb"}})
	require.NoError(t, err)

	list, err := f.service.ListSessions(ctx, models.Scope{Kind: models.ScopeNotebook, ID: "nb"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Plan", list[0].Title)

	title := "Renamed"
	updated, err := f.service.UpdateSession(ctx, sess.ID, SessionUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)

	ch, err := f.service.Turn(ctx, sess.ID, TurnRequest{Message: "hi"})
	require.NoError(t, err)
	Collect(ch)
	got, err := f.service.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title, "explicit titles are kept")
	assert.Equal(t, 2, got.MessageCount)

	require.NoError(t, f.service.DeleteSession(ctx, sess.ID))
	_, err = f.service.GetSession(ctx, sess.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	msgs, err := f.store.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, DefaultSystemPrompt, SystemPrompt("", nil))
	bundle := &models.ContextBundle{Fragments: []models.Fragment{{Kind: models.EntityNote, ID: "n1", Title: "Idea", Text: "body"}}}
	p := SystemPrompt("Be brief.", bundle)
	assert.True(t, strings.HasPrefix(p, "Be brief."))
	assert.Contains(t, p, "## [note:n1] Idea\n\nbody")
}
