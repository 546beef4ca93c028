// Package chat runs chat sessions: it persists messages, assembles context and streams model
// replies as typed events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/assembler"
	"github.com/hyperjump/kioku/internal/llm"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

const titleLength = 60

// ContextBuilder assembles the context bundle for a turn.
type ContextBuilder interface {
	Build(ctx context.Context, req assembler.Request) (*models.ContextBundle, error)
}

// ModelResolver maps a model name (possibly empty) to a chat model.
type ModelResolver interface {
	Resolve(name string) (llm.ChatModel, error)
}

// TurnRequest is one user message. ModelOverride and Context override the session's settings
// for this turn only.
type TurnRequest struct {
	Message       string                `json:"message"`
	ModelOverride string                `json:"model_override,omitempty"`
	Context       *models.ContextConfig `json:"context_config,omitempty"`
}

// Service runs chat turns. Turns in one session are sequential; sessions are independent.
type Service struct {
	store        storage.Storage
	builder      ContextBuilder
	models       ModelResolver
	locks        *utils.KeyedMutex
	budget       int
	historyLimit int
	systemPrompt string
	logger       *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger for turn failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithTokenBudget sets the context budget per turn (default 8000).
func WithTokenBudget(n int) Option {
	return func(s *Service) { s.budget = n }
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(p string) Option {
	return func(s *Service) { s.systemPrompt = p }
}

// WithHistoryLimit caps the number of prior messages sent to the model (default 20).
func WithHistoryLimit(n int) Option {
	return func(s *Service) { s.historyLimit = n }
}

// NewService creates a chat service.
func NewService(store storage.Storage, builder ContextBuilder, resolver ModelResolver, opts ...Option) *Service {
	s := &Service{
		store:        store,
		builder:      builder,
		models:       resolver,
		locks:        utils.NewKeyedMutex(),
		budget:       8000,
		historyLimit: 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Turn validates the request and starts the turn. The returned channel yields user_message,
// context_indicators, zero or more ai_message deltas and exactly one terminal event
// (complete or error), then closes. Failures after validation arrive as the error event.
func (s *Service) Turn(ctx context.Context, sessionID string, req TurnRequest) (<-chan models.Event, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message cannot be empty", models.ErrInvalidInput)
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	ch := make(chan models.Event, 16)
	go s.run(ctx, sessionID, req, ch)
	return ch, nil
}

// Collect drains a turn into a slice.
func Collect(ch <-chan models.Event) []models.Event {
	var events []models.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

type emitter struct {
	ctx       context.Context
	ch        chan<- models.Event
	sessionID string
}

// send delivers ev unless the consumer has gone away.
func (e emitter) send(ev models.Event) bool {
	ev.SessionID = e.sessionID
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e emitter) fail(err error) {
	e.send(models.Event{Kind: models.EventError, Error: err.Error()})
}

func (s *Service) run(ctx context.Context, sessionID string, req TurnRequest, ch chan<- models.Event) {
	defer close(ch)
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	out := emitter{ctx: ctx, ch: ch, sessionID: sessionID}

	// Read under the lock so an earlier turn's title or a concurrent update is not overwritten.
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logFailure(sessionID, "load session", err)
		out.fail(err)
		return
	}

	history, err := s.history(ctx, sess.ID)
	if err != nil {
		s.logFailure(sess.ID, "history", err)
		out.fail(err)
		return
	}

	userMsg := &models.Message{ID: uuid.New().String(), SessionID: sess.ID, Role: models.RoleHuman, Content: req.Message}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		s.logFailure(sess.ID, "append user message", err)
		out.fail(err)
		return
	}
	if sess.Title == "" {
		sess.Title = utils.TitleFrom(req.Message, titleLength)
		if err := s.store.UpdateSession(ctx, sess); err != nil {
			s.logFailure(sess.ID, "set title", err)
		}
	}
	if !out.send(models.Event{Kind: models.EventUserMessage, Message: userMsg}) {
		return
	}

	cfg := req.Context
	if cfg.Empty() {
		cfg = sess.Context
	}
	bundle, err := s.builder.Build(ctx, assembler.Request{Scope: sess.Scope, Config: cfg, Budget: s.budget, Query: req.Message})
	if err != nil {
		s.logFailure(sess.ID, "assemble context", err)
		out.fail(err)
		return
	}
	indicators := bundle.Indicators()
	if !out.send(models.Event{Kind: models.EventContextIndicators, Indicators: &indicators}) {
		return
	}

	name := req.ModelOverride
	if name == "" {
		name = sess.ModelOverride
	}
	model, err := s.models.Resolve(name)
	if err != nil {
		s.logFailure(sess.ID, "resolve model", err)
		out.fail(err)
		return
	}

	reply, err := model.Stream(ctx, llm.Request{
		System:  SystemPrompt(s.systemPrompt, bundle),
		History: history,
		Prompt:  req.Message,
	}, func(delta string) error {
		if !out.send(models.Event{Kind: models.EventAIMessage, Delta: delta}) {
			return ctx.Err()
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, models.ErrModel) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", models.ErrModel, err)
		}
		s.logFailure(sess.ID, "model "+model.Name(), err)
		out.fail(err)
		return
	}

	aiMsg := &models.Message{ID: uuid.New().String(), SessionID: sess.ID, Role: models.RoleAI, Content: reply}
	if err := s.store.AppendMessage(ctx, aiMsg); err != nil {
		s.logFailure(sess.ID, "append ai message", err)
		out.fail(err)
		return
	}
	out.send(models.Event{Kind: models.EventComplete, Message: aiMsg})
}

func (s *Service) history(ctx context.Context, sessionID string) ([]llm.Message, error) {
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.historyLimit > 0 && len(msgs) > s.historyLimit {
		msgs = msgs[len(msgs)-s.historyLimit:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (s *Service) logFailure(sessionID, step string, err error) {
	if s.logger != nil {
		s.logger.Warn("chat turn failed", zap.String("session_id", sessionID), zap.String("step", step), zap.Error(err))
	}
}
