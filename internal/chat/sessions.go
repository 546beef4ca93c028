package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hyperjump/kioku/internal/models"
)

// SessionInput creates a session.
type SessionInput struct {
	Title         string                `json:"title,omitempty"`
	Scope         models.Scope          `json:"scope"`
	ModelOverride string                `json:"model_override,omitempty"`
	Context       *models.ContextConfig `json:"context_config,omitempty"`
}

// SessionUpdate changes the fields that are non-nil.
type SessionUpdate struct {
	Title         *string               `json:"title,omitempty"`
	ModelOverride *string               `json:"model_override,omitempty"`
	Context       *models.ContextConfig `json:"context_config,omitempty"`
}

// CreateSession creates a session bound to an existing source or notebook.
func (s *Service) CreateSession(ctx context.Context, in SessionInput) (*models.ChatSession, error) {
	if err := in.Scope.Validate(); err != nil {
		return nil, err
	}
	var err error
	switch in.Scope.Kind {
	case models.ScopeSource:
		_, err = s.store.GetSource(ctx, in.Scope.ID)
	case models.ScopeNotebook:
		_, err = s.store.GetNotebook(ctx, in.Scope.ID)
	}
	if err != nil {
		return nil, err
	}
	sess := &models.ChatSession{
		ID:            uuid.New().String(),
		Title:         in.Title,
		Scope:         in.Scope,
		ModelOverride: in.ModelOverride,
		Context:       in.Context,
		Messages:      []*models.Message{},
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// GetSession returns a session with its messages.
func (s *Service) GetSession(ctx context.Context, id string) (*models.ChatSession, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	sess.Messages = msgs
	sess.MessageCount = len(msgs)
	return sess, nil
}

// ListSessions returns the sessions bound to scope.
func (s *Service) ListSessions(ctx context.Context, scope models.Scope) ([]*models.ChatSession, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, scope)
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = []*models.ChatSession{}
	}
	return sessions, nil
}

// UpdateSession applies upd. It waits for a running turn in the session to finish.
func (s *Service) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*models.ChatSession, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Title != nil {
		sess.Title = *upd.Title
	}
	if upd.ModelOverride != nil {
		sess.ModelOverride = *upd.ModelOverride
	}
	if upd.Context != nil {
		sess.Context = upd.Context
	}
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSession removes a session and its messages.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.store.DeleteSession(ctx, id)
}
