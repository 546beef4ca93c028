package models

import (
	"fmt"
	"time"
)

// ScopeKind selects what a chat session or context build is bound to.
type ScopeKind string

const (
	ScopeSource   ScopeKind = "source"
	ScopeNotebook ScopeKind = "notebook"
)

// Scope binds a session to exactly one source or one notebook.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// Validate rejects scopes without a kind or target.
func (s Scope) Validate() error {
	if s.Kind != ScopeSource && s.Kind != ScopeNotebook {
		return fmt.Errorf("%w: scope kind must be source or notebook", ErrInvalidInput)
	}
	if s.ID == "" {
		return fmt.Errorf("%w: scope id is required", ErrInvalidInput)
	}
	return nil
}

// Role is the author of a chat message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAI    Role = "ai"
)

// ChatSession owns an ordered list of messages.
type ChatSession struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Scope         Scope          `json:"scope"`
	ModelOverride string         `json:"model_override,omitempty"`
	Context       *ContextConfig `json:"context_config,omitempty"`
	Messages      []*Message     `json:"messages,omitempty"`
	MessageCount  int            `json:"message_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Message is an immutable entry in a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}
