// Package llm wraps chat model providers behind a streaming interface.
package llm

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// Message is one prior turn of the conversation.
type Message struct {
	Role    models.Role
	Content string
}

// Request is a chat completion request. History excludes Prompt.
type Request struct {
	System  string
	History []Message
	Prompt  string
}

// ChatModel generates a reply. Stream calls onDelta for each piece of text as it arrives and
// returns the full reply; an error from onDelta aborts the stream. Provider failures wrap
// models.ErrModel.
type ChatModel interface {
	Name() string
	Stream(ctx context.Context, req Request, onDelta func(string) error) (string, error)
}
