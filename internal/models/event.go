package models

// EventKind names a chat turn event.
type EventKind string

const (
	EventUserMessage       EventKind = "user_message"
	EventContextIndicators EventKind = "context_indicators"
	EventAIMessage         EventKind = "ai_message"
	EventComplete          EventKind = "complete"
	EventError             EventKind = "error"
)

// Terminal reports whether k ends a turn.
func (k EventKind) Terminal() bool {
	return k == EventComplete || k == EventError
}

// Event is one typed item of a chat turn stream.
type Event struct {
	Kind       EventKind          `json:"type"`
	SessionID  string             `json:"session_id"`
	Message    *Message           `json:"message,omitempty"`
	Delta      string             `json:"content,omitempty"`
	Indicators *ContextIndicators `json:"context,omitempty"`
	Error      string             `json:"error,omitempty"`
}
