package models

import "time"

// Notebook groups sources, notes and chat sessions.
type Notebook struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NoteType records who wrote a note.
type NoteType string

const (
	NoteHuman NoteType = "human"
	NoteAI    NoteType = "ai"
)

// Note is free text attached to a notebook.
type Note struct {
	ID         string    `json:"id"`
	NotebookID string    `json:"notebook_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Type       NoteType  `json:"note_type"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
