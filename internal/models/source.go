// Package models defines the records kioku stores and the values its services exchange.
package models

import (
	"fmt"
	"time"
)

// SourceType is how a source's content is obtained.
type SourceType string

const (
	SourceLink   SourceType = "link"
	SourceUpload SourceType = "upload"
	SourceText   SourceType = "text"
)

// Source is an ingested piece of content belonging to zero or more notebooks.
type Source struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Type           SourceType     `json:"type"`
	URL            string         `json:"url,omitempty"`
	FilePath       string         `json:"file_path,omitempty"`
	ExternalKey    string         `json:"external_key,omitempty"`
	FullText       string         `json:"full_text,omitempty"`
	NotebookIDs    []string       `json:"notebooks"`
	Embedded       bool           `json:"embedded"`
	EmbeddedChunks int            `json:"embedded_chunks"`
	Status         Stage          `json:"status"`
	CommandID      string         `json:"command_id,omitempty"`
	ProcessingInfo map[string]any `json:"processing_info,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SourceInput is the create-source request.
type SourceInput struct {
	Type        SourceType `json:"type"`
	URL         string     `json:"url,omitempty"`
	FilePath    string     `json:"file_path,omitempty"`
	Content     string     `json:"content,omitempty"`
	Title       string     `json:"title,omitempty"`
	Notebooks   []string   `json:"notebooks,omitempty"`
	Async       bool       `json:"async_processing,omitempty"`
	Embed       *bool      `json:"embed,omitempty"`
	ExternalKey string     `json:"-"`
}

// EmbedOrDefault reports whether the source should be chunked and embedded; defaults to true.
func (in *SourceInput) EmbedOrDefault() bool {
	if in.Embed != nil {
		return *in.Embed
	}
	return true
}

// Validate checks that the fields required by Type are present.
func (in *SourceInput) Validate() error {
	switch in.Type {
	case SourceLink:
		if in.URL == "" {
			return fmt.Errorf("%w: link source requires url", ErrInvalidInput)
		}
	case SourceUpload:
		if in.FilePath == "" {
			return fmt.Errorf("%w: upload source requires file_path", ErrInvalidInput)
		}
	case SourceText:
		if in.Content == "" {
			return fmt.Errorf("%w: text source requires content", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown source type %q", ErrInvalidInput, in.Type)
	}
	return nil
}

// Insight is a derived highlight of a source, such as a summary.
type Insight struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	Type      string    `json:"insight_type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
