package models

import "time"

// Stage is a step of the ingestion lifecycle. A Source's status mirrors its current Command's stage.
type Stage string

const (
	StagePending    Stage = "pending"
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Command tracks one ingestion attempt for a source.
type Command struct {
	ID             string         `json:"id"`
	SourceID       string         `json:"source_id"`
	Stage          Stage          `json:"stage"`
	Error          string         `json:"error,omitempty"`
	ProcessingInfo map[string]any `json:"processing_info,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Transition moves a command and its source to a new stage in one write.
// EmbeddedChunks is applied to the source only when non-nil.
type Transition struct {
	CommandID      string
	SourceID       string
	Stage          Stage
	Error          string
	ProcessingInfo map[string]any
	EmbeddedChunks *int
}

// StatusReport is the answer to a status query for a source.
type StatusReport struct {
	Status         Stage          `json:"status"`
	Message        string         `json:"message"`
	ProcessingInfo map[string]any `json:"processing_info,omitempty"`
	CommandID      string         `json:"command_id,omitempty"`
}

// SubmitResult is returned when an ingestion attempt is accepted.
type SubmitResult struct {
	SourceID  string `json:"source_id"`
	CommandID string `json:"command_id"`
	Status    Stage  `json:"status"`
}

// RebuildResult summarizes a re-embedding pass.
type RebuildResult struct {
	Mode      string `json:"mode"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}
