package models

import (
	"time"
)

// BookStatus values persisted in the store. The pipeline moves a book through the
// stage statuses in order; failed/cancelled are reachable from any non-terminal state.
const (
	StatusUploaded     = "uploaded"
	StatusExtracting   = "extracting"
	StatusSegmenting   = "segmenting"
	StatusSynthesizing = "synthesizing"
	StatusTranscoding  = "transcoding"
	StatusFinalizing   = "finalizing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusCancelling   = "cancelling"
	StatusCancelled    = "cancelled"
)

// TerminalStatus reports whether no further pipeline work happens for the status.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Book is the authoritative record of one uploaded document and its conversion.
type Book struct {
	ID                   string       `json:"id"`
	Title                string       `json:"title"`
	SourceFormat         SourceFormat `json:"source_format"`
	Status               string       `json:"status"`
	CurrentStage         Stage        `json:"current_stage,omitempty"`
	CurrentAttempt       int          `json:"current_attempt,omitempty"`
	FailedStage          Stage        `json:"failed_stage,omitempty"`
	FailureDetail        *string      `json:"failure_detail,omitempty"`
	TotalDurationSeconds float64      `json:"total_duration_seconds"`
	ChunkCount           int          `json:"chunk_count"`
	SourceHandle         string       `json:"source_handle,omitempty"`
	CoverHandle          string       `json:"cover_handle,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Chunk is one immutable, independently playable audio segment of a book.
type Chunk struct {
	BookID          string    `json:"book_id"`
	Sequence        int       `json:"sequence"`
	DurationSeconds float64   `json:"duration_seconds"`
	ByteSize        int64     `json:"byte_size"`
	LocationHandle  string    `json:"location_handle"`
	Checksum        string    `json:"checksum"`
	CreatedAt       time.Time `json:"created_at"`
}

// BookEvent is an audit row recording a pipeline transition.
type BookEvent struct {
	BookID   string    `json:"book_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
