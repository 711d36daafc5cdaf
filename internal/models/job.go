package models

import (
	"time"
)

// Job is a unit of work queued for a specific stage of a book. At most one job
// exists per (book, stage); the attempt field is the monotonically increasing
// token the coordinator uses to detect stale redeliveries.
type Job struct {
	BookID    string         `json:"book_id"`
	Stage     Stage          `json:"stage"`
	Attempt   int            `json:"attempt"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key returns the queue token identifying this job's (book, stage) pair.
func (j Job) Key() string {
	return JobKey(j.BookID, j.Stage)
}

// JobKey builds the queue token for a (book, stage) pair.
func JobKey(bookID string, stage Stage) string {
	return string(stage) + "|" + bookID
}

// SplitJobKey parses a queue token back into its parts.
func SplitJobKey(key string) (bookID string, stage Stage, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[i+1:], Stage(key[:i]), true
		}
	}
	return "", "", false
}
