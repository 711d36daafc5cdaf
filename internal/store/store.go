package store

import (
	"context"
	"errors"
	"time"

	"audiobook-pipeline/internal/models"
)

var (
	// ErrBookNotFound is returned when a book id resolves to nothing.
	ErrBookNotFound = errors.New("book not found")
	// ErrChunkNotFound is returned when a (book, sequence) pair resolves to nothing.
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrJobNotFound is returned when no job row exists for a (book, stage) pair.
	ErrJobNotFound = errors.New("job not found")
	// ErrOutOfOrderWrite indicates a chunk append whose sequence does not equal
	// the book's current chunk count. This is a coordination bug, never an
	// expected runtime condition.
	ErrOutOfOrderWrite = errors.New("out-of-order chunk write")
)

// CreateBookParams collects inputs required to insert a book.
type CreateBookParams struct {
	Title        string
	SourceFormat models.SourceFormat
	SourceHandle string
	CoverHandle  string
}

// Store is the persistence contract shared by the API, coordinator, and workers.
// Postgres backs production; Memory backs tests.
type Store interface {
	CreateBook(ctx context.Context, p CreateBookParams) (models.Book, error)
	GetBook(ctx context.Context, id string) (models.Book, error)
	ListBooks(ctx context.Context) ([]models.Book, error)
	// ListActiveBooks returns books in a non-terminal status, oldest first.
	ListActiveBooks(ctx context.Context) ([]models.Book, error)

	// UpdateBookStatus sets only the status column.
	UpdateBookStatus(ctx context.Context, id string, status string) error
	// SetStage records the book's current stage and attempt token alongside the
	// stage's running status, clearing any previous failure fields.
	SetStage(ctx context.Context, id string, stage models.Stage, attempt int) error
	// MarkFailed records the failing stage and user-facing detail.
	MarkFailed(ctx context.Context, id string, stage models.Stage, detail string) error

	// AppendChunk atomically appends chunk metadata, bumping the book's chunk
	// count and total duration. Appending at an already-occupied sequence with
	// an identical checksum is a no-op; any other sequence mismatch returns
	// ErrOutOfOrderWrite.
	AppendChunk(ctx context.Context, chunk models.Chunk) error
	ListChunks(ctx context.Context, bookID string) ([]models.Chunk, error)
	GetChunk(ctx context.Context, bookID string, sequence int) (models.Chunk, error)

	UpsertJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, bookID string, stage models.Stage) (models.Job, error)
	DeleteJobs(ctx context.Context, bookID string) error

	AppendEvent(ctx context.Context, bookID, event, detail string) error
	ListEvents(ctx context.Context, bookID string) ([]models.BookEvent, error)

	Close()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
