package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"audiobook-pipeline/internal/models"
)

// Memory is an in-process Store used by tests and local experiments.
type Memory struct {
	mu     sync.Mutex
	books  map[string]models.Book
	chunks map[string][]models.Chunk
	jobs   map[string]models.Job
	events map[string][]models.BookEvent
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		books:  make(map[string]models.Book),
		chunks: make(map[string][]models.Chunk),
		jobs:   make(map[string]models.Job),
		events: make(map[string][]models.BookEvent),
	}
}

func (m *Memory) Close() {}

func (m *Memory) CreateBook(_ context.Context, p CreateBookParams) (models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowUTC()
	book := models.Book{
		ID:           uuid.New().String(),
		Title:        p.Title,
		SourceFormat: p.SourceFormat,
		Status:       models.StatusUploaded,
		SourceHandle: p.SourceHandle,
		CoverHandle:  p.CoverHandle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.books[book.ID] = book
	return book, nil
}

func (m *Memory) GetBook(_ context.Context, id string) (models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[id]
	if !ok {
		return models.Book{}, ErrBookNotFound
	}
	return book, nil
}

func (m *Memory) ListBooks(_ context.Context) ([]models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedBooks(func(models.Book) bool { return true }), nil
}

func (m *Memory) ListActiveBooks(_ context.Context) ([]models.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedBooks(func(b models.Book) bool { return !models.TerminalStatus(b.Status) }), nil
}

func (m *Memory) sortedBooks(keep func(models.Book) bool) []models.Book {
	var books []models.Book
	for _, b := range m.books {
		if keep(b) {
			books = append(books, b)
		}
	}
	sort.Slice(books, func(i, j int) bool { return books[i].CreatedAt.Before(books[j].CreatedAt) })
	return books
}

func (m *Memory) UpdateBookStatus(_ context.Context, id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	book.Status = status
	book.UpdatedAt = nowUTC()
	m.books[id] = book
	return nil
}

func (m *Memory) SetStage(_ context.Context, id string, stage models.Stage, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	book.Status = stage.Status()
	book.CurrentStage = stage
	book.CurrentAttempt = attempt
	book.FailedStage = ""
	book.FailureDetail = nil
	book.UpdatedAt = nowUTC()
	m.books[id] = book
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id string, stage models.Stage, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[id]
	if !ok {
		return ErrBookNotFound
	}
	book.Status = models.StatusFailed
	book.FailedStage = stage
	book.FailureDetail = &detail
	book.UpdatedAt = nowUTC()
	m.books[id] = book
	return nil
}

func (m *Memory) AppendChunk(_ context.Context, chunk models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	book, ok := m.books[chunk.BookID]
	if !ok {
		return ErrBookNotFound
	}

	existing := m.chunks[chunk.BookID]
	if chunk.Sequence < len(existing) {
		if existing[chunk.Sequence].Checksum == chunk.Checksum {
			return nil
		}
		return fmt.Errorf("%w: sequence %d already occupied with different contents", ErrOutOfOrderWrite, chunk.Sequence)
	}
	if chunk.Sequence != len(existing) {
		return fmt.Errorf("%w: got sequence %d, want %d", ErrOutOfOrderWrite, chunk.Sequence, len(existing))
	}

	chunk.CreatedAt = nowUTC()
	m.chunks[chunk.BookID] = append(existing, chunk)

	book.ChunkCount++
	book.TotalDurationSeconds += chunk.DurationSeconds
	book.UpdatedAt = chunk.CreatedAt
	m.books[chunk.BookID] = book
	return nil
}

func (m *Memory) ListChunks(_ context.Context, bookID string) ([]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunks := m.chunks[bookID]
	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)
	return out, nil
}

func (m *Memory) GetChunk(_ context.Context, bookID string, sequence int) (models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunks := m.chunks[bookID]
	if sequence < 0 || sequence >= len(chunks) {
		return models.Chunk{}, ErrChunkNotFound
	}
	return chunks[sequence], nil
}

func (m *Memory) UpsertJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := nowUTC()
	key := job.Key()
	if existing, ok := m.jobs[key]; ok {
		job.CreatedAt = existing.CreatedAt
	} else {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[key] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, bookID string, stage models.Stage) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[models.JobKey(bookID, stage)]
	if !ok {
		return models.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (m *Memory) DeleteJobs(_ context.Context, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stage := range models.Stages() {
		delete(m.jobs, models.JobKey(bookID, stage))
	}
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, bookID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[bookID] = append(m.events[bookID], models.BookEvent{
		BookID:   bookID,
		Event:    event,
		Detail:   detail,
		Recorded: nowUTC(),
	})
	return nil
}

func (m *Memory) ListEvents(_ context.Context, bookID string) ([]models.BookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := m.events[bookID]
	out := make([]models.BookEvent, len(events))
	copy(out, events)
	return out, nil
}
