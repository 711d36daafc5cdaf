package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"audiobook-pipeline/internal/models"
)

// Postgres wraps pgxpool for durable persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const bookColumns = `id, title, source_format, status, current_stage, current_attempt,
	failed_stage, failure_detail, total_duration_seconds, chunk_count,
	source_handle, cover_handle, created_at, updated_at`

// CreateBook inserts a book in the uploaded state.
func (s *Postgres) CreateBook(ctx context.Context, p CreateBookParams) (models.Book, error) {
	id := uuid.New().String()
	now := nowUTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO books (id, title, source_format, status, source_handle, cover_handle, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, p.Title, string(p.SourceFormat), models.StatusUploaded, p.SourceHandle, p.CoverHandle, now)
	if err != nil {
		return models.Book{}, fmt.Errorf("insert book: %w", err)
	}

	return models.Book{
		ID:           id,
		Title:        p.Title,
		SourceFormat: p.SourceFormat,
		Status:       models.StatusUploaded,
		SourceHandle: p.SourceHandle,
		CoverHandle:  p.CoverHandle,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (s *Postgres) GetBook(ctx context.Context, id string) (models.Book, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	book, err := scanBook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Book{}, ErrBookNotFound
	}
	return book, err
}

func (s *Postgres) ListBooks(ctx context.Context) ([]models.Book, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+bookColumns+` FROM books ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()
	return collectBooks(rows)
}

func (s *Postgres) ListActiveBooks(ctx context.Context) ([]models.Book, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+bookColumns+` FROM books
		WHERE status NOT IN ($1, $2, $3)
		ORDER BY created_at ASC
	`, models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list active books: %w", err)
	}
	defer rows.Close()
	return collectBooks(rows)
}

func (s *Postgres) UpdateBookStatus(ctx context.Context, id string, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE books SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

func (s *Postgres) SetStage(ctx context.Context, id string, stage models.Stage, attempt int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE books
		SET status = $2, current_stage = $3, current_attempt = $4,
		    failed_stage = '', failure_detail = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, stage.Status(), string(stage), attempt)
	if err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

func (s *Postgres) MarkFailed(ctx context.Context, id string, stage models.Stage, detail string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE books
		SET status = $2, failed_stage = $3, failure_detail = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, string(stage), detail)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}

// AppendChunk inserts chunk metadata and advances the book's totals in one
// transaction. The book row is locked so the sequence check is race-free.
func (s *Postgres) AppendChunk(ctx context.Context, chunk models.Chunk) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var count int
	err = tx.QueryRow(ctx, `SELECT chunk_count FROM books WHERE id = $1 FOR UPDATE`, chunk.BookID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBookNotFound
	}
	if err != nil {
		return fmt.Errorf("lock book: %w", err)
	}

	if chunk.Sequence < count {
		// Redelivered append at an occupied sequence: a no-op when the bytes
		// match, a coordination bug otherwise.
		var checksum string
		err := tx.QueryRow(ctx, `
			SELECT checksum FROM chunks WHERE book_id = $1 AND sequence = $2
		`, chunk.BookID, chunk.Sequence).Scan(&checksum)
		if err != nil {
			return fmt.Errorf("read existing chunk: %w", err)
		}
		if checksum == chunk.Checksum {
			return nil
		}
		return fmt.Errorf("%w: sequence %d already occupied with different contents", ErrOutOfOrderWrite, chunk.Sequence)
	}
	if chunk.Sequence != count {
		return fmt.Errorf("%w: got sequence %d, want %d", ErrOutOfOrderWrite, chunk.Sequence, count)
	}

	now := nowUTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO chunks (book_id, sequence, duration_seconds, byte_size, location_handle, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, chunk.BookID, chunk.Sequence, chunk.DurationSeconds, chunk.ByteSize, chunk.LocationHandle, chunk.Checksum, now)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE books
		SET chunk_count = chunk_count + 1,
		    total_duration_seconds = total_duration_seconds + $2,
		    updated_at = NOW()
		WHERE id = $1
	`, chunk.BookID, chunk.DurationSeconds)
	if err != nil {
		return fmt.Errorf("update book totals: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Postgres) ListChunks(ctx context.Context, bookID string) ([]models.Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT book_id, sequence, duration_seconds, byte_size, location_handle, checksum, created_at
		FROM chunks WHERE book_id = $1 ORDER BY sequence ASC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.BookID, &c.Sequence, &c.DurationSeconds, &c.ByteSize, &c.LocationHandle, &c.Checksum, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *Postgres) GetChunk(ctx context.Context, bookID string, sequence int) (models.Chunk, error) {
	var c models.Chunk
	err := s.pool.QueryRow(ctx, `
		SELECT book_id, sequence, duration_seconds, byte_size, location_handle, checksum, created_at
		FROM chunks WHERE book_id = $1 AND sequence = $2
	`, bookID, sequence).Scan(&c.BookID, &c.Sequence, &c.DurationSeconds, &c.ByteSize, &c.LocationHandle, &c.Checksum, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chunk{}, ErrChunkNotFound
	}
	if err != nil {
		return models.Chunk{}, fmt.Errorf("get chunk: %w", err)
	}
	return c, nil
}

func (s *Postgres) UpsertJob(ctx context.Context, job models.Job) error {
	payloadJSON, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := nowUTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (book_id, stage, attempt, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (book_id, stage)
		DO UPDATE SET attempt = $3, payload = $4, updated_at = $5
	`, job.BookID, string(job.Stage), job.Attempt, payloadJSON, now)
	if err != nil {
		return fmt.Errorf("upsert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, bookID string, stage models.Stage) (models.Job, error) {
	var job models.Job
	var stageStr string
	var payloadJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT book_id, stage, attempt, payload, created_at, updated_at
		FROM jobs WHERE book_id = $1 AND stage = $2
	`, bookID, string(stage)).Scan(&job.BookID, &stageStr, &job.Attempt, &payloadJSON, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	job.Stage = models.Stage(stageStr)
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return job, nil
}

func (s *Postgres) DeleteJobs(ctx context.Context, bookID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE book_id = $1`, bookID)
	return err
}

func (s *Postgres) AppendEvent(ctx context.Context, bookID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO book_events (book_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, bookID, event, detail)
	return err
}

func (s *Postgres) ListEvents(ctx context.Context, bookID string) ([]models.BookEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT book_id, event, detail, ts FROM book_events WHERE book_id = $1 ORDER BY id ASC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.BookEvent
	for rows.Next() {
		var e models.BookEvent
		if err := rows.Scan(&e.BookID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type bookScanner interface {
	Scan(dest ...any) error
}

func scanBook(row bookScanner) (models.Book, error) {
	var b models.Book
	var format, stage, failedStage string
	var detail pgtype.Text

	err := row.Scan(&b.ID, &b.Title, &format, &b.Status, &stage, &b.CurrentAttempt,
		&failedStage, &detail, &b.TotalDurationSeconds, &b.ChunkCount,
		&b.SourceHandle, &b.CoverHandle, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return models.Book{}, err
	}
	b.SourceFormat = models.SourceFormat(format)
	b.CurrentStage = models.Stage(stage)
	b.FailedStage = models.Stage(failedStage)
	if detail.Valid {
		b.FailureDetail = &detail.String
	}
	return b, nil
}

func collectBooks(rows pgx.Rows) ([]models.Book, error) {
	var books []models.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}
