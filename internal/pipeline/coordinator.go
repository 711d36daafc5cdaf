package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"audiobook-pipeline/internal/models"
	"audiobook-pipeline/internal/stages"
	"audiobook-pipeline/internal/store"
)

// ErrStaleSignal marks a stage signal whose attempt token no longer matches
// the book's current attempt: a redelivered job another worker already
// finished. Callers discard these; they are expected under at-least-once
// delivery.
var ErrStaleSignal = errors.New("stale stage signal")

// Queue is the slice of the job queue the coordinator drives.
type Queue interface {
	Enqueue(ctx context.Context, bookID string, stage models.Stage) error
	Schedule(ctx context.Context, bookID string, stage models.Stage, runAt time.Time) error
	Remove(ctx context.Context, bookID string) error
	RemoveIdle(ctx context.Context, bookID string) error
	InFlight(ctx context.Context, bookID string, stage models.Stage) (bool, error)
	Pending(ctx context.Context, bookID string, stage models.Stage) (bool, error)
}

// Result is a worker's report of a successful stage execution.
type Result struct {
	BookID  string
	Stage   models.Stage
	Attempt int
	Output  map[string]any
}

// Failure is a worker's report of a failed stage execution.
type Failure struct {
	BookID  string
	Stage   models.Stage
	Attempt int
	Err     error
}

// Coordinator owns the authoritative "what runs next" decision for every
// book. It is the sole writer of book status and job rows: workers only
// execute stages and report back. State is persisted before the next stage is
// enqueued, so a crash in between is recoverable by Recover.
type Coordinator struct {
	store  store.Store
	queue  Queue
	logger *slog.Logger

	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// Options bound retry behavior.
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func New(st store.Store, q Queue, opts Options, logger *slog.Logger) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:          st,
		queue:          q,
		logger:         logger,
		maxAttempts:    opts.MaxAttempts,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
	}
}

// Start enters an uploaded book into the pipeline at the extract stage.
func (c *Coordinator) Start(ctx context.Context, bookID string) error {
	book, err := c.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if book.Status != models.StatusUploaded {
		return fmt.Errorf("book %s is %s, expected %s", bookID, book.Status, models.StatusUploaded)
	}
	return c.enterStage(ctx, bookID, models.StageExtract, 1, map[string]any{})
}

// enterStage persists the job and the book's stage/attempt token, then makes
// the job visible. Persist-then-enqueue: if the process dies in between,
// Recover finds the book with no queue entry and re-enqueues.
func (c *Coordinator) enterStage(ctx context.Context, bookID string, stage models.Stage, attempt int, payload map[string]any) error {
	job := models.Job{BookID: bookID, Stage: stage, Attempt: attempt, Payload: payload}
	if err := c.store.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	if err := c.store.SetStage(ctx, bookID, stage, attempt); err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	_ = c.store.AppendEvent(ctx, bookID, "stage_enqueued", fmt.Sprintf("stage=%s attempt=%d", stage, attempt))
	if err := c.queue.Enqueue(ctx, bookID, stage); err != nil {
		return fmt.Errorf("enqueue %s: %w", stage, err)
	}
	return nil
}

// HandleResult advances the book after a successful stage execution. Stale
// signals return ErrStaleSignal and change nothing.
func (c *Coordinator) HandleResult(ctx context.Context, result Result) error {
	book, err := c.store.GetBook(ctx, result.BookID)
	if err != nil {
		return err
	}
	if book.Status == models.StatusCancelling {
		return c.finishCancel(ctx, book.ID)
	}
	if err := c.checkToken(book, result.Stage, result.Attempt); err != nil {
		return err
	}

	next, ok := result.Stage.Next()
	if !ok {
		if err := c.store.UpdateBookStatus(ctx, book.ID, models.StatusCompleted); err != nil {
			return err
		}
		if err := c.store.DeleteJobs(ctx, book.ID); err != nil {
			return err
		}
		_ = c.store.AppendEvent(ctx, book.ID, "completed", "")
		c.logger.Info("book completed", "book_id", book.ID)
		return nil
	}
	return c.enterStage(ctx, book.ID, next, 1, result.Output)
}

// HandleFailure applies the retry policy after a failed stage execution.
func (c *Coordinator) HandleFailure(ctx context.Context, fail Failure) error {
	book, err := c.store.GetBook(ctx, fail.BookID)
	if err != nil {
		return err
	}
	if book.Status == models.StatusCancelling {
		return c.finishCancel(ctx, book.ID)
	}
	if err := c.checkToken(book, fail.Stage, fail.Attempt); err != nil {
		return err
	}

	kind := stages.Classify(fail.Err)
	if kind == stages.KindTransient && fail.Attempt < c.maxAttempts {
		return c.scheduleRetry(ctx, book, fail)
	}

	detail := failureDetail(fail.Stage, fail.Attempt, kind, fail.Err)
	if err := c.store.MarkFailed(ctx, book.ID, fail.Stage, detail); err != nil {
		return err
	}
	_ = c.store.AppendEvent(ctx, book.ID, "failed", detail)
	c.logger.Warn("book failed", "book_id", book.ID, "stage", fail.Stage, "detail", detail)
	return nil
}

func (c *Coordinator) scheduleRetry(ctx context.Context, book models.Book, fail Failure) error {
	attempt := fail.Attempt + 1

	job, err := c.store.GetJob(ctx, book.ID, fail.Stage)
	if err != nil {
		return fmt.Errorf("load job for retry: %w", err)
	}
	job.Attempt = attempt
	if err := c.store.UpsertJob(ctx, job); err != nil {
		return fmt.Errorf("persist retry attempt: %w", err)
	}
	if err := c.store.SetStage(ctx, book.ID, fail.Stage, attempt); err != nil {
		return fmt.Errorf("bump attempt token: %w", err)
	}

	delay := backoffWithJitter(c.backoffInitial, c.backoffMax, attempt-1)
	runAt := time.Now().Add(delay)
	if err := c.queue.Schedule(ctx, book.ID, fail.Stage, runAt); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	_ = c.store.AppendEvent(ctx, book.ID, "retry_scheduled",
		fmt.Sprintf("stage=%s attempt=%d run_at=%s", fail.Stage, attempt, runAt.UTC().Format(time.RFC3339)))
	c.logger.Info("transient failure, retry scheduled",
		"book_id", book.ID, "stage", fail.Stage, "attempt", attempt, "delay", delay, "error", fail.Err)
	return nil
}

// Retry re-enters a failed book at its failed stage with the attempt token
// reset to 1.
func (c *Coordinator) Retry(ctx context.Context, bookID string) error {
	book, err := c.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if book.Status != models.StatusFailed {
		return fmt.Errorf("book %s is %s, only failed books can be retried", bookID, book.Status)
	}
	stage := book.FailedStage
	if stage == "" {
		stage = models.StageExtract
	}

	payload := map[string]any{}
	if job, err := c.store.GetJob(ctx, bookID, stage); err == nil {
		payload = job.Payload
	}
	_ = c.store.AppendEvent(ctx, bookID, "retry_requested", fmt.Sprintf("stage=%s", stage))
	return c.enterStage(ctx, bookID, stage, 1, payload)
}

// Cancel stops a book cooperatively: queued work is removed immediately, an
// in-flight stage is left to finish (or time out) before the book settles in
// the cancelled state.
func (c *Coordinator) Cancel(ctx context.Context, bookID string) error {
	book, err := c.store.GetBook(ctx, bookID)
	if err != nil {
		return err
	}
	if models.TerminalStatus(book.Status) {
		return fmt.Errorf("book %s is already %s", bookID, book.Status)
	}

	if err := c.queue.RemoveIdle(ctx, bookID); err != nil {
		return fmt.Errorf("remove queued work: %w", err)
	}

	inflight := false
	if book.CurrentStage != "" {
		inflight, err = c.queue.InFlight(ctx, bookID, book.CurrentStage)
		if err != nil {
			return err
		}
	}
	if inflight {
		if err := c.store.UpdateBookStatus(ctx, bookID, models.StatusCancelling); err != nil {
			return err
		}
		_ = c.store.AppendEvent(ctx, bookID, "cancelling", "waiting for in-flight stage")
		return nil
	}
	return c.finishCancel(ctx, bookID)
}

func (c *Coordinator) finishCancel(ctx context.Context, bookID string) error {
	if err := c.queue.Remove(ctx, bookID); err != nil {
		return err
	}
	if err := c.store.DeleteJobs(ctx, bookID); err != nil {
		return err
	}
	if err := c.store.UpdateBookStatus(ctx, bookID, models.StatusCancelled); err != nil {
		return err
	}
	_ = c.store.AppendEvent(ctx, bookID, "cancelled", "")
	c.logger.Info("book cancelled", "book_id", bookID)
	return nil
}

// Recover reconciles persisted state with the queue after a restart: any
// active book whose current stage has no queue presence gets it re-enqueued,
// and cancelling books with nothing in flight settle as cancelled.
func (c *Coordinator) Recover(ctx context.Context) error {
	books, err := c.store.ListActiveBooks(ctx)
	if err != nil {
		return err
	}
	for _, book := range books {
		switch {
		case book.Status == models.StatusUploaded:
			// Upload accepted but never started.
			if err := c.Start(ctx, book.ID); err != nil {
				c.logger.Error("recover start", "book_id", book.ID, "error", err)
			}
		case book.Status == models.StatusCancelling:
			inflight, err := c.queue.InFlight(ctx, book.ID, book.CurrentStage)
			if err == nil && !inflight {
				if err := c.finishCancel(ctx, book.ID); err != nil {
					c.logger.Error("recover cancel", "book_id", book.ID, "error", err)
				}
			}
		case book.CurrentStage != "":
			pending, err := c.queue.Pending(ctx, book.ID, book.CurrentStage)
			if err != nil {
				c.logger.Error("recover check", "book_id", book.ID, "error", err)
				continue
			}
			if !pending {
				_ = c.store.AppendEvent(ctx, book.ID, "recovered",
					fmt.Sprintf("stage=%s attempt=%d", book.CurrentStage, book.CurrentAttempt))
				if err := c.queue.Enqueue(ctx, book.ID, book.CurrentStage); err != nil {
					c.logger.Error("recover enqueue", "book_id", book.ID, "error", err)
				}
			}
		}
	}
	return nil
}

// checkToken validates a signal against the book's current stage and attempt.
func (c *Coordinator) checkToken(book models.Book, stage models.Stage, attempt int) error {
	if models.TerminalStatus(book.Status) {
		return fmt.Errorf("%w: book %s is %s", ErrStaleSignal, book.ID, book.Status)
	}
	if book.CurrentStage != stage || book.CurrentAttempt != attempt {
		return fmt.Errorf("%w: got %s/%d, current %s/%d",
			ErrStaleSignal, stage, attempt, book.CurrentStage, book.CurrentAttempt)
	}
	return nil
}

// failureDetail builds the user-facing failure description: which stage
// failed and whether retry is possible, never an internal stack trace.
func failureDetail(stage models.Stage, attempt int, kind stages.ErrorKind, err error) string {
	if kind == stages.KindPermanent {
		return fmt.Sprintf("stage %s failed: %v", stage, err)
	}
	return fmt.Sprintf("stage %s failed after %d attempts: %v", stage, attempt, err)
}
