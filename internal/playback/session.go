package playback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audiobook-pipeline/internal/models"
)

// State names for a playback session.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StatePending State = "pending"
	StateEnded   State = "ended"
	StateError   State = "error"
)

// ErrSeekTimeout is returned when a seek past the known chunks does not
// resolve before the configured bound.
var ErrSeekTimeout = errors.New("seek target did not appear before timeout")

// FetchError wraps a chunk fetch failure. Recoverable failures can be retried
// on the same chunk; non-recoverable ones end the session.
type FetchError struct {
	Recoverable bool
	Err         error
}

func (e *FetchError) Error() string {
	if e.Recoverable {
		return fmt.Sprintf("chunk fetch failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("chunk fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ChunkSource is the read contract the session depends on: the chunk store's
// client-facing surface, fully decoupled from the production side.
type ChunkSource interface {
	ListChunks(ctx context.Context, bookID string) ([]models.Chunk, error)
	FetchChunk(ctx context.Context, chunk models.Chunk) ([]byte, error)
}

// Options tune session behavior.
type Options struct {
	// PrefetchThreshold is the consumed fraction of the current chunk past
	// which the next chunk is fetched. Defaults to 0.8.
	PrefetchThreshold float64
	// PollInterval is the pending-seek refresh cadence. Defaults to 500ms.
	PollInterval time.Duration
	// SeekTimeout bounds a pending seek. Defaults to 30s.
	SeekTimeout time.Duration
}

// Session is one playback run over a book's chunk sequence. It runs
// single-threaded and cooperative: fetches and pending-seek polls take a
// context and are always cancellable; no method is safe for concurrent use.
type Session struct {
	bookID string
	src    ChunkSource
	tl     *Timeline
	opts   Options

	state     State
	current   int
	offset    float64
	buffered  map[int][]byte
	bookmarks []Position
	lastErr   error
}

func NewSession(bookID string, src ChunkSource, opts Options) *Session {
	if opts.PrefetchThreshold <= 0 || opts.PrefetchThreshold > 1 {
		opts.PrefetchThreshold = 0.8
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.SeekTimeout <= 0 {
		opts.SeekTimeout = 30 * time.Second
	}
	return &Session{
		bookID:   bookID,
		src:      src,
		tl:       NewTimeline(nil),
		opts:     opts,
		state:    StateIdle,
		buffered: make(map[int][]byte),
	}
}

func (s *Session) State() State { return s.state }

// Err returns the failure that put the session into the error state.
func (s *Session) Err() error { return s.lastErr }

// Position returns the current global playback position.
func (s *Session) Position() Position {
	return Position{BookID: s.bookID, GlobalSeconds: s.tl.Start(s.current) + s.offset}
}

// Timeline exposes the session's current view of the chunk sequence.
func (s *Session) Timeline() *Timeline { return s.tl }

// Load fetches the chunk list and the first chunk, moving idle → loading → ready.
func (s *Session) Load(ctx context.Context) error {
	if s.state != StateIdle {
		return fmt.Errorf("load from state %s", s.state)
	}
	s.state = StateLoading

	if err := s.refresh(ctx); err != nil {
		return s.fail(&FetchError{Recoverable: true, Err: err})
	}
	if s.tl.ChunkCount() == 0 {
		// Nothing produced yet; the caller can retry Load once chunks appear.
		s.state = StateIdle
		return fmt.Errorf("book %s has no chunks yet", s.bookID)
	}
	if err := s.ensureBuffered(ctx, 0); err != nil {
		return s.fail(err)
	}
	s.current, s.offset = 0, 0
	s.state = StateReady
	return nil
}

// Play transitions ready/paused → playing.
func (s *Session) Play() error {
	if s.state != StateReady && s.state != StatePaused {
		return fmt.Errorf("play from state %s", s.state)
	}
	s.state = StatePlaying
	return nil
}

// Pause transitions playing → paused.
func (s *Session) Pause() error {
	if s.state != StatePlaying {
		return fmt.Errorf("pause from state %s", s.state)
	}
	s.state = StatePaused
	return nil
}

// Advance consumes elapsed playback time while playing, prefetching the next
// chunk once the current one passes the threshold and crossing chunk
// boundaries as they are reached. When playback runs past the last known
// chunk it refreshes the chunk list once and ends if nothing new appeared.
func (s *Session) Advance(ctx context.Context, elapsed float64) error {
	if s.state != StatePlaying {
		return fmt.Errorf("advance from state %s", s.state)
	}
	s.offset += elapsed

	for {
		chunk, ok := s.tl.Chunk(s.current)
		if !ok {
			return s.fail(&FetchError{Recoverable: false, Err: fmt.Errorf("chunk %d out of range", s.current)})
		}

		if s.offset < chunk.DurationSeconds {
			if s.offset >= chunk.DurationSeconds*s.opts.PrefetchThreshold {
				s.prefetch(ctx, s.current+1)
			}
			return nil
		}

		// Crossed the chunk boundary.
		s.offset -= chunk.DurationSeconds
		s.current++
		delete(s.buffered, s.current-2) // keep at most previous+current+next

		if s.current >= s.tl.ChunkCount() {
			if err := s.refresh(ctx); err != nil || s.current >= s.tl.ChunkCount() {
				s.current = s.tl.ChunkCount() - 1
				if c, ok := s.tl.Chunk(s.current); ok {
					s.offset = c.DurationSeconds
				}
				s.state = StateEnded
				return nil
			}
		}
		if err := s.ensureBuffered(ctx, s.current); err != nil {
			return s.fail(err)
		}
	}
}

// Seek moves playback to a global time. Targets inside the known range
// resolve immediately; targets past the last known chunk enter the pending
// state and poll the chunk list until the target exists, bounded by the
// configured timeout.
func (s *Session) Seek(ctx context.Context, globalSeconds float64) error {
	if s.state == StateIdle || s.state == StateLoading {
		return fmt.Errorf("seek from state %s", s.state)
	}
	resumeTo := s.state
	if resumeTo == StateEnded || resumeTo == StatePending || resumeTo == StateError {
		resumeTo = StateReady
	}

	loc, ok := s.tl.Locate(globalSeconds)
	if !ok {
		var err error
		loc, err = s.awaitChunk(ctx, globalSeconds)
		if err != nil {
			// Seek failed; playback at the old position is still intact.
			s.state = resumeTo
			return err
		}
	}

	if err := s.ensureBuffered(ctx, loc.ChunkIndex); err != nil {
		return s.fail(err)
	}
	s.current = loc.ChunkIndex
	s.offset = loc.OffsetSeconds
	s.state = resumeTo
	return nil
}

// awaitChunk is the pending-seek poll loop.
func (s *Session) awaitChunk(ctx context.Context, globalSeconds float64) (Location, error) {
	s.state = StatePending

	deadline := time.Now().Add(s.opts.SeekTimeout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.refresh(ctx); err == nil {
			if loc, ok := s.tl.Locate(globalSeconds); ok {
				return loc, nil
			}
		}
		if time.Now().After(deadline) {
			return Location{}, fmt.Errorf("%w: target %.3fs, known %.3fs", ErrSeekTimeout, globalSeconds, s.tl.Duration())
		}
		select {
		case <-ctx.Done():
			return Location{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Bookmark records the current position in global time.
func (s *Session) Bookmark() Position {
	pos := s.Position()
	s.bookmarks = append(s.bookmarks, pos)
	return pos
}

// Bookmarks returns all recorded bookmarks.
func (s *Session) Bookmarks() []Position {
	out := make([]Position, len(s.bookmarks))
	copy(out, s.bookmarks)
	return out
}

// Resume seeks to a previously recorded bookmark.
func (s *Session) Resume(ctx context.Context, pos Position) error {
	return s.Seek(ctx, pos.GlobalSeconds)
}

// Retry re-fetches the current chunk after a recoverable error.
func (s *Session) Retry(ctx context.Context) error {
	if s.state != StateError {
		return fmt.Errorf("retry from state %s", s.state)
	}
	var fe *FetchError
	if errors.As(s.lastErr, &fe) && !fe.Recoverable {
		return s.lastErr
	}
	if err := s.ensureBuffered(ctx, s.current); err != nil {
		return s.fail(err)
	}
	s.lastErr = nil
	s.state = StateReady
	return nil
}

// CurrentAudio returns the buffered bytes for the current chunk.
func (s *Session) CurrentAudio() ([]byte, bool) {
	data, ok := s.buffered[s.current]
	return data, ok
}

func (s *Session) fail(err error) error {
	s.state = StateError
	s.lastErr = err
	return err
}

func (s *Session) refresh(ctx context.Context) error {
	chunks, err := s.src.ListChunks(ctx, s.bookID)
	if err != nil {
		return err
	}
	s.tl.Update(chunks)
	return nil
}

func (s *Session) ensureBuffered(ctx context.Context, index int) error {
	if _, ok := s.buffered[index]; ok {
		return nil
	}
	chunk, ok := s.tl.Chunk(index)
	if !ok {
		return &FetchError{Recoverable: false, Err: fmt.Errorf("chunk %d unknown", index)}
	}
	data, err := s.src.FetchChunk(ctx, chunk)
	if err != nil {
		return &FetchError{Recoverable: true, Err: err}
	}
	s.buffered[index] = data
	return nil
}

// prefetch fetches a chunk opportunistically; failures are ignored since the
// on-demand fetch at the boundary will surface them.
func (s *Session) prefetch(ctx context.Context, index int) {
	if index >= s.tl.ChunkCount() {
		return
	}
	if _, ok := s.buffered[index]; ok {
		return
	}
	_ = s.ensureBuffered(ctx, index)
}

var _ ChunkSource = (*sourceFuncs)(nil)

// sourceFuncs adapts plain functions to a ChunkSource; handy in tests.
type sourceFuncs struct {
	list  func(ctx context.Context, bookID string) ([]models.Chunk, error)
	fetch func(ctx context.Context, chunk models.Chunk) ([]byte, error)
}

func (s *sourceFuncs) ListChunks(ctx context.Context, bookID string) ([]models.Chunk, error) {
	return s.list(ctx, bookID)
}

func (s *sourceFuncs) FetchChunk(ctx context.Context, chunk models.Chunk) ([]byte, error) {
	return s.fetch(ctx, chunk)
}

// SourceFuncs builds a ChunkSource from two functions.
func SourceFuncs(
	list func(ctx context.Context, bookID string) ([]models.Chunk, error),
	fetch func(ctx context.Context, chunk models.Chunk) ([]byte, error),
) ChunkSource {
	return &sourceFuncs{list: list, fetch: fetch}
}
