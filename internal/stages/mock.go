package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"audiobook-pipeline/internal/models"
)

// In-process collaborators for tests and for running the pipeline without
// external extraction/synthesis/transcoding services.

// MockExtractor treats document bytes as plain text for any format.
type MockExtractor struct{}

func (MockExtractor) Extract(_ context.Context, data []byte, _ models.SourceFormat) (string, error) {
	return string(data), nil
}

// MockSynthesizer records each segment under a deterministic raw handle.
type MockSynthesizer struct {
	mu       sync.Mutex
	segments map[string]string
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{segments: make(map[string]string)}
}

func (m *MockSynthesizer) Synthesize(_ context.Context, _ ModelHandle, segment string) (string, error) {
	sum := sha256.Sum256([]byte(segment))
	handle := "raw:" + hex.EncodeToString(sum[:8])
	m.mu.Lock()
	m.segments[handle] = segment
	m.mu.Unlock()
	return handle, nil
}

// Segment returns the text recorded under a raw handle.
func (m *MockSynthesizer) Segment(handle string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.segments[handle]
	return s, ok
}

// MockTranscoder produces one encoded segment per raw handle with a duration
// proportional to the source text length (read back from the synthesizer).
type MockTranscoder struct {
	Synth *MockSynthesizer
	// SecondsPerChar approximates narration speed; defaults to 1/16.
	SecondsPerChar float64
}

func (m *MockTranscoder) Transcode(_ context.Context, rawHandle string) ([]EncodedSegment, error) {
	segment, ok := m.Synth.Segment(rawHandle)
	if !ok {
		return nil, Permanentf("unknown raw audio handle %q", rawHandle)
	}
	rate := m.SecondsPerChar
	if rate == 0 {
		rate = 1.0 / 16
	}
	return []EncodedSegment{{
		Audio:           []byte(fmt.Sprintf("AUDIO[%s]", segment)),
		DurationSeconds: float64(len(segment)) * rate,
	}}, nil
}
