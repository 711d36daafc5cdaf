package models

import (
	"errors"
	"fmt"
	"strings"
)

// Stage identifies one step of the conversion pipeline.
type Stage string

const (
	StageExtract    Stage = "extract"
	StageSegment    Stage = "segment"
	StageSynthesize Stage = "synthesize"
	StageTranscode  Stage = "transcode"
	StageFinalize   Stage = "finalize"
)

// stageOrder is the authoritative pipeline sequence.
var stageOrder = []Stage{StageExtract, StageSegment, StageSynthesize, StageTranscode, StageFinalize}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Next returns the stage that follows s, or false if s is the last stage.
func (s Stage) Next() (Stage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// Status maps a stage to the book status it runs under.
func (s Stage) Status() string {
	switch s {
	case StageExtract:
		return StatusExtracting
	case StageSegment:
		return StatusSegmenting
	case StageSynthesize:
		return StatusSynthesizing
	case StageTranscode:
		return StatusTranscoding
	case StageFinalize:
		return StatusFinalizing
	default:
		return StatusFailed
	}
}

// ParseStage validates a stage name.
func ParseStage(v string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(v)))
	for _, st := range stageOrder {
		if st == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", v)
}

// SourceFormat enumerates accepted upload formats.
type SourceFormat string

const (
	FormatPDF  SourceFormat = "pdf"
	FormatEPUB SourceFormat = "epub"
	FormatTXT  SourceFormat = "txt"
)

// ErrUnsupportedFormat is returned for formats outside the closed pdf/epub/txt set.
var ErrUnsupportedFormat = errors.New("unsupported source format")

// ParseSourceFormat maps a user-supplied format string to the closed enum.
func ParseSourceFormat(v string) (SourceFormat, error) {
	switch SourceFormat(strings.ToLower(strings.TrimSpace(v))) {
	case FormatPDF:
		return FormatPDF, nil
	case FormatEPUB:
		return FormatEPUB, nil
	case FormatTXT:
		return FormatTXT, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, v)
	}
}
