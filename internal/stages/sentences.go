package stages

import (
	"strings"
)

// SentenceSegmenter is the built-in Segmenter: it splits on sentence
// punctuation, avoids breaking on abbreviations, decimals, and initials, and
// falls back to clause- then word-level splits for segments over the limit.
type SentenceSegmenter struct{}

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"st": {}, "mt": {}, "vs": {}, "etc": {}, "no": {}, "vol": {}, "rev": {},
	"fig": {}, "al": {}, "inc": {}, "ltd": {}, "co": {}, "dept": {}, "est": {},
	"a.m": {}, "p.m": {}, "e.g": {}, "i.e": {}, "u.s": {}, "u.k": {},
}

func (SentenceSegmenter) Segment(text string, maxChars int) []string {
	text = normalizeText(text)
	if text == "" {
		return nil
	}
	if maxChars <= 0 {
		maxChars = 4096
	}

	var segments []string
	start := 0

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if ch == '.' && skipPeriod(text, i) {
			continue
		}
		if !atBoundary(text, i) {
			continue
		}

		sentence := strings.TrimSpace(text[start : i+1])
		if sentence != "" {
			segments = append(segments, splitOversized(sentence, maxChars)...)
		}
		start = i + 1
	}

	if tail := strings.TrimSpace(text[start:]); tail != "" {
		segments = append(segments, splitOversized(tail, maxChars)...)
	}
	return segments
}

// normalizeText collapses all whitespace runs so boundary scanning is stable.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func skipPeriod(text string, idx int) bool {
	// Ellipsis.
	if (idx > 0 && text[idx-1] == '.') || (idx+1 < len(text) && text[idx+1] == '.') {
		return true
	}
	// Decimal numbers.
	if idx > 0 && idx+1 < len(text) && isDigit(text[idx-1]) && isDigit(text[idx+1]) {
		return true
	}

	token := wordBefore(text, idx)
	if token == "" {
		return false
	}
	// Single-letter initials ("J. Smith").
	if len(token) == 1 && isAlpha(token[0]) {
		return true
	}
	_, known := abbreviations[strings.ToLower(token)]
	return known
}

func wordBefore(text string, idx int) string {
	i := idx - 1
	for i >= 0 && text[i] != ' ' && text[i] != '"' && text[i] != '(' {
		i--
	}
	return text[i+1 : idx]
}

// atBoundary reports whether the punctuation at idx ends a sentence: closing
// quotes/brackets may follow, then either end-of-text or a space.
func atBoundary(text string, idx int) bool {
	i := idx + 1
	for i < len(text) && isClosing(text[i]) {
		i++
	}
	if i >= len(text) {
		return true
	}
	return text[i] == ' '
}

func isClosing(ch byte) bool {
	return ch == '"' || ch == '\'' || ch == ')' || ch == ']'
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// splitOversized breaks a too-long sentence at clause punctuation, then at
// word boundaries as a last resort.
func splitOversized(segment string, maxChars int) []string {
	if len(segment) <= maxChars {
		return []string{segment}
	}

	var parts []string
	rest := segment
	for len(rest) > maxChars {
		cut := lastIndexAny(rest[:maxChars], ",;:")
		if cut <= 0 {
			cut = strings.LastIndexByte(rest[:maxChars], ' ')
		}
		if cut <= 0 {
			cut = maxChars - 1
		}
		part := strings.TrimSpace(rest[:cut+1])
		if part != "" {
			parts = append(parts, part)
		}
		rest = strings.TrimSpace(rest[cut+1:])
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func lastIndexAny(s, chars string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if strings.IndexByte(chars, s[i]) >= 0 {
			return i
		}
	}
	return -1
}
