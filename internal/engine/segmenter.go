package engine

import (
	"regexp"
	"strings"
)

// sentinelOpen is the literal prefix of an emotion sentinel.
const sentinelOpen = "[[emotion:"

// sentinelRe matches one complete emotion sentinel. Names are restricted to
// letters, underscores, and hyphens; anything else keeps the brackets literal.
var sentinelRe = regexp.MustCompile(`\[\[emotion:([A-Za-z_-]+)\]\]`)

// segmenter is an incremental parser that splits a model's output stream into
// emotion-tagged segments.
//
// Text accumulates until a complete [[emotion:<name>]] sentinel arrives: the
// accumulated text becomes one segment carrying the current emotion, and the
// sentinel's (normalised) name becomes the emotion of the following text.
// Because provider chunks can split a sentinel at any byte, incomplete
// sentinel suffixes simply stay buffered until more text arrives; Flush strips
// a trailing half-written sentinel so its syntax never leaks into a segment.
//
// Whitespace-only segments are discarded. The zero emotion is neutral.
type segmenter struct {
	emit    func(text, emotion string) error
	pending string
	emotion string
}

func newSegmenter(emit func(text, emotion string) error) *segmenter {
	return &segmenter{emit: emit, emotion: EmotionNeutral}
}

// Write feeds one stream chunk to the parser, emitting any segments completed
// by it. An error from the emit callback aborts parsing and is returned as-is.
func (s *segmenter) Write(text string) error {
	s.pending += text
	for {
		loc := sentinelRe.FindStringSubmatchIndex(s.pending)
		if loc == nil {
			return nil
		}
		before := s.pending[:loc[0]]
		name := s.pending[loc[2]:loc[3]]
		s.pending = s.pending[loc[1]:]

		if strings.TrimSpace(before) != "" {
			if err := s.emit(before, s.emotion); err != nil {
				return err
			}
		}
		s.emotion = NormaliseEmotion(name)
	}
}

// Flush marks the end of the stream, emitting any buffered text as the last
// segment. A trailing incomplete sentinel is stripped silently.
func (s *segmenter) Flush() error {
	text := s.pending
	s.pending = ""
	if idx := strings.LastIndex(text, "[["); idx >= 0 && isSentinelPrefix(text[idx:]) {
		text = text[:idx]
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.emit(text, s.emotion)
}

// isSentinelPrefix reports whether s could still grow into a complete
// emotion sentinel given more input.
func isSentinelPrefix(s string) bool {
	if len(s) <= len(sentinelOpen) {
		return strings.HasPrefix(sentinelOpen, s)
	}
	if !strings.HasPrefix(s, sentinelOpen) {
		return false
	}
	rest := s[len(sentinelOpen):]
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_', c == '-':
		case c == ']':
			// A single closing bracket may end the prefix; a name must
			// precede it and nothing may follow (a second ']' would have
			// completed the sentinel).
			return i > 0 && i == len(rest)-1
		default:
			return false
		}
	}
	return true
}
