package pipeline

import "strings"

// maxSentenceChars bounds how long a sentence can grow before it is forced
// out to TTS even without a terminator, so a run-on stream doesn't stall
// synthesis waiting for punctuation that may never come.
const maxSentenceChars = 100

// sentenceBuffer accumulates streamed tokens and splits at sentence boundaries.
type sentenceBuffer struct {
	buf strings.Builder
}

// Add appends a token and returns any complete sentence ready for TTS.
// Returns empty string if no sentence boundary detected yet. A sentence is
// emitted either at a terminator (.!?) or once the buffer exceeds
// maxSentenceChars, whichever comes first.
func (s *sentenceBuffer) Add(token string) string {
	s.buf.WriteString(token)
	text := s.buf.String()
	complete, remainder := splitAtSentence(text)
	if complete != "" {
		s.buf.Reset()
		s.buf.WriteString(remainder)
		return complete
	}
	if len(text) > maxSentenceChars {
		complete, remainder = splitAtWordBoundary(text)
		s.buf.Reset()
		s.buf.WriteString(remainder)
		return complete
	}
	return ""
}

// Flush returns any remaining text in the buffer.
func (s *sentenceBuffer) Flush() string {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text
}

var sentenceEnders = map[byte]bool{'.': true, '!': true, '?': true}

// splitAtSentence finds the last sentence boundary in text.
// A boundary is a sentence ender (.!?) followed by whitespace.
// Returns (completeSentences, remainder). If no boundary, returns ("", text).
func splitAtSentence(text string) (string, string) {
	lastIdx := -1
	for i := range len(text) - 1 {
		if sentenceEnders[text[i]] && isWordBoundary(text[i+1]) {
			lastIdx = i + 1
		}
	}
	if lastIdx < 0 {
		return "", text
	}
	return strings.TrimSpace(text[:lastIdx]), text[lastIdx:]
}

func isWordBoundary(ch byte) bool {
	return ch == ' ' || ch == '\n' || ch == '\t'
}

// splitAtWordBoundary forces a flush of text at the last whitespace before
// the end, so a forced split doesn't cut a word in half. If no whitespace
// is found, the whole text is flushed as-is.
func splitAtWordBoundary(text string) (string, string) {
	idx := strings.LastIndexByte(text, ' ')
	if idx < 0 {
		return strings.TrimSpace(text), ""
	}
	return strings.TrimSpace(text[:idx]), text[idx+1:]
}
